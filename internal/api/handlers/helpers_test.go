package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/require"

	"github.com/anstrom/reconmap/internal/advisor"
	"github.com/anstrom/reconmap/internal/config"
	"github.com/anstrom/reconmap/internal/logging"
	"github.com/anstrom/reconmap/internal/workspace"
	"github.com/anstrom/reconmap/internal/workspace/workspacetest"
)

const scanCommand = "nmap -sV 10.0.0.0/24"

var scanOutput = []string{
	"Starting Nmap 7.94",
	"Nmap scan report for web01 (10.0.0.5)",
	"PORT   STATE SERVICE VERSION",
	"22/tcp open  ssh     OpenSSH 8.2",
	"80/tcp open  http    nginx 1.18",
	"OS details: Linux 5.4",
	"",
	"Nmap scan report for 10.0.0.9",
	"PORT     STATE SERVICE",
	"3389/tcp open  ms-wbt-server",
	"",
	"Nmap done: 256 IP addresses (2 hosts up)",
}

const importXML = `<?xml version="1.0" encoding="UTF-8"?>
<nmaprun scanner="nmap" args="nmap -oX - 192.168.1.0/24" version="7.94">
<host>
  <status state="up"/>
  <address addr="192.168.1.1" addrtype="ipv4"/>
  <hostnames><hostname name="gw.lan" type="PTR"/></hostnames>
  <ports>
    <port protocol="tcp" portid="443"><state state="open"/><service name="https"/></port>
  </ports>
</host>
</nmaprun>`

type testEnv struct {
	ws      *workspace.Workspace
	starter *workspacetest.Starter
	logger  *logging.Logger
}

func newTestEnv(t *testing.T, mutate ...func(*config.Config)) *testEnv {
	t.Helper()
	return newTestEnvWithAsker(t, nil, mutate...)
}

// newTestEnvWithAsker opens a workspace whose advisor talks to asker.
func newTestEnvWithAsker(t *testing.T, asker advisor.Asker, mutate ...func(*config.Config)) *testEnv {
	t.Helper()
	starter := workspacetest.NewStarter(map[string]workspacetest.Script{
		scanCommand: {Lines: scanOutput},
		"whoami":    {Lines: []string{"root"}},
	})

	cfg := config.Default()
	cfg.Dispatcher.Tick = 10 * time.Millisecond
	cfg.Project.Path = filepath.Join(t.TempDir(), "project.json")
	cfg.Resolver.Servers = nil
	for _, m := range mutate {
		m(cfg)
	}

	ws, err := workspace.Open(cfg, workspace.Options{Starter: starter, Events: starter.Events(), Asker: asker})
	require.NoError(t, err)
	t.Cleanup(ws.Close)

	return &testEnv{ws: ws, starter: starter, logger: logging.NewDiscard()}
}

// scan runs the scripted scan and waits for its output to be parsed.
func (e *testEnv) scan(t *testing.T) {
	t.Helper()
	_, err := e.ws.RunAndWait(testContext(t), scanCommand)
	require.NoError(t, err)
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// newRequest builds a request carrying the given path variables.
func newRequest(method, target string, body interface{}, vars map[string]string) *http.Request {
	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		reader = bytes.NewBufferString(b)
	default:
		data, _ := json.Marshal(b)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, target, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if vars != nil {
		req = mux.SetURLVars(req, vars)
	}
	return req
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}
