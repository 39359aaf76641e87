package handlers

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anstrom/reconmap/internal/config"
	"github.com/anstrom/reconmap/internal/inventory"
	"github.com/anstrom/reconmap/internal/layout"
)

type hostPage struct {
	Data       []HostResponse `json:"data"`
	Pagination struct {
		TotalItems int64 `json:"total_items"`
	} `json:"pagination"`
}

func TestListHosts(t *testing.T) {
	env := newTestEnv(t)
	env.scan(t)
	h := NewHostHandler(env.ws, env.logger)

	tests := []struct {
		name    string
		query   string
		wantIDs []string
	}{
		{name: "all", query: "", wantIDs: []string{"host_10.0.0.5", "host_10.0.0.9"}},
		{name: "by os tag", query: "?os_tag=linux", wantIDs: []string{"host_10.0.0.5"}},
		{name: "by network", query: "?network=10.0.0.0/24", wantIDs: []string{"host_10.0.0.5", "host_10.0.0.9"}},
		{name: "other network", query: "?network=192.168.1.0/24", wantIDs: nil},
		{name: "search", query: "?q=WEB01", wantIDs: []string{"host_10.0.0.5"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			h.ListHosts(rec, httptest.NewRequest(http.MethodGet, "/api/v1/hosts"+tt.query, nil))

			require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
			page := decodeBody[hostPage](t, rec)
			ids := make([]string, 0, len(page.Data))
			for _, host := range page.Data {
				ids = append(ids, host.ID)
			}
			if tt.wantIDs == nil {
				assert.Empty(t, ids)
			} else {
				assert.ElementsMatch(t, tt.wantIDs, ids)
			}
			assert.Equal(t, int64(len(tt.wantIDs)), page.Pagination.TotalItems)
		})
	}
}

func TestListHostsInvalidOSTag(t *testing.T) {
	env := newTestEnv(t)

	rec := httptest.NewRecorder()
	NewHostHandler(env.ws, env.logger).ListHosts(rec, httptest.NewRequest(http.MethodGet, "/api/v1/hosts?os_tag=amiga", nil))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid os_tag")
}

func TestGetHost(t *testing.T) {
	env := newTestEnv(t)
	env.scan(t)
	h := NewHostHandler(env.ws, env.logger)

	rec := httptest.NewRecorder()
	h.GetHost(rec, newRequest(http.MethodGet, "/api/v1/hosts/host_10.0.0.5", nil, map[string]string{"id": "host_10.0.0.5"}))

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	host := decodeBody[HostDetailResponse](t, rec)
	assert.Equal(t, "10.0.0.5", host.IP)
	assert.Equal(t, "web01", host.Hostname)
	assert.Equal(t, inventory.OSLinux, host.OSTag)
	assert.Equal(t, "Linux 5.4", host.OSName)
	assert.Equal(t, 2, host.OpenPorts)
	assert.Equal(t, layout.StyleFor(inventory.OSLinux), host.Style)
	require.Len(t, host.Ports, 2)
	assert.Equal(t, "22", host.Ports[0].Number)
	assert.Empty(t, host.Ports[0].Raw)
	assert.Contains(t, host.RawOutput, "22/tcp open  ssh")
	assert.NotEmpty(t, host.Detail)

	rec = httptest.NewRecorder()
	h.GetHost(rec, newRequest(http.MethodGet, "/api/v1/hosts/host_10.0.0.5", nil, map[string]string{"id": "host_1.2.3.4"}))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetHostHeuristicOS(t *testing.T) {
	env := newTestEnv(t)
	env.scan(t)

	rec := httptest.NewRecorder()
	NewHostHandler(env.ws, env.logger).GetHost(rec, newRequest(http.MethodGet, "/", nil, map[string]string{"id": "host_10.0.0.9"}))

	require.Equal(t, http.StatusOK, rec.Code)
	host := decodeBody[HostDetailResponse](t, rec)
	assert.Equal(t, inventory.OSWindows, host.OSTag)
	assert.Equal(t, "10.0.0.9", host.Label)
}

func TestUpdateHost(t *testing.T) {
	env := newTestEnv(t)
	env.scan(t)
	h := NewHostHandler(env.ws, env.logger)
	vars := map[string]string{"id": "host_10.0.0.9"}

	rec := httptest.NewRecorder()
	h.UpdateHost(rec, newRequest(http.MethodPatch, "/api/v1/hosts/host_10.0.0.9",
		`{"hostname":"rdp01","os_tag":"windows","notes":"jump box"}`, vars))

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	host := decodeBody[HostResponse](t, rec)
	assert.Equal(t, "rdp01", host.Hostname)
	assert.Equal(t, "jump box", host.Notes)
	assert.True(t, strings.HasPrefix(host.Label, "rdp01"))

	host2, ok, err := env.ws.Dispatcher().Host(testContext(t), "host_10.0.0.9")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "rdp01", host2.Hostname)
}

func TestUpdateHostErrors(t *testing.T) {
	env := newTestEnv(t)
	env.scan(t)
	h := NewHostHandler(env.ws, env.logger)

	t.Run("invalid os tag", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.UpdateHost(rec, newRequest(http.MethodPatch, "/", `{"os_tag":"amiga"}`, map[string]string{"id": "host_10.0.0.9"}))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("unknown host", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.UpdateHost(rec, newRequest(http.MethodPatch, "/", `{"notes":"x"}`, map[string]string{"id": "host_nope"}))
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestDeleteHost(t *testing.T) {
	env := newTestEnv(t)
	env.scan(t)
	h := NewHostHandler(env.ws, env.logger)
	vars := map[string]string{"id": "host_10.0.0.9"}

	rec := httptest.NewRecorder()
	h.DeleteHost(rec, newRequest(http.MethodDelete, "/api/v1/hosts/host_10.0.0.9", nil, vars))
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = httptest.NewRecorder()
	h.DeleteHost(rec, newRequest(http.MethodDelete, "/api/v1/hosts/host_10.0.0.9", nil, vars))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	hosts, err := env.ws.Dispatcher().Hosts(testContext(t))
	require.NoError(t, err)
	assert.Len(t, hosts, 1)
}

func TestReconcile(t *testing.T) {
	env := newTestEnv(t)
	ctx := testContext(t)
	_, err := env.ws.Import(ctx, strings.NewReader(importXML), "test", false)
	require.NoError(t, err)
	_, err = env.ws.Dispatcher().ParseText(ctx, "Nmap scan report for 192.168.1.1\nPORT STATE SERVICE\n22/tcp open ssh\n")
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	NewHostHandler(env.ws, env.logger).Reconcile(rec, httptest.NewRequest(http.MethodPost, "/api/v1/hosts/reconcile", nil))

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decodeBody[HostIDsResponse](t, rec)
	assert.Equal(t, 1, resp.Count)
	require.Len(t, resp.HostIDs, 1)
	assert.True(t, strings.HasPrefix(resp.HostIDs[0], "host_import_"))

	hosts, err := env.ws.Dispatcher().Hosts(ctx)
	require.NoError(t, err)
	require.Len(t, hosts, 1)
	assert.Equal(t, "host_192.168.1.1", hosts[0].ID)
}

func TestResolveWithoutResolver(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) { cfg.Resolver.Disabled = true })
	require.Nil(t, env.ws.Resolver())

	rec := httptest.NewRecorder()
	NewHostHandler(env.ws, env.logger).Resolve(rec, httptest.NewRequest(http.MethodPost, "/api/v1/hosts/resolve", nil))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestIDsResponseNeverNull(t *testing.T) {
	resp := idsResponse(nil)
	assert.NotNil(t, resp.HostIDs)
	assert.Equal(t, 0, resp.Count)
}
