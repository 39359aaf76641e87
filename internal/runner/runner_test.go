package runner

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anstrom/reconmap/internal/errors"
	"github.com/anstrom/reconmap/internal/metrics"
)

func newShRunner(t *testing.T, rec metrics.Recorder) *Runner {
	t.Helper()
	sh, err := FindShell("sh")
	if err != nil {
		t.Skip("sh not available")
	}
	return New(Config{ShellPath: sh, QueueSize: 64}, nil, rec)
}

// collect reads events until want Done events arrived.
func collect(t *testing.T, r *Runner, want int) []Event {
	t.Helper()
	var events []Event
	timeout := time.After(10 * time.Second)
	for done := 0; done < want; {
		select {
		case ev := <-r.Events():
			events = append(events, ev)
			if ev.Kind == KindDone {
				done++
			}
		case <-timeout:
			t.Fatalf("timed out after %d events", len(events))
		}
	}
	return events
}

func linesOf(events []Event, tok Token) []string {
	var lines []string
	for _, ev := range events {
		if ev.Token == tok && ev.Kind == KindOutput {
			lines = append(lines, ev.Line)
		}
	}
	return lines
}

func TestRunnerStreamsLinesThenDone(t *testing.T) {
	r := newShRunner(t, nil)

	tok := r.Start(`printf 'first\r\nsecond\nthird'`)
	events := collect(t, r, 1)

	require.Len(t, events, 4)
	assert.Equal(t, []string{"first", "second", "third"}, linesOf(events, tok))

	done := events[3]
	assert.Equal(t, KindDone, done.Kind)
	assert.Equal(t, tok, done.Token)
	assert.Equal(t, `printf 'first\r\nsecond\nthird'`, done.Command)
	assert.Equal(t, 0, done.ExitCode)
	assert.NoError(t, done.Err)
	assert.False(t, done.Time.IsZero())
}

func TestRunnerCombinesStderr(t *testing.T) {
	r := newShRunner(t, nil)

	tok := r.Start("echo out; echo err 1>&2; echo tail")
	events := collect(t, r, 1)

	assert.Equal(t, []string{"out", "err", "tail"}, linesOf(events, tok))
}

func TestRunnerNonZeroExit(t *testing.T) {
	rec := metrics.NewRegistry()
	r := newShRunner(t, rec)

	r.Start("echo partial; exit 3")
	events := collect(t, r, 1)

	done := events[len(events)-1]
	assert.Equal(t, 3, done.ExitCode)
	require.Error(t, done.Err)
	assert.True(t, errors.IsCode(done.Err, errors.CodeCommandExit))

	var cerr *errors.CommandError
	require.ErrorAs(t, done.Err, &cerr)
	assert.Equal(t, "echo partial; exit 3", cerr.Command)
	assert.Equal(t, 3, cerr.ExitCode)

	assert.Equal(t, 1.0, rec.Value(metrics.MetricCommands, metrics.Labels{metrics.LabelStatus: metrics.StatusExit}))
}

func TestRunnerLaunchFailure(t *testing.T) {
	t.Run("missing shell name", func(t *testing.T) {
		r := New(Config{Shell: "no-such-shell-reconmap"}, nil, nil)
		assert.Empty(t, r.Shell())

		tok := r.Start("nmap -sV 10.0.0.1")
		events := collect(t, r, 1)

		require.Len(t, events, 2)
		assert.Equal(t, KindOutput, events[0].Kind)
		assert.True(t, strings.HasPrefix(events[0].Line, "[error] "))
		assert.Equal(t, tok, events[1].Token)
		assert.True(t, errors.IsCode(events[1].Err, errors.CodeShellNotFound))

		var cerr *errors.CommandError
		require.ErrorAs(t, events[1].Err, &cerr)
		assert.Equal(t, "nmap -sV 10.0.0.1", cerr.Command)
	})

	t.Run("shell path cannot start", func(t *testing.T) {
		rec := metrics.NewRegistry()
		r := New(Config{ShellPath: "/nonexistent/reconmap/sh"}, nil, rec)

		r.Start("true")
		events := collect(t, r, 1)

		require.Len(t, events, 2)
		assert.Contains(t, events[0].Line, "[error]")
		assert.Equal(t, -1, events[1].ExitCode)
		assert.True(t, errors.IsCode(events[1].Err, errors.CodeCommandFailed))
		assert.Equal(t, 1.0, rec.Value(metrics.MetricCommands, metrics.Labels{metrics.LabelStatus: metrics.StatusFailed}))
	})
}

func TestRunnerConcurrentCommandsKeepPerCommandOrder(t *testing.T) {
	r := newShRunner(t, nil)

	const n = 5
	tokens := make([]Token, n)
	for i := range tokens {
		tokens[i] = r.Start(fmt.Sprintf("for j in 1 2 3 4 5 6 7 8; do echo %d-$j; done", i))
	}
	events := collect(t, r, n)
	r.Wait()

	for i, tok := range tokens {
		want := make([]string, 0, 8)
		for j := 1; j <= 8; j++ {
			want = append(want, fmt.Sprintf("%d-%d", i, j))
		}
		assert.Equal(t, want, linesOf(events, tok))

		var dones, lastOutput, doneAt int
		for idx, ev := range events {
			if ev.Token != tok {
				continue
			}
			if ev.Kind == KindDone {
				dones++
				doneAt = idx
			} else {
				lastOutput = idx
			}
		}
		assert.Equal(t, 1, dones, "exactly one done per command")
		assert.Greater(t, doneAt, lastOutput, "done follows all output")
	}
}

func TestRunnerStartWithToken(t *testing.T) {
	r := newShRunner(t, nil)

	r.StartWithToken("fixed-token", "echo hi")
	events := collect(t, r, 1)
	for _, ev := range events {
		assert.Equal(t, Token("fixed-token"), ev.Token)
	}
}

func TestRunnerClose(t *testing.T) {
	r := newShRunner(t, nil)
	r.Start("echo bye")
	r.Close()

	var count int
	for range r.Events() {
		count++
	}
	assert.Equal(t, 2, count)
}

func TestRunnerActive(t *testing.T) {
	r := newShRunner(t, nil)
	assert.Zero(t, r.Active())

	r.Start("sleep 0.2")
	assert.Equal(t, 1, r.Active())

	collect(t, r, 1)
	assert.Eventually(t, func() bool { return r.Active() == 0 }, 5*time.Second, 10*time.Millisecond)
}

func TestNewTokenIsUnique(t *testing.T) {
	assert.NotEqual(t, NewToken(), NewToken())
}

func TestFindShell(t *testing.T) {
	sh, err := FindShell("sh")
	if err != nil {
		t.Skip("sh not available")
	}
	assert.True(t, strings.HasSuffix(sh, "sh"))

	abs, err := FindShell(sh)
	require.NoError(t, err)
	assert.Equal(t, sh, abs)

	_, err = FindShell("no-such-shell-reconmap")
	assert.True(t, errors.IsCode(err, errors.CodeShellNotFound))

	_, err = FindShell("/nonexistent/reconmap/sh")
	assert.Error(t, err)
}

func TestShellArgs(t *testing.T) {
	assert.Equal(t, []string{"-c", "ls"}, shellArgs("/bin/bash", "ls"))
	assert.Equal(t, []string{"/c", "dir"}, shellArgs(`C:\Windows\System32\cmd.exe`, "dir"))
	assert.Equal(t, []string{"/c", "dir"}, shellArgs("cmd", "dir"))
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "output", KindOutput.String())
	assert.Equal(t, "done", KindDone.String())
	assert.Equal(t, "kind(7)", Kind(7).String())
}
