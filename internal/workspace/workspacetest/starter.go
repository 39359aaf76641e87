// Package workspacetest provides a scripted command starter for tests that
// need a workspace without spawning a shell.
package workspacetest

import (
	"sync"
	"time"

	"github.com/anstrom/reconmap/internal/runner"
)

// Script is the canned result of one command.
type Script struct {
	Lines    []string
	ExitCode int
	// Delay holds the Done event back after the last line.
	Delay time.Duration
}

// Starter replays scripts instead of running commands. Unknown commands
// finish with exit code 127 and no output.
type Starter struct {
	events chan runner.Event

	mu      sync.Mutex
	scripts map[string]Script
	started []string
	wg      sync.WaitGroup
}

// NewStarter creates a starter with a buffered event queue.
func NewStarter(scripts map[string]Script) *Starter {
	if scripts == nil {
		scripts = make(map[string]Script)
	}
	return &Starter{events: make(chan runner.Event, 1024), scripts: scripts}
}

// Events returns the queue the dispatcher should read.
func (s *Starter) Events() <-chan runner.Event { return s.events }

// Set adds or replaces the script of command.
func (s *Starter) Set(command string, script Script) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scripts[command] = script
}

// Started returns the launched commands in order.
func (s *Starter) Started() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.started...)
}

// Wait blocks until every replay goroutine has queued its Done event.
func (s *Starter) Wait() { s.wg.Wait() }

// StartWithToken replays the script of command on its own goroutine.
func (s *Starter) StartWithToken(tok runner.Token, command string) {
	s.mu.Lock()
	script, ok := s.scripts[command]
	s.started = append(s.started, command)
	s.mu.Unlock()
	if !ok {
		script = Script{ExitCode: 127}
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		start := time.Now()
		for _, l := range script.Lines {
			s.events <- runner.Event{Kind: runner.KindOutput, Token: tok, Command: command, Line: l, Time: time.Now()}
		}
		time.Sleep(script.Delay)
		s.events <- runner.Event{
			Kind:     runner.KindDone,
			Token:    tok,
			Command:  command,
			ExitCode: script.ExitCode,
			Duration: time.Since(start),
			Time:     time.Now(),
		}
	}()
}
