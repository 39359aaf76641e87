package cli

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/anstrom/reconmap/internal/config"
	"github.com/anstrom/reconmap/internal/logging"
	"github.com/anstrom/reconmap/internal/workspace"
)

// workspaceOptions builds the options every command opens its workspace
// with. Tests replace it to script commands.
var workspaceOptions = func(logger *logging.Logger) workspace.Options {
	return workspace.Options{Logger: logger}
}

// session is an open workspace with its project document loaded.
type session struct {
	cfg    *config.Config
	ws     *workspace.Workspace
	logger *logging.Logger
}

// SessionOperation represents a function that works on an open session.
type SessionOperation func(ctx context.Context, s *session) error

// openSession loads the configuration, applies mutate, opens the workspace
// and loads the project document.
func openSession(ctx context.Context, mutate func(*config.Config)) (*session, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if mutate != nil {
		mutate(cfg)
	}

	logger := logging.Default()
	ws, err := workspace.Open(cfg, workspaceOptions(logger))
	if err != nil {
		return nil, fmt.Errorf("error opening workspace: %w", err)
	}

	s := &session{cfg: cfg, ws: ws, logger: logger}
	if cfg.Project.Path != "" {
		if _, err := ws.Load(ctx, cfg.Project.Path); err != nil {
			ws.Close()
			return nil, fmt.Errorf("error loading project: %w", err)
		}
	}
	return s, nil
}

func (s *session) save(ctx context.Context) error {
	if s.cfg.Project.Path == "" {
		return nil
	}
	return s.ws.Save(ctx, s.cfg.Project.Path)
}

// withSession runs operation on a fresh session and closes it afterwards.
// When save is set the project document is written after a successful
// operation.
func withSession(cmd *cobra.Command, save bool, operation SessionOperation) error {
	return withSessionConfig(cmd, save, nil, operation)
}

func withSessionConfig(cmd *cobra.Command, save bool, mutate func(*config.Config), operation SessionOperation) error {
	ctx := commandContext(cmd)
	s, err := openSession(ctx, mutate)
	if err != nil {
		return err
	}
	defer s.ws.Close()

	if err := operation(ctx, s); err != nil {
		return err
	}
	if save {
		if err := s.save(ctx); err != nil {
			return fmt.Errorf("error saving project: %w", err)
		}
	}
	return nil
}

// readInput reads a file, or stdin when path is "-".
func readInput(cmd *cobra.Command, path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}
	// #nosec G304 - reading user supplied scan output is the point
	return os.ReadFile(path)
}
