package cli

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/anstrom/reconmap/internal/project"
)

const (
	exportFormatJSON = "json"
	exportFormatYAML = "yaml"
)

var (
	exportFormat string
	exportOutput string
)

// exportCmd represents the export command.
var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Write the project document",
	Long: `Write the whole project (hosts, command log, transcript, advisor prompts
and chat history) as JSON or YAML. The JSON form is the same document the
project file holds and can be loaded back with "reconmap restore".`,
	Example: `  reconmap export > engagement.json
  reconmap export --format yaml --output engagement.yaml`,
	Args: cobra.NoArgs,
	RunE: runExport,
}

// restoreCmd represents the restore command.
var restoreCmd = &cobra.Command{
	Use:   "restore <file>",
	Short: "Replace the project with an exported document",
	Long: `Replace the current project with a document written by "reconmap export"
in JSON form. Read from stdin when the file is "-".`,
	Args: cobra.ExactArgs(1),
	RunE: runRestore,
}

func init() {
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(restoreCmd)

	exportCmd.Flags().StringVarP(&exportFormat, "format", "f", exportFormatJSON, "Output format: json or yaml")
	exportCmd.Flags().StringVarP(&exportOutput, "output", "o", "", "Write to a file instead of stdout")
}

func runExport(cmd *cobra.Command, _ []string) error {
	format := strings.ToLower(exportFormat)
	if format != exportFormatJSON && format != exportFormatYAML {
		return fmt.Errorf("invalid format '%s': use json or yaml", exportFormat)
	}

	return withSession(cmd, false, func(ctx context.Context, s *session) error {
		doc, err := s.ws.Document(ctx)
		if err != nil {
			return err
		}

		var out io.Writer = cmd.OutOrStdout()
		if exportOutput != "" {
			f, err := os.Create(exportOutput)
			if err != nil {
				return fmt.Errorf("error creating %s: %w", exportOutput, err)
			}
			defer func() { _ = f.Close() }()
			out = f
		}

		if format == exportFormatYAML {
			return doc.EncodeYAML(out)
		}
		return doc.Encode(out)
	})
}

func runRestore(cmd *cobra.Command, args []string) error {
	data, err := readInput(cmd, args[0])
	if err != nil {
		return fmt.Errorf("error reading %s: %w", args[0], err)
	}
	doc, err := project.Decode(bytes.NewReader(data))
	if err != nil {
		return err
	}

	return withSession(cmd, true, func(ctx context.Context, s *session) error {
		if err := s.ws.Apply(ctx, doc); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Project restored from %s (%d host(s))\n", args[0], len(doc.Hosts))
		return nil
	})
}
