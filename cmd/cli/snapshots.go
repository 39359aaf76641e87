package cli

import (
	"context"
	"fmt"
	"io"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/anstrom/reconmap/internal/logging"
	"github.com/anstrom/reconmap/internal/store"
)

const (
	defaultSnapshotName  = "manual"
	defaultSnapshotLimit = 50
)

var (
	snapshotName   string
	snapshotLimit  int
	snapshotLatest string
	snapshotKeep   int
)

// snapshotsCmd represents the snapshots command.
var snapshotsCmd = &cobra.Command{
	Use:     "snapshots",
	Aliases: []string{"snap"},
	Short:   "Save and restore inventory snapshots",
	Long: `Snapshots copy the host inventory and transcript into the store
(SQLite by default, PostgreSQL when configured). The daemon writes
"autosave" snapshots on its schedule; these commands work on the same store.`,
	Example: `  reconmap snapshots save --name before-pivot
  reconmap snapshots list
  reconmap snapshots restore --latest autosave
  reconmap snapshots prune --name autosave --keep 10`,
}

var snapshotsSaveCmd = &cobra.Command{
	Use:   "save",
	Short: "Save the current inventory as a snapshot",
	Args:  cobra.NoArgs,
	RunE:  runSnapshotsSave,
}

var snapshotsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored snapshots, newest first",
	Args:  cobra.NoArgs,
	RunE:  runSnapshotsList,
}

var snapshotsRestoreCmd = &cobra.Command{
	Use:   "restore [id]",
	Short: "Replace the inventory with a snapshot",
	Long: `Replace the project inventory and transcript with a stored snapshot.
The command log is kept. Name the snapshot by id or use --latest <name>.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runSnapshotsRestore,
}

var snapshotsPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete all but the newest snapshots of a name",
	Args:  cobra.NoArgs,
	RunE:  runSnapshotsPrune,
}

var snapshotsDeleteCmd = &cobra.Command{
	Use:     "delete <id>",
	Aliases: []string{"rm"},
	Short:   "Delete a snapshot",
	Args:    cobra.ExactArgs(1),
	RunE:    runSnapshotsDelete,
}

var snapshotsMigrationsCmd = &cobra.Command{
	Use:   "migrations",
	Short: "Show the schema migrations of the store",
	Args:  cobra.NoArgs,
	RunE:  runSnapshotsMigrations,
}

func init() {
	rootCmd.AddCommand(snapshotsCmd)
	snapshotsCmd.AddCommand(snapshotsSaveCmd)
	snapshotsCmd.AddCommand(snapshotsListCmd)
	snapshotsCmd.AddCommand(snapshotsRestoreCmd)
	snapshotsCmd.AddCommand(snapshotsPruneCmd)
	snapshotsCmd.AddCommand(snapshotsDeleteCmd)
	snapshotsCmd.AddCommand(snapshotsMigrationsCmd)

	snapshotsSaveCmd.Flags().StringVar(&snapshotName, "name", defaultSnapshotName, "Snapshot name")
	snapshotsListCmd.Flags().IntVar(&snapshotLimit, "limit", defaultSnapshotLimit, "Maximum number of snapshots to list")
	snapshotsRestoreCmd.Flags().StringVar(&snapshotLatest, "latest", "", "Restore the newest snapshot with this name")
	snapshotsPruneCmd.Flags().StringVar(&snapshotName, "name", defaultSnapshotName, "Snapshot name to prune")
	snapshotsPruneCmd.Flags().IntVar(&snapshotKeep, "keep", 10, "Number of snapshots to keep")
}

// withStore opens the configured store for operation.
func withStore(cmd *cobra.Command, operation func(ctx context.Context, st *store.Store) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := commandContext(cmd)
	st, err := store.Open(ctx, &cfg.Store, logging.Default(), nil)
	if err != nil {
		return fmt.Errorf("error opening store: %w", err)
	}
	defer func() { _ = st.Close() }()
	return operation(ctx, st)
}

func runSnapshotsSave(cmd *cobra.Command, _ []string) error {
	return withSession(cmd, false, func(ctx context.Context, s *session) error {
		state, err := s.ws.Dispatcher().State(ctx)
		if err != nil {
			return err
		}
		st, err := store.Open(ctx, &s.cfg.Store, s.logger, nil)
		if err != nil {
			return fmt.Errorf("error opening store: %w", err)
		}
		defer func() { _ = st.Close() }()

		info, err := st.Save(ctx, snapshotName, state.Registry, state.Transcript)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Snapshot %s saved (%s, %d host(s))\n", info.ID, info.Name, info.HostCount)
		return nil
	})
}

func runSnapshotsList(cmd *cobra.Command, _ []string) error {
	return withStore(cmd, func(ctx context.Context, st *store.Store) error {
		infos, err := st.List(ctx, snapshotLimit)
		if err != nil {
			return err
		}
		displaySnapshots(cmd.OutOrStdout(), infos)
		return nil
	})
}

func displaySnapshots(w io.Writer, infos []store.SnapshotInfo) {
	if len(infos) == 0 {
		fmt.Fprintln(w, "No snapshots found.")
		return
	}

	table := tablewriter.NewWriter(w)
	table.Header("ID", "Name", "Created", "Hosts")
	for _, info := range infos {
		_ = table.Append([]string{
			info.ID,
			info.Name,
			formatTime(info.CreatedAt),
			strconv.Itoa(info.HostCount),
		})
	}
	_ = table.Render()
}

func runSnapshotsRestore(cmd *cobra.Command, args []string) error {
	if (len(args) == 1) == (snapshotLatest != "") {
		return fmt.Errorf("name a snapshot id or use --latest, not both")
	}

	return withSession(cmd, true, func(ctx context.Context, s *session) error {
		st, err := store.Open(ctx, &s.cfg.Store, s.logger, nil)
		if err != nil {
			return fmt.Errorf("error opening store: %w", err)
		}
		defer func() { _ = st.Close() }()

		var snap *store.Snapshot
		if snapshotLatest != "" {
			snap, err = st.Latest(ctx, snapshotLatest)
		} else {
			snap, err = st.Load(ctx, args[0])
		}
		if err != nil {
			return err
		}

		d := s.ws.Dispatcher()
		state, err := d.State(ctx)
		if err != nil {
			return err
		}
		state.Registry = snap.Registry
		state.Transcript = snap.Transcript
		if err := d.Restore(ctx, state); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Restored snapshot %s (%s, %d host(s))\n", snap.ID, snap.Name, len(snap.Registry.Hosts))
		return nil
	})
}

func runSnapshotsPrune(cmd *cobra.Command, _ []string) error {
	if snapshotKeep < 0 {
		return fmt.Errorf("--keep must not be negative")
	}
	return withStore(cmd, func(ctx context.Context, st *store.Store) error {
		removed, err := st.Prune(ctx, snapshotName, snapshotKeep)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%d snapshot(s) pruned\n", removed)
		return nil
	})
}

func runSnapshotsDelete(cmd *cobra.Command, args []string) error {
	return withStore(cmd, func(ctx context.Context, st *store.Store) error {
		if err := st.Delete(ctx, args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Deleted snapshot %s\n", args[0])
		return nil
	})
}

func runSnapshotsMigrations(cmd *cobra.Command, _ []string) error {
	return withStore(cmd, func(ctx context.Context, st *store.Store) error {
		statuses, err := store.NewMigrator(st.DB(), logging.Default()).Status(ctx)
		if err != nil {
			return err
		}
		table := tablewriter.NewWriter(cmd.OutOrStdout())
		table.Header("Migration", "Applied", "At")
		for _, m := range statuses {
			_ = table.Append([]string{m.Name, strconv.FormatBool(m.Applied), formatTime(m.AppliedAt)})
		}
		_ = table.Render()
		return nil
	})
}
