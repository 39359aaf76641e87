package cli

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/anstrom/reconmap/internal/errors"
	"github.com/anstrom/reconmap/internal/inventory"
	"github.com/anstrom/reconmap/internal/registry"
)

const (
	maxCommandWidth = 50 // characters of a command shown in tables
	maxOSNameLength = 24 // max OS name length before truncation
)

var (
	hostsOS      string
	hostsNetwork string
	hostsQuery   string
	hostsJSON    bool

	hostUpdateHostname string
	hostUpdateOS       string
	hostUpdateNotes    string
)

// hostsCmd represents the hosts command.
var hostsCmd = &cobra.Command{
	Use:   "hosts",
	Short: "List and manage inventory hosts",
	Long: `View and manage the hosts in the project inventory. Without a
subcommand the hosts are listed; filter them by OS category, network or a
free text query.`,
	Example: `  reconmap hosts
  reconmap hosts --os windows
  reconmap hosts --network 10.0.0.0/24 -q ssh
  reconmap hosts show host_10.0.0.5
  reconmap hosts update host_10.0.0.5 --hostname web01 --os linux`,
	Args: cobra.NoArgs,
	RunE: runHostsList,
}

var hostsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List inventory hosts",
	Args:  cobra.NoArgs,
	RunE:  runHostsList,
}

var hostsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show the detail card of a host",
	Args:  cobra.ExactArgs(1),
	RunE:  runHostsShow,
}

var hostsUpdateCmd = &cobra.Command{
	Use:   "update <id>",
	Short: "Edit the hostname, OS category or notes of a host",
	Long: `Edit host properties. Setting --os replaces the detected OS name with
the manual name of the category.`,
	Example: `  reconmap hosts update host_10.0.0.9 --os windows
  reconmap hosts update host_10.0.0.5 --notes "admin panel on 8443"`,
	Args: cobra.ExactArgs(1),
	RunE: runHostsUpdate,
}

var hostsDeleteCmd = &cobra.Command{
	Use:     "delete <id>",
	Aliases: []string{"rm"},
	Short:   "Remove a host from the inventory",
	Args:    cobra.ExactArgs(1),
	RunE:    runHostsDelete,
}

var hostsReconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Fold hosts that share an address into one entry",
	Long: `Imported XML hosts and parsed text hosts use different id schemes.
Reconcile merges entries with the same IP address into host_<ip>.`,
	Args: cobra.NoArgs,
	RunE: runHostsReconcile,
}

var hostsResolveCmd = &cobra.Command{
	Use:   "resolve",
	Short: "Fill missing hostnames with reverse DNS",
	Args:  cobra.NoArgs,
	RunE:  runHostsResolve,
}

func init() {
	rootCmd.AddCommand(hostsCmd)
	hostsCmd.AddCommand(hostsListCmd)
	hostsCmd.AddCommand(hostsShowCmd)
	hostsCmd.AddCommand(hostsUpdateCmd)
	hostsCmd.AddCommand(hostsDeleteCmd)
	hostsCmd.AddCommand(hostsReconcileCmd)
	hostsCmd.AddCommand(hostsResolveCmd)

	for _, c := range []*cobra.Command{hostsCmd, hostsListCmd} {
		c.Flags().StringVar(&hostsOS, "os", "", "Filter by OS category: windows, linux, macos, bsd, network, unknown")
		c.Flags().StringVar(&hostsNetwork, "network", "", "Filter by network, e.g. 10.0.0.0/24")
		c.Flags().StringVarP(&hostsQuery, "query", "q", "", "Filter by text in id, address, hostname, OS or notes")
		c.Flags().BoolVar(&hostsJSON, "json", false, "Print JSON instead of a table")
	}

	hostsUpdateCmd.Flags().StringVar(&hostUpdateHostname, "hostname", "", "New hostname")
	hostsUpdateCmd.Flags().StringVar(&hostUpdateOS, "os", "", "New OS category")
	hostsUpdateCmd.Flags().StringVar(&hostUpdateNotes, "notes", "", "New notes")
}

// HostFilters represents the filters for listing hosts.
type HostFilters struct {
	OSTag   inventory.OSTag
	Network string
	Query   string
}

func buildHostFilters() (HostFilters, error) {
	filters := HostFilters{
		Network: strings.TrimSpace(hostsNetwork),
		Query:   strings.ToLower(strings.TrimSpace(hostsQuery)),
	}
	if hostsOS != "" {
		tag, ok := inventory.ParseOSTag(hostsOS)
		if !ok {
			return filters, fmt.Errorf("invalid OS category '%s'", hostsOS)
		}
		filters.OSTag = tag
	}
	return filters, nil
}

func (f HostFilters) match(h *inventory.Host) bool {
	if f.Network != "" && h.Network != f.Network {
		return false
	}
	if f.OSTag != "" && h.OSTag != f.OSTag {
		return false
	}
	if f.Query != "" {
		hay := strings.ToLower(strings.Join([]string{h.ID, h.IP, h.Hostname, h.OSName, h.Notes}, " "))
		if !strings.Contains(hay, f.Query) {
			return false
		}
	}
	return true
}

func runHostsList(cmd *cobra.Command, _ []string) error {
	filters, err := buildHostFilters()
	if err != nil {
		return err
	}

	return withSession(cmd, false, func(ctx context.Context, s *session) error {
		hosts, err := s.ws.Dispatcher().Hosts(ctx)
		if err != nil {
			return err
		}
		matched := make([]*inventory.Host, 0, len(hosts))
		for _, h := range hosts {
			if filters.match(h) {
				matched = append(matched, h)
			}
		}

		if hostsJSON {
			return writeJSON(cmd.OutOrStdout(), matched)
		}
		displayHosts(cmd.OutOrStdout(), matched)
		return nil
	})
}

func displayHosts(w io.Writer, hosts []*inventory.Host) {
	if len(hosts) == 0 {
		fmt.Fprintln(w, "No hosts found.")
		return
	}

	table := tablewriter.NewWriter(w)
	table.Header("ID", "Address", "Hostname", "Network", "OS", "Category", "Open Ports")
	for _, h := range hosts {
		_ = table.Append([]string{
			h.ID,
			orDash(h.IP),
			orDash(h.Hostname),
			h.Network,
			truncateString(h.OSName, maxOSNameLength),
			string(h.OSTag),
			fmt.Sprintf("%d", countOpenPorts(h)),
		})
	}
	_ = table.Render()
	fmt.Fprintf(w, "%d host(s)\n", len(hosts))
}

func runHostsShow(cmd *cobra.Command, args []string) error {
	return withSession(cmd, false, func(ctx context.Context, s *session) error {
		host, ok, err := s.ws.Dispatcher().Host(ctx, args[0])
		if err != nil {
			return err
		}
		if !ok {
			return errors.ErrHostNotFound(args[0])
		}
		fmt.Fprintln(cmd.OutOrStdout(), host.Detail())
		return nil
	})
}

func runHostsUpdate(cmd *cobra.Command, args []string) error {
	var patch registry.HostPatch
	flags := cmd.Flags()
	if flags.Changed("hostname") {
		patch.Hostname = &hostUpdateHostname
	}
	if flags.Changed("notes") {
		patch.Notes = &hostUpdateNotes
	}
	if flags.Changed("os") {
		tag, ok := inventory.ParseOSTag(hostUpdateOS)
		if !ok {
			return fmt.Errorf("invalid OS category '%s'", hostUpdateOS)
		}
		patch.OSTag = &tag
	}
	if patch.Hostname == nil && patch.Notes == nil && patch.OSTag == nil {
		return fmt.Errorf("nothing to update: use --hostname, --os or --notes")
	}

	return withSession(cmd, true, func(ctx context.Context, s *session) error {
		host, err := s.ws.Dispatcher().Update(ctx, args[0], patch)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Updated %s (%s, %s)\n", host.ID, host.Label(), host.OSName)
		return nil
	})
}

func runHostsDelete(cmd *cobra.Command, args []string) error {
	return withSession(cmd, true, func(ctx context.Context, s *session) error {
		removed, err := s.ws.Dispatcher().Delete(ctx, args[0])
		if err != nil {
			return err
		}
		if !removed {
			return errors.ErrHostNotFound(args[0])
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Removed %s\n", args[0])
		return nil
	})
}

func runHostsReconcile(cmd *cobra.Command, _ []string) error {
	return withSession(cmd, true, func(ctx context.Context, s *session) error {
		removed, err := s.ws.Dispatcher().Reconcile(ctx)
		if err != nil {
			return err
		}
		if len(removed) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "Nothing to reconcile.")
			return nil
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Folded %d host(s):\n", len(removed))
		for _, id := range removed {
			fmt.Fprintf(cmd.OutOrStdout(), "  %s\n", id)
		}
		return nil
	})
}

func runHostsResolve(cmd *cobra.Command, _ []string) error {
	return withSession(cmd, true, func(ctx context.Context, s *session) error {
		if s.ws.Resolver() == nil {
			return fmt.Errorf("reverse DNS is not configured")
		}
		ids, err := s.ws.ResolveHostnames(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%d hostname(s) resolved\n", len(ids))
		for _, id := range ids {
			fmt.Fprintf(cmd.OutOrStdout(), "  %s\n", id)
		}
		return nil
	})
}

func countOpenPorts(h *inventory.Host) int {
	n := 0
	for _, p := range h.Ports {
		if strings.HasPrefix(p.State, "open") {
			n++
		}
	}
	return n
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func truncateString(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen-3]) + "..."
}
