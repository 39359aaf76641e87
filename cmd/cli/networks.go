package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/anstrom/reconmap/internal/inventory"
	"github.com/anstrom/reconmap/internal/layout"
	"github.com/anstrom/reconmap/internal/services"
)

const (
	defaultLayoutWidth  = 1024
	defaultLayoutHeight = 768
)

var (
	networksJSON  bool
	networksStats bool

	layoutWidth  float64
	layoutHeight float64
	layoutHit    string
	layoutJSON   bool
)

// networksCmd represents the networks command.
var networksCmd = &cobra.Command{
	Use:   "networks [network]",
	Short: "Summarize the networks of the inventory",
	Long: `List every network bucket with its host count, open ports and OS
categories. Name a network, a CIDR or any address inside it to show its
members.`,
	Example: `  reconmap networks
  reconmap networks 10.0.0.0/24
  reconmap networks 10.0.0.5
  reconmap networks --stats`,
	Args: cobra.MaximumNArgs(1),
	RunE: runNetworks,
}

// layoutCmd represents the layout command.
var layoutCmd = &cobra.Command{
	Use:   "layout",
	Short: "Compute the network map placement",
	Long: `Compute where each network bubble and host marker is drawn on a canvas
of the given size. The canvas is clamped to at least 600x400. With --hit the
host under the given point is reported.`,
	Example: `  reconmap layout --width 1280 --height 800
  reconmap layout --hit 120,85
  reconmap layout --json`,
	Args: cobra.NoArgs,
	RunE: runLayout,
}

func init() {
	rootCmd.AddCommand(networksCmd)
	rootCmd.AddCommand(layoutCmd)

	networksCmd.Flags().BoolVar(&networksJSON, "json", false, "Print JSON instead of a table")
	networksCmd.Flags().BoolVar(&networksStats, "stats", false, "Show inventory statistics")

	layoutCmd.Flags().Float64Var(&layoutWidth, "width", defaultLayoutWidth, "Canvas width")
	layoutCmd.Flags().Float64Var(&layoutHeight, "height", defaultLayoutHeight, "Canvas height")
	layoutCmd.Flags().StringVar(&layoutHit, "hit", "", "Report the host at x,y")
	layoutCmd.Flags().BoolVar(&layoutJSON, "json", false, "Print the layout as JSON")
}

func runNetworks(cmd *cobra.Command, args []string) error {
	return withSession(cmd, false, func(ctx context.Context, s *session) error {
		svc := services.NewNetworkService(s.ws.Dispatcher())
		out := cmd.OutOrStdout()

		switch {
		case networksStats:
			stats, err := svc.GetNetworkStats(ctx)
			if err != nil {
				return err
			}
			if networksJSON {
				return writeJSON(out, stats)
			}
			displayNetworkStats(out, stats)
		case len(args) == 1:
			network, err := svc.GetNetwork(ctx, args[0])
			if err != nil {
				return err
			}
			if networksJSON {
				return writeJSON(out, network)
			}
			displayNetworks(out, []*services.NetworkSummary{network})
			fmt.Fprintf(out, "Members: %s\n", strings.Join(network.Hosts, ", "))
		default:
			networks, err := svc.ListNetworks(ctx)
			if err != nil {
				return err
			}
			if networksJSON {
				return writeJSON(out, networks)
			}
			displayNetworks(out, networks)
		}
		return nil
	})
}

func displayNetworks(w io.Writer, networks []*services.NetworkSummary) {
	if len(networks) == 0 {
		fmt.Fprintln(w, "No networks found.")
		return
	}

	table := tablewriter.NewWriter(w)
	table.Header("Network", "Hosts", "Open Ports", "OS")
	for _, n := range networks {
		_ = table.Append([]string{
			n.ID,
			strconv.Itoa(n.HostCount),
			strconv.Itoa(n.OpenPorts),
			formatOSFamily(n.OSFamily),
		})
	}
	_ = table.Render()
}

func displayNetworkStats(w io.Writer, stats *services.NetworkStats) {
	fmt.Fprintf(w, "Networks:        %d\n", stats.Networks)
	fmt.Fprintf(w, "Hosts:           %d\n", stats.Hosts)
	fmt.Fprintf(w, "With hostname:   %d\n", stats.WithHostname)
	fmt.Fprintf(w, "With open ports: %d\n", stats.WithOpenPorts)
	fmt.Fprintf(w, "Open ports:      %d\n", stats.OpenPorts)
	fmt.Fprintf(w, "OS:              %s\n", formatOSFamily(stats.OSFamily))
	if len(stats.TopServices) > 0 {
		fmt.Fprintln(w, "Top services:")
		for _, sc := range stats.TopServices {
			fmt.Fprintf(w, "  %-16s %d\n", sc.Service, sc.Count)
		}
	}
}

func formatOSFamily(counts map[inventory.OSTag]int) string {
	if len(counts) == 0 {
		return "-"
	}
	parts := make([]string, 0, len(counts))
	for tag, n := range counts {
		parts = append(parts, fmt.Sprintf("%s=%d", tag, n))
	}
	sort.Strings(parts)
	return strings.Join(parts, " ")
}

func runLayout(cmd *cobra.Command, _ []string) error {
	var hitX, hitY float64
	if layoutHit != "" {
		var err error
		if hitX, hitY, err = parsePoint(layoutHit); err != nil {
			return err
		}
	}

	return withSession(cmd, false, func(ctx context.Context, s *session) error {
		networks, err := s.ws.Dispatcher().Networks(ctx)
		if err != nil {
			return err
		}
		l := layout.Compute(networks, layoutWidth, layoutHeight)
		out := cmd.OutOrStdout()

		if layoutHit != "" {
			marker, ok := l.Hit(hitX, hitY)
			if !ok {
				fmt.Fprintln(out, "No host at that point.")
				return nil
			}
			host, _, err := s.ws.Dispatcher().Host(ctx, marker.HostID)
			if err != nil {
				return err
			}
			if host == nil {
				fmt.Fprintln(out, marker.HostID)
				return nil
			}
			fmt.Fprintln(out, host.Detail())
			return nil
		}

		if layoutJSON {
			return writeJSON(out, l)
		}
		hosts, err := s.ws.Dispatcher().Hosts(ctx)
		if err != nil {
			return err
		}
		displayLayout(out, l, hosts)
		return nil
	})
}

func displayLayout(w io.Writer, l *layout.Layout, hosts []*inventory.Host) {
	byID := make(map[string]*inventory.Host, len(hosts))
	for _, h := range hosts {
		byID[h.ID] = h
	}

	fmt.Fprintf(w, "Canvas %.0fx%.0f, %d network(s), %d host(s)\n", l.Width, l.Height, len(l.Bubbles), len(l.Markers))
	table := tablewriter.NewWriter(w)
	table.Header("Network", "Host", "Label", "X", "Y", "Radius", "Fill")
	for _, m := range l.Markers {
		label, fill := m.HostID, layout.StyleFor(inventory.OSUnknown).Fill
		if h, ok := byID[m.HostID]; ok {
			label = fmt.Sprintf("%s (%d)", h.Label(), len(h.Ports))
			fill = layout.StyleFor(h.OSTag).Fill
		}
		_ = table.Append([]string{
			m.Network,
			m.HostID,
			label,
			strconv.FormatFloat(m.X, 'f', 1, 64),
			strconv.FormatFloat(m.Y, 'f', 1, 64),
			strconv.FormatFloat(m.Radius, 'f', 1, 64),
			fill,
		})
	}
	_ = table.Render()
}

// parsePoint parses "x,y".
func parsePoint(s string) (float64, float64, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid point '%s': expected x,y", s)
	}
	x, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid x coordinate '%s'", parts[0])
	}
	y, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid y coordinate '%s'", parts[1])
	}
	return x, y, nil
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
