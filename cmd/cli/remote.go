package cli

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	apihandlers "github.com/anstrom/reconmap/internal/api/handlers"
	"github.com/anstrom/reconmap/internal/scheduler"
)

var (
	apiURL   string
	jobsJSON bool
)

// statusCmd represents the status command.
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the status of a running server",
	Long: `Query a running "reconmap daemon start" process for its session, store
and health. The address comes from the api section of the configuration or
--url. Set RECONMAP_API_KEY when the server requires keys.`,
	Example: `  reconmap status
  reconmap status --url http://10.0.0.2:8080`,
	Args: cobra.NoArgs,
	RunE: runStatus,
}

// jobsCmd represents the jobs command.
var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Manage scheduled jobs of a running server",
	Long: `List, trigger, enable and disable the scheduled jobs of a running server.
Jobs are declared in the scheduler section of the configuration.`,
	Example: `  reconmap jobs list
  reconmap jobs run 0b6f3c1e-0d7e-4a0c-9a55-3f1c2b8b7e10
  reconmap jobs disable 0b6f3c1e-0d7e-4a0c-9a55-3f1c2b8b7e10`,
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List scheduled jobs",
	Args:  cobra.NoArgs,
	RunE:  runJobsList,
}

var jobsRunCmd = &cobra.Command{
	Use:   "run <id>",
	Short: "Run a job now",
	Args:  cobra.ExactArgs(1),
	RunE:  jobAction("run", "Job %s finished\n"),
}

var jobsEnableCmd = &cobra.Command{
	Use:   "enable <id>",
	Short: "Enable a job",
	Args:  cobra.ExactArgs(1),
	RunE:  jobAction("enable", "Job %s enabled\n"),
}

var jobsDisableCmd = &cobra.Command{
	Use:   "disable <id>",
	Short: "Disable a job",
	Args:  cobra.ExactArgs(1),
	RunE:  jobAction("disable", "Job %s disabled\n"),
}

func init() {
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(jobsCmd)
	jobsCmd.AddCommand(jobsListCmd)
	jobsCmd.AddCommand(jobsRunCmd)
	jobsCmd.AddCommand(jobsEnableCmd)
	jobsCmd.AddCommand(jobsDisableCmd)

	for _, c := range []*cobra.Command{statusCmd, jobsCmd} {
		c.PersistentFlags().StringVar(&apiURL, "url", "", "Server URL (default from config or RECONMAP_API_URL)")
	}
	jobsListCmd.Flags().BoolVar(&jobsJSON, "json", false, "Print JSON instead of a table")
}

func newClient() (*APIClient, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return NewAPIClient(cfg, apiURL)
}

func runStatus(cmd *cobra.Command, _ []string) error {
	client, err := newClient()
	if err != nil {
		return err
	}
	var status apihandlers.StatusResponse
	if err := client.Get(commandContext(cmd), "/status", &status); err != nil {
		return describeAPIError(err, "status")
	}
	displayStatus(cmd.OutOrStdout(), &status)
	return nil
}

func displayStatus(w io.Writer, s *apihandlers.StatusResponse) {
	fmt.Fprintf(w, "Service:   %s %s (pid %d, up %s)\n", s.Service.Name, s.Service.Version, s.Service.PID, s.Service.Uptime)
	fmt.Fprintf(w, "Health:    %s\n", s.Health.Status)
	fmt.Fprintf(w, "Shell:     %s\n", s.Session.Shell)
	fmt.Fprintf(w, "Hosts:     %d in %d network(s)\n", s.Session.Hosts, s.Session.Networks)
	fmt.Fprintf(w, "Commands:  %d running, %d completed\n", s.Session.Running, s.Session.Completed)
	fmt.Fprintf(w, "Advisor:   %s\n", onlineLabel(s.Session.AdvisorOnline))
	fmt.Fprintf(w, "Jobs:      %d\n", s.Session.ScheduledJobs)
	if s.Session.ProjectPath != "" {
		fmt.Fprintf(w, "Project:   %s\n", s.Session.ProjectPath)
	}
	switch {
	case !s.Store.Configured:
		fmt.Fprintln(w, "Store:     not configured")
	case s.Store.Connected:
		fmt.Fprintf(w, "Store:     %s, connected\n", s.Store.Driver)
	default:
		fmt.Fprintf(w, "Store:     %s, %s\n", s.Store.Driver, s.Store.Error)
	}
}

func onlineLabel(online bool) string {
	if online {
		return "online"
	}
	return "offline"
}

func runJobsList(cmd *cobra.Command, _ []string) error {
	client, err := newClient()
	if err != nil {
		return err
	}
	var jobs []*scheduler.ScheduledJob
	if err := client.Get(commandContext(cmd), "/jobs", &jobs); err != nil {
		return describeAPIError(err, "list jobs")
	}
	if jobsJSON {
		return writeJSON(cmd.OutOrStdout(), jobs)
	}
	displayJobs(cmd.OutOrStdout(), jobs)
	return nil
}

func displayJobs(w io.Writer, jobs []*scheduler.ScheduledJob) {
	if len(jobs) == 0 {
		fmt.Fprintln(w, "No scheduled jobs.")
		return
	}

	table := tablewriter.NewWriter(w)
	table.Header("ID", "Name", "Type", "Cron", "Enabled", "Runs", "Next Run", "Last Error")
	for _, j := range jobs {
		_ = table.Append([]string{
			j.ID.String(),
			j.Name,
			j.Type,
			j.Cron,
			strconv.FormatBool(j.Enabled),
			strconv.Itoa(j.Runs),
			formatTime(j.NextRun),
			orDash(truncateString(j.LastError, maxCommandWidth)),
		})
	}
	_ = table.Render()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func jobAction(action, done string) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		client, err := newClient()
		if err != nil {
			return err
		}
		if err := client.Post(commandContext(cmd), "/jobs/"+args[0]+"/"+action, nil, nil); err != nil {
			return describeAPIError(err, action+" job")
		}
		fmt.Fprintf(cmd.OutOrStdout(), done, args[0])
		return nil
	}
}
