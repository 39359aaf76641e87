package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

const maxPromptDisplayLen = 70

var adviseProfiles []string

// profilesCmd represents the profiles command.
var profilesCmd = &cobra.Command{
	Use:   "profiles",
	Short: "Manage advisor profiles",
	Long: `View and edit the advisor profiles. A profile is a prompt that focuses
the advice on one kind of engagement: web, internal, mobile, infra or opsec.
Edited prompts are stored in the project document.`,
	Example: `  reconmap profiles list
  reconmap profiles show web
  reconmap profiles set cloud "You specialize in cloud tenant reviews."`,
}

var profilesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List advisor profiles",
	Args:  cobra.NoArgs,
	RunE:  runProfilesList,
}

var profilesShowCmd = &cobra.Command{
	Use:   "show <profile>",
	Short: "Show the prompt of a profile",
	Args:  cobra.ExactArgs(1),
	RunE:  runProfilesShow,
}

var profilesSetCmd = &cobra.Command{
	Use:   "set <profile> <prompt>",
	Short: "Add or replace a profile prompt",
	Args:  cobra.ExactArgs(2),
	RunE:  runProfilesSet,
}

// adviseCmd represents the advise command.
var adviseCmd = &cobra.Command{
	Use:   "advise",
	Short: "Suggest next steps for the last command",
	Long: `Ask the advisor for next steps based on the last completed command and
the recent transcript. Without a chat backend the advice comes from
built-in heuristics.`,
	Example: `  reconmap advise
  reconmap advise --profile web --profile opsec`,
	Args: cobra.NoArgs,
	RunE: runAdvise,
}

func init() {
	rootCmd.AddCommand(profilesCmd)
	rootCmd.AddCommand(adviseCmd)
	profilesCmd.AddCommand(profilesListCmd)
	profilesCmd.AddCommand(profilesShowCmd)
	profilesCmd.AddCommand(profilesSetCmd)

	adviseCmd.Flags().StringSliceVar(&adviseProfiles, "profile", nil, "Profiles to advise with (default from config)")
}

func runProfilesList(cmd *cobra.Command, _ []string) error {
	return withSession(cmd, false, func(_ context.Context, s *session) error {
		adv := s.ws.Advisor()
		prompts := adv.Prompts()
		defaults := make(map[string]bool, len(s.cfg.Advisor.Profiles))
		for _, p := range s.cfg.Advisor.Profiles {
			defaults[p] = true
		}

		table := tablewriter.NewWriter(cmd.OutOrStdout())
		table.Header("Profile", "Default", "Prompt")
		for _, name := range adv.Profiles() {
			def := ""
			if defaults[name] {
				def = "yes"
			}
			_ = table.Append([]string{name, def, truncateString(prompts[name], maxPromptDisplayLen)})
		}
		_ = table.Render()
		return nil
	})
}

func runProfilesShow(cmd *cobra.Command, args []string) error {
	return withSession(cmd, false, func(_ context.Context, s *session) error {
		prompt, ok := s.ws.Advisor().Prompts()[args[0]]
		if !ok {
			return fmt.Errorf("unknown profile '%s'", args[0])
		}
		fmt.Fprintln(cmd.OutOrStdout(), prompt)
		return nil
	})
}

func runProfilesSet(cmd *cobra.Command, args []string) error {
	name, prompt := strings.TrimSpace(args[0]), strings.TrimSpace(args[1])
	if name == "" || prompt == "" {
		return fmt.Errorf("profile name and prompt are required")
	}
	return withSession(cmd, true, func(_ context.Context, s *session) error {
		s.ws.Advisor().SetPrompt(name, prompt)
		fmt.Fprintf(cmd.OutOrStdout(), "Profile %s saved\n", name)
		return nil
	})
}

func runAdvise(cmd *cobra.Command, _ []string) error {
	return withSession(cmd, false, func(ctx context.Context, s *session) error {
		profiles := adviseProfiles
		if len(profiles) == 0 {
			profiles = s.cfg.Advisor.Profiles
		}
		advice, err := s.ws.Advise(ctx, profiles)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		source := "advisor"
		if advice.Offline {
			source = "offline heuristics"
		}
		fmt.Fprintf(out, "Advice (%s; profiles: %s)\n\n", source, strings.Join(advice.Profiles, ", "))
		fmt.Fprintln(out, advice.Text)
		return nil
	})
}
