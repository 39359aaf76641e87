package cli

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/anstrom/reconmap/internal/auth"
	"github.com/anstrom/reconmap/internal/config"
)

var (
	apiKeyName      string
	apiKeyRole      string
	apiKeyExpiresIn string
	apiKeyAdd       bool
)

// apiKeysCmd represents the apikeys command group.
var apiKeysCmd = &cobra.Command{
	Use:     "apikeys",
	Aliases: []string{"apikey", "keys"},
	Short:   "Manage API keys for the server",
	Long: `Generate and check API keys for the reconmap API server.

Only bcrypt hashes of keys are kept, in the api.keys section of the
configuration file. A generated key is shown once. Without any configured
key the server only accepts requests from loopback addresses.

Clients pass the key in the X-API-Key header; the CLI reads it from
RECONMAP_API_KEY or the file named by RECONMAP_API_KEY_FILE.`,
	Example: `  reconmap apikeys generate --name dashboard --role readonly
  reconmap apikeys generate --name ci --expires-in 30d --add
  reconmap apikeys list
  reconmap apikeys verify rm_abcdefgh...`,
}

var apiKeysGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate a new API key",
	Args:  cobra.NoArgs,
	RunE:  runAPIKeysGenerate,
}

var apiKeysListCmd = &cobra.Command{
	Use:   "list",
	Short: "List configured API keys",
	Args:  cobra.NoArgs,
	RunE:  runAPIKeysList,
}

var apiKeysVerifyCmd = &cobra.Command{
	Use:   "verify <key>",
	Short: "Check a key against the configured hashes",
	Args:  cobra.ExactArgs(1),
	RunE:  runAPIKeysVerify,
}

func init() {
	rootCmd.AddCommand(apiKeysCmd)
	apiKeysCmd.AddCommand(apiKeysGenerateCmd)
	apiKeysCmd.AddCommand(apiKeysListCmd)
	apiKeysCmd.AddCommand(apiKeysVerifyCmd)

	apiKeysGenerateCmd.Flags().StringVar(&apiKeyName, "name", "", "Name of the key (required)")
	apiKeysGenerateCmd.Flags().StringVar(&apiKeyRole, "role", auth.RoleOperator, "Role: operator or readonly")
	apiKeysGenerateCmd.Flags().StringVar(&apiKeyExpiresIn, "expires-in", "", "Expiry, e.g. 12h or 30d")
	apiKeysGenerateCmd.Flags().BoolVar(&apiKeyAdd, "add", false, "Append the entry to the configuration file")
	_ = apiKeysGenerateCmd.MarkFlagRequired("name")
}

func runAPIKeysGenerate(cmd *cobra.Command, _ []string) error {
	generated, err := auth.GenerateAPIKey(strings.TrimSpace(apiKeyName), apiKeyRole)
	if err != nil {
		return err
	}
	if apiKeyExpiresIn != "" {
		expiresAt, err := parseExpirationDuration(apiKeyExpiresIn)
		if err != nil {
			return fmt.Errorf("invalid --expires-in: %w", err)
		}
		generated.Entry.ExpiresAt = &expiresAt
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "API key: %s\n", generated.Key)
	fmt.Fprintln(out, "Store it now; it cannot be shown again.")

	if apiKeyAdd {
		path := getConfigFilePath()
		if path == "" {
			return fmt.Errorf("--add needs a configuration file; pass --config")
		}
		cfg, err := config.Load(path)
		if err != nil {
			return fmt.Errorf("error loading config: %w", err)
		}
		cfg.API.Keys = append(cfg.API.Keys, generated.Entry)
		if err := cfg.Save(path); err != nil {
			return err
		}
		fmt.Fprintf(out, "Added key %s to %s\n", generated.Entry.Name, path)
		return nil
	}

	fmt.Fprintln(out, "\nAdd this entry under api.keys in the configuration file:")
	return writeKeyEntry(out, generated.Entry)
}

func writeKeyEntry(w io.Writer, entry auth.KeyConfig) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode([]auth.KeyConfig{entry}); err != nil {
		return err
	}
	return enc.Close()
}

func runAPIKeysList(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(cfg.API.Keys) == 0 {
		fmt.Fprintln(out, "No API keys configured; the server accepts loopback requests only.")
		return nil
	}

	table := tablewriter.NewWriter(out)
	table.Header("Name", "Role", "Status", "Expires")
	for _, k := range cfg.API.Keys {
		role := k.Role
		if role == "" {
			role = auth.RoleOperator
		}
		status := "Active"
		if k.IsExpired() {
			status = "Expired"
		}
		expires := "Never"
		if k.ExpiresAt != nil {
			expires = k.ExpiresAt.Format("2006-01-02 15:04")
		}
		_ = table.Append([]string{k.Name, role, status, expires})
	}
	_ = table.Render()
	return nil
}

func runAPIKeysVerify(cmd *cobra.Command, args []string) error {
	key := strings.TrimSpace(args[0])
	if !auth.IsValidAPIKeyFormat(key) {
		return fmt.Errorf("malformed API key")
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	identity, ok := auth.NewKeyRing(cfg.API.Keys).Authenticate(key)
	if !ok {
		return fmt.Errorf("key does not match any active configured key")
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Key matches %s (%s)\n", identity.Name, identity.Role)
	return nil
}

// parseExpirationDuration parses durations like "30d", "1h" or "7d" into an
// absolute expiry.
func parseExpirationDuration(durationStr string) (time.Time, error) {
	duration, err := parseDurationString(durationStr)
	if err != nil {
		return time.Time{}, err
	}
	if duration <= 0 {
		return time.Time{}, fmt.Errorf("duration must be positive")
	}
	return time.Now().UTC().Add(duration), nil
}

// parseDurationString parses a duration with support for days.
func parseDurationString(s string) (time.Duration, error) {
	if strings.HasSuffix(s, "d") {
		daysStr := strings.TrimSuffix(s, "d")
		days, err := strconv.Atoi(daysStr)
		if err != nil {
			return 0, fmt.Errorf("invalid days format: %s", daysStr)
		}
		return time.Duration(days) * 24 * time.Hour, nil
	}
	return time.ParseDuration(s)
}
