// Package cli provides the command-line interface of reconmap.
// It implements the Cobra-based command tree for running and parsing scans,
// importing nmap XML, managing the host inventory, computing the network
// map, asking the advisor, managing snapshots and serving the API.
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	apihandlers "github.com/anstrom/reconmap/internal/api/handlers"
	"github.com/anstrom/reconmap/internal/config"
	"github.com/anstrom/reconmap/internal/logging"
)

const envPrefix = "RECONMAP"

var (
	cfgFile     string
	projectPath string
	logLevel    string
	verbose     bool
)

// Build information - these will be set by ldflags during build.
var (
	version   = "dev"
	commit    = "none"
	buildTime = "unknown"
)

// overridable lists the configuration keys that flags and RECONMAP_*
// variables may override, e.g. RECONMAP_STORE_DSN.
var overridable = []string{
	"project.path",
	"shell.name",
	"logging.level",
	"logging.format",
	"api.listen_addr",
	"api.port",
	"store.driver",
	"store.path",
	"store.dsn",
}

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "reconmap",
	Short: "Reconnaissance console with a live network map",
	Long: `Reconmap runs reconnaissance commands, parses their output into a host
inventory grouped by network, and keeps the session in a project document.
Saved nmap text and XML output can be imported, and the session can be
served over a REST and WebSocket API.`,
	Version:       getVersion(),
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		stop()
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default is ./reconmap.yaml)")
	flags.StringVarP(&projectPath, "project", "p", "", "project document (default from config)")
	flags.StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error")
	flags.BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	bindFlags()
}

func bindFlags() {
	bindFlag("project.path", "project")
	bindFlag("logging.level", "log-level")
	bindFlag("verbose", "verbose")
}

func bindFlag(key, flag string) {
	if err := viper.BindPFlag(key, rootCmd.PersistentFlags().Lookup(flag)); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to bind %s flag: %v\n", flag, err)
	}
}

// initConfig locates the config file and enables RECONMAP_* variables.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else if env := os.Getenv(envPrefix + "_CONFIG"); env != "" {
		viper.SetConfigFile(env)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName("reconmap")
	}

	viper.SetEnvPrefix(envPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil && verbose {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}

	initLogging()
}

// getConfigFilePath returns the config file in use, or an empty string.
func getConfigFilePath() string {
	if cfgFile != "" {
		return cfgFile
	}
	return viper.ConfigFileUsed()
}

// loadConfig loads the config file and applies flag and environment
// overrides on top.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(getConfigFilePath())
	if err != nil {
		return nil, fmt.Errorf("error loading config: %w", err)
	}
	applyOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyOverrides(cfg *config.Config) {
	for _, key := range overridable {
		if !viper.IsSet(key) {
			continue
		}
		switch key {
		case "project.path":
			cfg.Project.Path = viper.GetString(key)
		case "shell.name":
			cfg.Shell.Shell = viper.GetString(key)
		case "logging.level":
			cfg.Logging.Level = logging.LogLevel(viper.GetString(key))
		case "logging.format":
			cfg.Logging.Format = logging.LogFormat(viper.GetString(key))
		case "api.listen_addr":
			cfg.API.ListenAddr = viper.GetString(key)
		case "api.port":
			cfg.API.Port = viper.GetInt(key)
		case "store.driver":
			cfg.Store.Driver = viper.GetString(key)
		case "store.path":
			cfg.Store.Path = viper.GetString(key)
		case "store.dsn":
			cfg.Store.DSN = viper.GetString(key)
		}
	}
}

// getVersion returns the version string.
func getVersion() string {
	return fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildTime)
}

// SetVersion sets the version information (called from main).
func SetVersion(v, c, bt string) {
	version = v
	commit = c
	buildTime = bt
	rootCmd.Version = getVersion()
}

func versionInfo() apihandlers.VersionInfo {
	return apihandlers.VersionInfo{Version: version, Commit: commit, BuildTime: buildTime}
}

// initLogging initializes structured logging based on configuration.
func initLogging() {
	cfg, err := config.Load(getConfigFilePath())
	if err != nil {
		logging.SetDefault(logging.NewDefault())
		return
	}
	applyOverrides(cfg)

	logConfig := cfg.Logging
	logConfig.AddSource = cfg.Logging.Level == logging.LevelDebug

	logger, err := logging.New(logConfig)
	if err != nil {
		logger = logging.NewDefault()
		fmt.Fprintf(os.Stderr, "Warning: failed to initialize logging: %v\n", err)
	}
	logging.SetDefault(logger)

	if verbose {
		logging.Info("Structured logging initialized", "level", logConfig.Level, "format", logConfig.Format)
	}
}

// commandContext returns the context the command was executed with.
func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
