// castella is an HTTP file gateway that stores encrypted files on
// quota-limited cloud backends.
package main

import (
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/castella/castella/internal/config"
	"github.com/castella/castella/internal/logging/loki"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	cfgFile  string
	envFiles []string
	logLevel string
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "castella",
		Short: "Castella - encrypted file gateway for quota-limited cloud storage",
		Long: `Castella stores files on Google Drive shared drives or any S3-compatible
store. Files are encrypted before they leave the gateway, backend calls are
paced to stay within the provider's quotas, and files are spread across as
many backend containers as the per-container file limit requires.

QUICK START:

  # Generate a master key and a token secret:
  export CASTELLA_MASTER_KEY=$(openssl rand -base64 32)
  export CASTELLA_AUTH_SECRET=$(openssl rand -hex 32)

  # Create the catalog schema and start the gateway:
  castella --config castella.yaml migrate
  castella --config castella.yaml serve

  # Issue a token for a client:
  castella token issue uploader --scope read,write --ttl 720h

For more help on any command, use: castella <command> --help`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			setupLogging(os.Stderr, logLevel, "console")
		},
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringSliceVar(&envFiles, "env-file", []string{".env"}, "env files to load before reading configuration")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "", "log level (overrides log.level)")

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newMigrateCmd())
	rootCmd.AddCommand(newDrivesCmd())
	rootCmd.AddCommand(newFilesCmd())
	rootCmd.AddCommand(newTokenCmd())
	rootCmd.AddCommand(newServiceCmd())
	rootCmd.AddCommand(newVersionCmd())

	return rootCmd
}

// loadConfig loads env files and the config file, then applies the
// --log-level flag and reconfigures logging from the result.
func loadConfig() (*config.Config, error) {
	if err := config.LoadEnvFiles(envFiles...); err != nil {
		return nil, err
	}
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	setupLogging(os.Stderr, cfg.Log.Level, cfg.Log.Format)
	return cfg, nil
}

// setupLogging configures the global logger. format is "console" or "json".
func setupLogging(out io.Writer, level, format string) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	if format == "json" {
		log.Logger = zerolog.New(out).With().Timestamp().Logger()
		return
	}
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: out}).With().Timestamp().Logger()
}

// withLoki tees the global logger into a Loki writer. The caller runs the
// writer until shutdown.
func withLoki(out io.Writer, cfg *config.Config) *loki.Writer {
	if cfg.Log.Loki.URL == "" {
		return nil
	}
	lc := cfg.Log.Loki
	if lc.Labels == nil {
		lc.Labels = map[string]string{}
	}
	if _, ok := lc.Labels["version"]; !ok {
		lc.Labels["version"] = Version
	}
	if host, err := os.Hostname(); err == nil {
		if _, ok := lc.Labels["instance"]; !ok {
			lc.Labels["instance"] = host
		}
	}
	w := loki.NewWriter(lc)

	var console io.Writer = zerolog.ConsoleWriter{Out: out}
	if cfg.Log.Format == "json" {
		console = out
	}
	log.Logger = zerolog.New(zerolog.MultiLevelWriter(console, w)).With().Timestamp().Logger()
	log.Info().Str("url", lc.URL).Msg("Loki log shipping enabled")
	return w
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "castella %s\n", Version)
			_, _ = fmt.Fprintf(out, "  Commit:     %s\n", Commit)
			_, _ = fmt.Fprintf(out, "  Build Time: %s\n", BuildTime)
			_, _ = fmt.Fprintf(out, "  Go:         %s\n", runtime.Version())
			_, _ = fmt.Fprintf(out, "  OS/Arch:    %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	}
}
