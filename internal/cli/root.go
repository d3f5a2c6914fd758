// Package cli implements the statcandb command tree.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/statcandb/statcandb/internal/app"
	"github.com/statcandb/statcandb/internal/config"
	"github.com/statcandb/statcandb/internal/logging"
)

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configFile string
	envFile    string
	dataDir    string
	logLevel   string
	noProgress bool
}

// runtime carries what subcommands need to build an App.
type runtime struct {
	flags  globalFlags
	stdout io.Writer
	stderr io.Writer
}

// NewRootCommand builds the statcandb command tree.
func NewRootCommand(version string, stdout, stderr io.Writer) *cobra.Command {
	rt := &runtime{stdout: stdout, stderr: stderr}

	rc := &cobra.Command{
		Use:   "statcandb",
		Short: "Mirror Statistics Canada data tables as Parquet datasets",
		Long: `statcandb downloads full tables ("cubes") and daily delta files from the
Statistics Canada Web Data Service, converts them to typed Parquet datasets
and keeps an S3-compatible bucket in sync with upstream releases.

Configuration is read from --config, then STATCANDB_* environment variables
(and AWS_ACCESS_KEY_ID, AWS_SECRET_ACCESS_KEY, R2_ACCOUNT_ID, R2_BUCKET,
SQLITE_DB_URL), then flags. A .env file is loaded first when present.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := rc.PersistentFlags()
	flags.StringVarP(&rt.flags.configFile, "config", "c", "", "Configuration file (YAML or JSON)")
	flags.StringVar(&rt.flags.envFile, "env-file", ".env", "Environment file loaded before the configuration")
	flags.StringVar(&rt.flags.dataDir, "data-dir", "", "Base directory for local state")
	flags.StringVar(&rt.flags.logLevel, "log-level", "", "Log level: debug, info, warn, error")
	flags.BoolVar(&rt.flags.noProgress, "no-progress", false, "Disable the progress bar")

	rc.AddCommand(newDeltaCommand(rt))
	rc.AddCommand(newFullCommand(rt))
	rc.AddCommand(newDBCommand(rt))

	rc.SetOut(stdout)
	rc.SetErr(stderr)
	return rc
}

// loadConfig loads configuration from the env file, the config file, the
// environment and finally the command line flags.
func (rt *runtime) loadConfig() (*config.Config, error) {
	if rt.flags.envFile != "" {
		if err := godotenv.Load(rt.flags.envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to load env file: %w", err)
		}
	}

	var cfg *config.Config
	var err error
	if rt.flags.configFile != "" {
		cfg, err = config.LoadFromFile(rt.flags.configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	} else {
		cfg = config.DefaultConfig()
	}

	config.LoadFromEnv(cfg)

	if rt.flags.dataDir != "" {
		cfg.DataDir = rt.flags.dataDir
	}
	if rt.flags.logLevel != "" {
		cfg.Log.Level = rt.flags.logLevel
	}
	return cfg, nil
}

// withApp builds an App for one command, runs fn and closes the App.
func (rt *runtime) withApp(ctx context.Context, fn func(ctx context.Context, a *app.App) error) (err error) {
	cfg, err := rt.loadConfig()
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}

	a, err := app.New(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := a.Close(); cerr != nil {
			logger.Warn("failed to close app", zap.Error(cerr))
			if err == nil {
				err = cerr
			}
		}
	}()

	return fn(ctx, a)
}

func (rt *runtime) printf(format string, args ...any) {
	fmt.Fprintf(rt.stdout, format+"\n", args...)
}
