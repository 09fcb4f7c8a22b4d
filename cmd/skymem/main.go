package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/kalambet/skymem/internal/config"
	"github.com/kalambet/skymem/internal/store"
)

var version = "dev"

var (
	noColor bool
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:           "skymem",
	Short:         "Per-account memory and scheduling store for a Bluesky agent",
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logLevel := slog.LevelWarn
		if verbose {
			logLevel = slog.LevelDebug
		}
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))
	},
}

// exitCodeError carries a specific process exit code up through cobra.
// backoff-check uses 3 for "not due" so cron shells can branch on it.
type exitCodeError struct {
	code int
	msg  string
}

func (e exitCodeError) Error() string { return e.msg }

func main() {
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	if err := rootCmd.Execute(); err != nil {
		var ec exitCodeError
		if errors.As(err, &ec) {
			if ec.msg != "" {
				fmt.Fprintln(os.Stderr, ec.msg)
			}
			os.Exit(ec.code)
		}
		printError("%v", err)
		os.Exit(1)
	}
}

// openStore loads config and opens the per-account database for the
// given handle (falling back to the configured account handle).
func openStore(handle string) (*store.Store, config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, config.Config{}, err
	}
	if handle == "" {
		handle = cfg.Account.Handle
	}
	if handle == "" {
		return nil, config.Config{}, fmt.Errorf("no account handle: pass one or set account.handle in config")
	}

	st, err := store.Open(cfg.DBPath(handle),
		store.WithEvaluatedRetention(cfg.Watch.EvaluatedRetention),
		store.WithSilenceThreshold(time.Duration(cfg.Watch.SilenceHours)*time.Hour, cfg.Watch.CloseOnSilence),
		store.WithLogger(slog.Default()),
	)
	if err != nil {
		return nil, config.Config{}, describeOpenError(err)
	}
	return st, cfg, nil
}

// describeOpenError turns store open failures into one-line messages an
// operator can act on.
func describeOpenError(err error) error {
	var corrupt *store.CorruptError
	if errors.As(err, &corrupt) {
		return fmt.Errorf("%s is not a valid store; move it aside and re-run (detail: %v)", corrupt.Path, corrupt.Err)
	}
	var rec *store.ReconcileError
	if errors.As(err, &rec) {
		return fmt.Errorf("store schema could not be repaired (%s); the file may be damaged", rec.Object)
	}
	return err
}
