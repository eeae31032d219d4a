package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/charmbracelet/x/term"
	"github.com/spf13/cobra"

	"github.com/fakeyudi/fightrec/internal/config"
	"github.com/fakeyudi/fightrec/internal/jobs"
	"github.com/fakeyudi/fightrec/internal/pipeline"
	"github.com/fakeyudi/fightrec/internal/status"
)

// cfg holds the merged configuration, populated in PersistentPreRunE.
var cfg config.Config

// logger is the diagnostic logger, writing to stderr.
var logger = slog.New(slog.DiscardHandler)

var (
	verbose    bool
	configPath string
)

var rootCmd = &cobra.Command{
	Use:   "fightrec",
	Short: "Record game footage automatically while combat is happening",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level := slog.LevelInfo
		if verbose {
			level = slog.LevelDebug
		}
		logger = slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))

		// An explicit file replaces the global/project lookup.
		if configPath != "" {
			f, err := config.LoadFile(configPath)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			if f == nil {
				return fmt.Errorf("config file %s not found", configPath)
			}
			cfg = config.Merge(f, nil)
			return nil
		}

		global, err := config.LoadGlobal()
		if err != nil {
			return fmt.Errorf("loading global config: %w", err)
		}
		project, err := config.LoadProject()
		if err != nil {
			return fmt.Errorf("loading project config: %w", err)
		}
		cfg = config.Merge(global, project)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log debug diagnostics to stderr")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "read settings from this TOML file only")
}

// Execute runs the root command. Exits with code 1 on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// GetConfig returns the merged configuration for use by subcommands.
func GetConfig() config.Config {
	return cfg
}

// statusSink prints lifecycle statuses to the command's output, styled only
// when that output is a terminal, and mirrors them to the debug log.
func statusSink(cmd *cobra.Command) status.Sink {
	out := cmd.OutOrStdout()
	return status.Multi(status.NewConsole(out, isTerminal(out)), status.Log(logger))
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(f.Fd())
}

// newPipeline builds the processing pipeline from c.
func newPipeline(c config.Config, queue jobs.Store, sink status.Sink) *pipeline.Pipeline {
	opts := pipeline.Options{
		AutoConcatenate: c.ConcatenateOutputs,
		DeleteOriginals: c.DeleteOriginals,
		Tool:            c.FFmpegPath,
		RetryInterval:   c.ClaimRetryInterval,
		Queue:           queue,
		Logger:          logger,
	}
	if c.WaitForRelease {
		opts.Holds = pipeline.ProcessHolds{Self: int32(os.Getpid())}
	}
	return pipeline.New(opts, sink)
}
