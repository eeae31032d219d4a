package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/fakeyudi/fightrec/internal/app"
	"github.com/fakeyudi/fightrec/internal/config"
	"github.com/fakeyudi/fightrec/internal/jobs"
	"github.com/fakeyudi/fightrec/internal/obsws"
	"github.com/fakeyudi/fightrec/internal/recorder"
	"github.com/fakeyudi/fightrec/internal/tailer"
)

var runFlags struct {
	logDir    string
	outputDir string
	timeout   int
	obsHost   string
	obsPort   int
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Watch the combat logs and record while fighting",
	RunE: func(cmd *cobra.Command, args []string) error {
		c := applyRunFlags(cmd, GetConfig())
		if err := c.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}

		store, err := jobs.NewStore()
		if err != nil {
			return err
		}
		sink := statusSink(cmd)
		pipe := newPipeline(c, store, sink)
		if c.ConcatenateOutputs {
			if _, err := pipe.CheckTool(); err != nil {
				return err
			}
		}

		opts := []tailer.Option{tailer.WithLogger(logger)}
		if c.WatchDirEvents {
			opts = append(opts, tailer.WithDirWatch())
		}
		tl, err := tailer.New(c.LogDir, opts...)
		if err != nil {
			return err
		}
		defer tl.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		client, err := obsws.Dial(ctx, obsws.Options{
			Host:     c.OBSHost,
			Port:     c.OBSPort,
			Password: c.OBSPassword,
			Logger:   logger,
		})
		if err != nil {
			return err
		}
		defer client.Close()
		if err := client.RequireReplayBuffer(ctx); err != nil {
			return err
		}

		loop := &app.Loop{
			Tailer:     tl,
			Controller: recorder.NewController(client, c.Timeout),
			Pipeline:   pipe,
			Sink:       sink,
			OutputDir:  c.OutputDir,
			Interval:   c.PollInterval,
			Logger:     logger,
		}
		logger.Info("watching combat logs", "dir", c.LogDir, "timeout", c.Timeout)
		runErr := loop.Run(ctx)

		if n := pipe.InFlight(); n > 0 {
			cmd.Printf("Waiting for %d processing job(s) to finish...\n", n)
		}
		pipe.Wait()
		return runErr
	},
}

// applyRunFlags overlays explicitly set flags on the file configuration.
func applyRunFlags(cmd *cobra.Command, c config.Config) config.Config {
	flags := cmd.Flags()
	if flags.Changed("log-dir") {
		c.LogDir = runFlags.logDir
	}
	if flags.Changed("output-dir") {
		c.OutputDir = runFlags.outputDir
	}
	if flags.Changed("timeout") {
		c.Timeout = time.Duration(runFlags.timeout) * time.Second
	}
	if flags.Changed("obs-host") {
		c.OBSHost = runFlags.obsHost
	}
	if flags.Changed("obs-port") {
		c.OBSPort = runFlags.obsPort
	}
	return c
}

func init() {
	runCmd.Flags().StringVar(&runFlags.logDir, "log-dir", "", "directory of game combat logs")
	runCmd.Flags().StringVar(&runFlags.outputDir, "output-dir", "", "directory for finished clips")
	runCmd.Flags().IntVar(&runFlags.timeout, "timeout", 0, "seconds of quiet before recording stops")
	runCmd.Flags().StringVar(&runFlags.obsHost, "obs-host", "", "obs-websocket host")
	runCmd.Flags().IntVar(&runFlags.obsPort, "obs-port", 0, "obs-websocket port")
	rootCmd.AddCommand(runCmd)
}
