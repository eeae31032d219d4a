package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/fakeyudi/fightrec/internal/obsws"
)

var checkSkipOBS bool

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Verify configuration, ffmpeg and the OBS connection",
	RunE: func(cmd *cobra.Command, args []string) error {
		c := GetConfig()
		failed := 0
		report := func(name string, err error) {
			if err != nil {
				failed++
				cmd.Printf("  FAIL  %s: %v\n", name, err)
				return
			}
			cmd.Printf("  ok    %s\n", name)
		}

		report("configuration", c.Validate())

		if c.ConcatenateOutputs {
			_, err := newPipeline(c, nil, nil).CheckTool()
			report("ffmpeg", err)
		}

		if !checkSkipOBS {
			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
			client, err := obsws.Dial(ctx, obsws.Options{
				Host:     c.OBSHost,
				Port:     c.OBSPort,
				Password: c.OBSPassword,
				Timeout:  5 * time.Second,
				Logger:   logger,
			})
			report("obs-websocket", err)
			if err == nil {
				report("replay buffer", client.RequireReplayBuffer(ctx))
				client.Close()
			}
			cancel()
		}

		if failed > 0 {
			return fmt.Errorf("%d check(s) failed", failed)
		}
		return nil
	},
}

func init() {
	checkCmd.Flags().BoolVar(&checkSkipOBS, "skip-obs", false, "do not try to connect to OBS")
	rootCmd.AddCommand(checkCmd)
}
