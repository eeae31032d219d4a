package cmd

import (
	"encoding/json"
	"time"

	"github.com/spf13/cobra"

	"github.com/fakeyudi/fightrec/internal/jobs"
)

var queueJSON bool

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "List recordings waiting for concatenation",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := jobs.NewStore()
		if err != nil {
			return err
		}
		pending, err := store.Load()
		if err != nil {
			return err
		}

		if queueJSON {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(pending)
		}

		if len(pending) == 0 {
			cmd.Println("no pending jobs")
			return nil
		}
		for _, j := range pending {
			cmd.Printf("%s  %s  queued %s\n", j.ID, j.BaseName, j.CreatedAt.Format(time.RFC3339))
			cmd.Printf("    replay:    %s\n", j.ReplayPath())
			cmd.Printf("    recording: %s\n", j.RecordingPath())
		}
		cmd.Printf("Pending: %d\n", len(pending))
		return nil
	},
}

func init() {
	queueCmd.Flags().BoolVar(&queueJSON, "json", false, "print the queue as JSON")
	rootCmd.AddCommand(queueCmd)
}
