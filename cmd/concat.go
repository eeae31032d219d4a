package cmd

import (
	"github.com/spf13/cobra"

	"github.com/fakeyudi/fightrec/internal/jobs"
	"github.com/fakeyudi/fightrec/internal/pipeline"
)

var concatOutput string

var concatCmd = &cobra.Command{
	Use:   "concat [clip...]",
	Short: "Concatenate deferred recordings, or the given clips in timestamp order",
	RunE: func(cmd *cobra.Command, args []string) error {
		c := GetConfig()
		if len(args) > 0 {
			return concatFiles(cmd, args)
		}

		store, err := jobs.NewStore()
		if err != nil {
			return err
		}
		pending, err := store.Load()
		if err != nil {
			return err
		}
		if len(pending) == 0 {
			cmd.Println("no pending jobs")
			return nil
		}

		pipe := newPipeline(c, store, statusSink(cmd))
		if _, err := pipe.CheckTool(); err != nil {
			return err
		}
		done, err := pipe.ProcessQueue(cmd.Context())
		if err != nil {
			return err
		}
		cmd.Printf("Concatenated %d of %d job(s).\n", done, len(pending))
		return nil
	},
}

// concatFiles joins arbitrary clips into one file next to the earliest clip.
func concatFiles(cmd *cobra.Command, clips []string) error {
	pipe := newPipeline(GetConfig(), nil, nil)
	if _, err := pipe.CheckTool(); err != nil {
		return err
	}
	sorted := pipeline.SortByTimestamp(clips)
	out := concatOutput
	if out == "" {
		out = pipeline.CombinedName(sorted[0])
	}
	if err := pipe.ConcatenateFiles(cmd.Context(), out, sorted); err != nil {
		return err
	}
	cmd.Printf("Output saved to: %s\n", out)
	return nil
}

func init() {
	concatCmd.Flags().StringVarP(&concatOutput, "output", "o", "", "output path when clips are given")
	rootCmd.AddCommand(concatCmd)
}
