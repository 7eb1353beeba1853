package cmd

import (
	"github.com/spf13/cobra"
	"github.com/tanq16/partdl/internal/utils"
)

func newHTTPCmd() *cobra.Command {
	var outputPath string

	cmd := &cobra.Command{
		Use:   "http [URL] [--output OUTPUT_PATH]",
		Short: "Download a file via HTTP/HTTPS",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			job := cfg.NewJob("http", args[0], outputPath)
			return runJobs([]utils.PartdlJob{job})
		},
	}
	cmd.Flags().StringVarP(&outputPath, "output", "o", "", "Output file path")
	return cmd
}
