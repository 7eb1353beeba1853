package cmd

import (
	"github.com/spf13/cobra"
	"github.com/tanq16/partdl/internal/utils"
)

func newGDriveCmd() *cobra.Command {
	var outputPath string
	var apiKey string
	var credentialsFile string

	cmd := &cobra.Command{
		Use:     "google-drive [URL] [--output OUTPUT_PATH] [--api-key YOUR_KEY] [--creds creds.json]",
		Short:   "Download a file from Google Drive",
		Aliases: []string{"gdrive", "gd", "drive"},
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			job := cfg.NewJob("google-drive", args[0], outputPath)
			if apiKey != "" {
				job.Metadata["apiKey"] = apiKey
			}
			if credentialsFile != "" {
				job.Metadata["credentialsFile"] = credentialsFile
			}
			return runJobs([]utils.PartdlJob{job})
		},
	}
	cmd.Flags().StringVarP(&outputPath, "output", "o", "", "Output path")
	cmd.Flags().StringVar(&apiKey, "api-key", "", "Google Drive API key")
	cmd.Flags().StringVar(&credentialsFile, "creds", "", "OAuth credentials JSON file")
	return cmd
}
