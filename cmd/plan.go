package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/tanq16/partdl/internal/output"
	"github.com/tanq16/partdl/internal/segments"
	"github.com/tanq16/partdl/internal/transfer"
)

func newPlanCmd() *cobra.Command {
	var outputPath string

	cmd := &cobra.Command{
		Use:   "plan [URL] [--output OUTPUT_PATH]",
		Short: "Show how a download would be segmented and what can be resumed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			job := cfg.NewJob(jobTypeFor(args[0]), args[0], outputPath)
			downloader, ok := transfer.Registry[job.JobType]
			if !ok {
				return fmt.Errorf("unknown job type: %s", job.JobType)
			}
			if err := downloader.ValidateJob(&job); err != nil {
				return err
			}
			source, err := downloader.BuildJob(cmd.Context(), &job)
			if err != nil {
				return err
			}
			in, err := transfer.Inspect(cmd.Context(), &job, source)
			if err != nil {
				return err
			}
			printInspection(in)
			return nil
		},
	}
	cmd.Flags().StringVarP(&outputPath, "output", "o", "", "Output path")
	return cmd
}

func printInspection(in transfer.Inspection) {
	output.PrintHeader(in.OutputPath)
	fmt.Printf("  size      %s (%d bytes)\n", output.FormatBytes(in.Object.TotalSize), in.Object.TotalSize)
	fmt.Printf("  ranges    %t\n", in.Object.AcceptsRanges)
	if in.Object.ETag != "" {
		fmt.Printf("  version   %s\n", in.Object.ETag)
	}
	done := segments.Counts(in.Segments)[segments.Done]
	fmt.Printf("  segments  %d (%d complete, %s stored, %d in ledger)\n",
		len(in.Segments), done, output.FormatBytes(in.Stored), in.Recorded)
	for _, seg := range in.Segments {
		line := fmt.Sprintf("    %4d  %12d-%-12d %10s  %s", seg.Index, seg.Start, seg.End, output.FormatBytes(seg.ExpectedSize), seg.State())
		if seg.State() == segments.Done {
			output.PrintSuccess(line)
		} else {
			fmt.Println(output.FDetail(line))
		}
	}
}
