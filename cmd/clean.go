package cmd

import (
	"context"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/tanq16/partdl/internal/output"
	"github.com/tanq16/partdl/internal/partstore"
	"github.com/tanq16/partdl/internal/utils"
)

func newCleanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clean [path]",
		Short: "Remove leftover parts for an output file, or every part in a directory",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target := "."
			if len(args) == 1 {
				target = args[0]
			}
			if err := cleanTarget(cmd.Context(), target, cfg.Ledger); err != nil {
				return err
			}
			output.PrintSuccess("Temporary files cleaned up")
			return nil
		},
	}
}

// cleanTarget removes the part namespace of a file, or the whole temp
// directory of a directory, and drops the matching ledger entry.
func cleanTarget(ctx context.Context, target, ledgerPath string) error {
	if info, err := os.Stat(target); err == nil && info.IsDir() {
		return utils.CleanDir(target)
	}
	if err := utils.CleanParts(target); err != nil {
		return err
	}
	if _, err := os.Stat(ledgerPath); ledgerPath == "" || err != nil {
		return nil
	}
	ledger, err := partstore.OpenLedger(ledgerPath)
	if err != nil {
		return err
	}
	defer ledger.Close()
	ns, err := filepath.Abs(target)
	if err != nil {
		ns = target
	}
	return ledger.Forget(ctx, ns)
}
