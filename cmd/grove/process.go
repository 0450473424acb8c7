package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/grovecms/grove/pkg/grove/config"
	"github.com/grovecms/grove/pkg/grove/scan"
)

var processCmd = &cobra.Command{
	Use:   "process",
	Short: "Process dirty entities",
	Long:  `Revalidate and reindex entities marked dirty by schema updates. With --once a single pass drains the backlog and exits; otherwise the processor runs until interrupted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		once, err := cmd.Flags().GetBool("once")
		if err != nil {
			return err
		}
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		svc, err := buildService(cmd.Context())
		if err != nil {
			return err
		}
		if once {
			total := 0
			for {
				result, err := svc.ProcessDirtyEntities(cmd.Context(), cfg.ProcessorBatchSize)
				if err != nil {
					return err
				}
				total += result.Processed
				if !result.Remaining {
					break
				}
			}
			fmt.Printf("processed %d entities\n", total)
			return nil
		}
		logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
		processor := scan.New(svc, scan.Options{
			BatchSize: cfg.ProcessorBatchSize,
			Interval:  cfg.ProcessorInterval,
			Logger:    logger,
		})
		return processor.Run(cmd.Context())
	},
}

func init() {
	processCmd.Flags().Bool("once", false, "Drain the backlog once and exit")
}
