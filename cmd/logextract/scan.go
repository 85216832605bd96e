package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/logextract/backend/internal/bus"
	"github.com/logextract/backend/internal/pipeline"
	"github.com/logextract/backend/internal/state"
	"github.com/spf13/cobra"
)

var scanUpload bool

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Run one scan-and-analyze pass from the command line",
	Long: `Scans the configured root once, analyzes new and changed files, and
prints a summary. With --upload the extracted records are uploaded
afterwards. Run state is saved so a later pass resumes incrementally.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()

		b := bus.New()
		st := state.NewManager(b)
		p, err := pipeline.New(cfg, b, st, nil)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to initialize pipeline: %v\n", err)
			os.Exit(1)
		}
		defer p.Close()

		if err := p.LoadSnapshot(); err != nil {
			fmt.Printf("Warning: could not restore previous run state: %v\n", err)
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		sum, err := p.ScanAndAnalyze(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Scan failed: %v\n", err)
			os.Exit(1)
		}
		stats := st.Stats()
		fmt.Printf("Scanned %d files: %d new, %d changed, %d removed. %d records tracked (%d pending).\n",
			sum.Total, len(sum.New), len(sum.Changed), len(sum.Removed), stats.TotalRecords, stats.Pending)

		if scanUpload {
			upStats, err := p.UploadAll(ctx)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Upload failed: %v\n", err)
				os.Exit(1)
			}
			fmt.Printf("Uploaded %d, failed %d, skipped %d.\n", upStats.Uploaded, upStats.Failed, upStats.Skipped)
		}

		if err := p.SaveSnapshot(); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to save run state: %v\n", err)
			os.Exit(1)
		}
	},
}

func init() {
	scanCmd.Flags().BoolVar(&scanUpload, "upload", false, "Upload extracted records after the scan")
	rootCmd.AddCommand(scanCmd)
}
