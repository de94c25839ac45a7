package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"forwarding-audit-go/internal/app"
	"forwarding-audit-go/internal/collector"
	"forwarding-audit-go/internal/model"
	"forwarding-audit-go/internal/seed"
)

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func importCmd() *cobra.Command {
	var (
		file     string
		defaults bool
		gmail    bool
	)
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Load forwarding rules into the configured backend",
		RunE: func(cmd *cobra.Command, args []string) error {
			sources := 0
			for _, set := range []bool{file != "", defaults, gmail} {
				if set {
					sources++
				}
			}
			if sources != 1 {
				return fmt.Errorf("exactly one of --file, --default or --gmail is required")
			}

			cfg, err := app.LoadConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			var records []seed.Record
			switch {
			case file != "":
				records, err = seed.LoadFile(file)
			case defaults:
				records = seed.Default()
			case gmail:
				var c *collector.Collector
				if c, err = collector.New(cfg.Gmail); err == nil {
					records, err = c.Collect(ctx)
				}
			}
			if err != nil {
				return err
			}

			a, err := app.New(ctx, cfg, prometheus.NewRegistry())
			if err != nil {
				return err
			}
			defer a.Close()
			if a.Selection.Degraded {
				return fmt.Errorf("refusing to import into the in-memory fallback: %s", a.Selection.Reason)
			}

			res, err := seed.Import(ctx, a.Selection.Repository, records)
			if err != nil {
				return err
			}
			logrus.Infof("Imported %d rules and %d filters into %s (%d skipped, %d rejected)",
				res.Created, res.Filters, a.Selection.Active, res.Skipped, res.Rejected)
			return printJSON(res)
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "JSON file with rule records")
	cmd.Flags().BoolVar(&defaults, "default", false, "load the built-in sample dataset")
	cmd.Flags().BoolVar(&gmail, "gmail", false, "collect settings from the Gmail API for gmail.users")
	return cmd
}

func reportCmd() *cobra.Command {
	var (
		kind    string
		name    string
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Generate one report and wait for it to finish",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := app.LoadConfig()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			a, err := app.New(ctx, cfg, prometheus.NewRegistry())
			if err != nil {
				return err
			}
			defer a.Close()

			a.Pool.Start()
			defer a.Pool.Stop(context.Background())

			id, err := a.Service.Submit(ctx, model.ReportKind(kind), name)
			if err != nil {
				return err
			}
			logrus.WithField("job_id", id).Info("Waiting for report")

			ticker := time.NewTicker(100 * time.Millisecond)
			defer ticker.Stop()
			for {
				job, err := a.Service.Status(ctx, id)
				if err != nil {
					return err
				}
				if job.Status.Terminal() {
					if err := printJSON(job); err != nil {
						return err
					}
					if job.Status == model.JobFailed {
						return fmt.Errorf("report %s failed: %s", id, job.Error)
					}
					return nil
				}
				select {
				case <-ticker.C:
				case <-ctx.Done():
					return fmt.Errorf("report %s still %s: %w", id, job.Status, ctx.Err())
				}
			}
		},
	}
	cmd.Flags().StringVar(&kind, "kind", string(model.ReportFull), "full, statistics-only or rules-only")
	cmd.Flags().StringVar(&name, "name", "", "artifact file name (derived when empty)")
	cmd.Flags().DurationVar(&timeout, "timeout", 2*time.Minute, "how long to wait for the report")
	return cmd
}
