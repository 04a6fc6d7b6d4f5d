package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/warp/contravention-engine/factory"
)

// Maintenance commands print their report as JSON on stdout.

func newResetFiscalYearCmd(opts *rootOptions) *cobra.Command {
	var fiscalYear string
	cmd := &cobra.Command{
		Use:   "reset-fiscal-year",
		Short: "Archive and zero point records for a closed fiscal year",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(opts, appOptions{})
			if err != nil {
				return err
			}
			defer a.close()

			report, err := a.engine.ResetFiscalYear(cmd.Context(), fiscalYear)
			if err != nil {
				return err
			}
			a.logger.Info("fiscal year reset",
				zap.String("fiscal_year", report.FiscalYear),
				zap.Int("reset", len(report.Reset)),
				zap.Int("skipped", len(report.Skipped)),
			)
			return printJSON(cmd, report)
		},
	}
	cmd.Flags().StringVar(&fiscalYear, "fiscal-year", "", "fiscal year to close (default: the year before the current one)")
	return cmd
}

func newRecalculateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "recalculate-escalations",
		Short: "Re-derive every employee's tier under the configured policy",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(opts, appOptions{})
			if err != nil {
				return err
			}
			defer a.close()

			report, err := a.engine.RecalculateEscalations(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd, report)
		},
	}
}

func newSyncPointsCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sync-points",
		Short: "Correct point totals that drifted from their contraventions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(opts, appOptions{})
			if err != nil {
				return err
			}
			defer a.close()

			report, err := a.engine.SyncPointsFromContraventions(cmd.Context())
			if err != nil {
				return err
			}
			if err := printJSON(cmd, report); err != nil {
				return err
			}
			return report.Err()
		},
	}
}

func newLoadCatalogCmd(opts *rootOptions) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "load-catalog",
		Short: "Upsert contravention types and training courses",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			raw := factory.DefaultCatalogJSON
			if file != "" {
				b, err := os.ReadFile(file)
				if err != nil {
					return fmt.Errorf("failed to read catalog: %w", err)
				}
				raw = string(b)
			}

			pf := factory.NewPolicyFactory()
			doc, err := pf.Parse(raw)
			if err != nil {
				return err
			}

			a, err := newApp(opts, appOptions{})
			if err != nil {
				return err
			}
			defer a.close()

			cat, err := pf.LoadCatalog(cmd.Context(), a.store, doc)
			if err != nil {
				return err
			}
			return printJSON(cmd, cat)
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "catalog JSON document (default: built-in catalog)")
	return cmd
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
