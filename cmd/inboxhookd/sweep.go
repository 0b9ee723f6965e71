package main

import (
	"encoding/json"
	"errors"

	"github.com/spf13/cobra"

	"github.com/austindbirch/inbox_hooks/internal/delivery"
)

type sweepSummary struct {
	Processed int  `json:"processed"`
	Delivered int  `json:"delivered"`
	Retrying  int  `json:"retrying"`
	Failed    int  `json:"failed"`
	Skipped   bool `json:"skipped,omitempty"`
}

func summarize(r delivery.Report, err error) (sweepSummary, error) {
	if errors.Is(err, delivery.ErrSweepInProgress) {
		return sweepSummary{Skipped: true}, nil
	}
	if err != nil {
		return sweepSummary{}, err
	}
	return sweepSummary{
		Processed: r.Deliveries,
		Delivered: r.Delivered,
		Retrying:  r.Retrying,
		Failed:    r.Failed,
	}, nil
}

func newSweepCmd(root *rootOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Attempt due pending deliveries once and exit",
		Long: `sweep selects up to --limit pending deliveries whose next attempt is due
and attempts them concurrently. It prints a JSON summary. When another
replica holds the sweep lease, nothing is attempted and "skipped" is set.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := root.load()
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), cfg, log)
			if err != nil {
				return err
			}
			defer a.Close()

			sum, err := summarize(a.reconciler.Sweep(cmd.Context(), limit))
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(sum)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum deliveries to attempt (default sweep.batch_size, capped at sweep.max_batch)")
	return cmd
}
