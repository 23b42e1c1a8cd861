package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/orneryd/coigraph/pkg/graph"
	"github.com/orneryd/coigraph/pkg/ingest"
)

// ingestResult is the JSON form of one ingested file.
type ingestResult struct {
	Report    *ingest.Report `json:"report"`
	Version   uint64         `json:"version"`
	Admitted  int            `json:"admitted"`
	Enriched  int            `json:"enriched"`
	Unchanged int            `json:"unchanged"`
	Rejected  []string       `json:"rejected,omitempty"`
}

func runIngest(cmd *cobra.Command, args []string) error {
	papers, _ := cmd.Flags().GetBool("papers")
	noRefresh, _ := cmd.Flags().GetBool("no-refresh")
	strict, _ := cmd.Flags().GetBool("strict")

	a, err := setup(cmd)
	if err != nil {
		return err
	}
	defer a.close()
	ctx := cmd.Context()

	var results []ingestResult
	rejected := 0
	for _, path := range args {
		var (
			batch graph.Batch
			rep   *ingest.Report
		)
		if papers {
			// Resolve against the graph as it stands after the previous file.
			batch, rep, err = ingest.LoadPapers(path, a.det.Graph().Snapshot())
		} else {
			batch, rep, err = ingest.Load(path)
		}
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		for _, re := range rep.Errors {
			a.log.Warn("record skipped", "file", path, "err", re)
		}

		res, err := a.det.Ingest(ctx, batch)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		out := ingestResult{
			Report: rep, Version: res.Version,
			Admitted: res.Admitted, Enriched: res.Enriched, Unchanged: res.Unchanged,
		}
		for _, re := range res.Errors {
			a.log.Warn("record rejected by graph", "file", path, "err", re)
			out.Rejected = append(out.Rejected, re.Error())
		}
		rejected += len(rep.Errors) + len(res.Errors)
		results = append(results, out)

		if !a.json {
			fmt.Fprintf(a.out, "%s: %d admitted, %d enriched, %d unchanged, %d rejected (graph version %d)\n",
				path, res.Admitted, res.Enriched, res.Unchanged, len(rep.Errors)+len(res.Errors), res.Version)
		}
	}

	if a.json {
		if err := a.printJSON(results); err != nil {
			return err
		}
	}
	if !noRefresh {
		sum, err := a.det.Refresh(ctx)
		if err != nil {
			return err
		}
		if err := a.printSummary(sum); err != nil {
			return err
		}
	}
	if strict && rejected > 0 {
		return fmt.Errorf("%d record(s) rejected", rejected)
	}
	return nil
}
