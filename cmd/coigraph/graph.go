package main

import (
	"fmt"
	"maps"
	"slices"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/orneryd/coigraph/pkg/coi"
	"github.com/orneryd/coigraph/pkg/graph"
	"github.com/orneryd/coigraph/pkg/ingest"
	"github.com/orneryd/coigraph/pkg/review"
	"github.com/orneryd/coigraph/pkg/scoring"
)

func addGraphCommands(rootCmd *cobra.Command) {
	searchCmd := &cobra.Command{
		Use:   "search <name>",
		Short: "Find entities by name and show their relationships",
		Args:  cobra.ExactArgs(1),
		RunE:  runSearch,
	}
	searchCmd.Flags().String("type", "", "Only this entity type")
	searchCmd.Flags().Int("limit", 20, "Maximum number of entities")
	rootCmd.AddCommand(searchCmd)

	queryCmd := &cobra.Command{
		Use:   "query",
		Short: "Common graph lookups",
	}
	queryCmd.AddCommand(&cobra.Command{
		Use:   "authors <doi>",
		Short: "Authors of a paper",
		Args:  cobra.ExactArgs(1),
		RunE:  runQueryAuthors,
	})
	queryCmd.AddCommand(&cobra.Command{
		Use:   "funded <funder>",
		Short: "Authors funded by a funder (id or name)",
		Args:  cobra.ExactArgs(1),
		RunE:  runQueryFunded,
	})
	rootCmd.AddCommand(queryCmd)

	rootCmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Show graph and finding statistics",
		RunE:  runStats,
	})
}

func runSearch(cmd *cobra.Command, args []string) error {
	typeName, _ := cmd.Flags().GetString("type")
	limit, _ := cmd.Flags().GetInt("limit")
	var t graph.EntityType
	if typeName != "" {
		var err error
		if t, err = graph.ParseEntityType(typeName); err != nil {
			return err
		}
	}

	a, err := setup(cmd)
	if err != nil {
		return err
	}
	defer a.close()

	snap := a.det.Graph().Snapshot()
	matches := snap.Search(args[0], t, limit)
	if a.json {
		type result struct {
			graph.Entity
			Neighbors []graph.Neighbor `json:"neighbors"`
		}
		out := make([]result, len(matches))
		for i, e := range matches {
			out[i] = result{e, snap.Neighbors(e.ID, graph.Both)}
		}
		return a.printJSON(out)
	}
	if len(matches) == 0 {
		fmt.Fprintf(a.out, "No entities match %q.\n", args[0])
		return nil
	}
	for _, e := range matches {
		fmt.Fprintf(a.out, "%s [%s] %s\n", e.Name, e.Type, e.ID)
		for _, n := range snap.Neighbors(e.ID, graph.Both) {
			arrow := "->"
			if n.Direction == graph.Incoming {
				arrow = "<-"
			}
			fmt.Fprintf(a.out, "    %s %s %s [%s] %s\n",
				arrow, n.Relationship.Kind, n.Entity.Name, n.Entity.Type, n.Relationship.Interval)
		}
	}
	return nil
}

func (a *app) printEntities(es []graph.Entity) error {
	if a.json {
		if es == nil {
			es = []graph.Entity{}
		}
		return a.printJSON(es)
	}
	tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tTYPE")
	for _, e := range es {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", e.ID, e.Name, e.Type)
	}
	return tw.Flush()
}

func runQueryAuthors(cmd *cobra.Command, args []string) error {
	a, err := setup(cmd)
	if err != nil {
		return err
	}
	defer a.close()

	snap := a.det.Graph().Snapshot()
	paper := ingest.PaperID(args[0])
	if !snap.HasEntity(paper) {
		paper = graph.EntityID(args[0])
	}
	if snap.TypeOf(paper) != graph.Paper {
		return fmt.Errorf("%w: paper %q", graph.ErrNotFound, args[0])
	}
	return a.printEntities(snap.Related(paper, graph.CoAuthored, graph.Incoming, graph.Author))
}

func runQueryFunded(cmd *cobra.Command, args []string) error {
	a, err := setup(cmd)
	if err != nil {
		return err
	}
	defer a.close()

	snap := a.det.Graph().Snapshot()
	var funders []graph.EntityID
	if snap.TypeOf(graph.EntityID(args[0])) == graph.Funder {
		funders = append(funders, graph.EntityID(args[0]))
	} else {
		for _, e := range snap.FindByName(args[0]) {
			if e.Type == graph.Funder {
				funders = append(funders, e.ID)
			}
		}
	}
	if len(funders) == 0 {
		return fmt.Errorf("%w: funder %q", graph.ErrNotFound, args[0])
	}
	var authors []graph.Entity
	for _, id := range funders {
		authors = append(authors, snap.Related(id, graph.FundedBy, graph.Incoming, graph.Author)...)
	}
	return a.printEntities(authors)
}

// statsReport is the JSON form of the stats command.
type statsReport struct {
	Graph            graph.Stats              `json:"graph"`
	EvaluatedVersion uint64                   `json:"evaluatedVersion"`
	Catalog          string                   `json:"catalog"`
	Findings         int                      `json:"findings"`
	Inactive         int                      `json:"inactive"`
	ByCategory       map[scoring.Category]int `json:"byCategory"`
	ByStatus         map[review.Status]int    `json:"byStatus"`
	ByRule           map[string]int           `json:"byRule"`
}

func runStats(cmd *cobra.Command, args []string) error {
	a, err := setup(cmd)
	if err != nil {
		return err
	}
	defer a.close()

	rep := statsReport{
		Graph:            a.det.Graph().Snapshot().Stats(),
		EvaluatedVersion: a.det.EvaluatedVersion(),
		Catalog:          a.det.Catalog().Name(),
		ByCategory:       map[scoring.Category]int{},
		ByStatus:         map[review.Status]int{},
		ByRule:           map[string]int{},
	}
	for _, f := range a.det.Findings(coi.Filter{IncludeInactive: true}) {
		if !f.Active {
			rep.Inactive++
			continue
		}
		rep.Findings++
		rep.ByCategory[f.Category]++
		rep.ByStatus[f.Status]++
		rep.ByRule[f.RuleID]++
	}
	if a.json {
		return a.printJSON(rep)
	}

	fmt.Fprintf(a.out, "Graph version %d (evaluated %d), catalog %s\n",
		rep.Graph.Version, rep.EvaluatedVersion, rep.Catalog)
	fmt.Fprintf(a.out, "%d entities, %d relationships\n", rep.Graph.Entities, rep.Graph.Relationships)
	tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	for _, t := range slices.Sorted(maps.Keys(rep.Graph.ByType)) {
		fmt.Fprintf(tw, "  %s\t%d\n", t, rep.Graph.ByType[t])
	}
	for _, k := range slices.Sorted(maps.Keys(rep.Graph.ByKind)) {
		fmt.Fprintf(tw, "  %s\t%d\n", k, rep.Graph.ByKind[k])
	}
	tw.Flush()

	fmt.Fprintf(a.out, "%d active finding(s), %d inactive\n", rep.Findings, rep.Inactive)
	for _, c := range []scoring.Category{scoring.High, scoring.Moderate, scoring.Low} {
		fmt.Fprintf(tw, "  %s\t%d\n", c, rep.ByCategory[c])
	}
	for _, s := range []review.Status{review.Flagged, review.Confirmed, review.Dismissed} {
		fmt.Fprintf(tw, "  %s\t%d\n", s, rep.ByStatus[s])
	}
	return tw.Flush()
}
