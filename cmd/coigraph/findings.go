package main

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/orneryd/coigraph/pkg/coi"
	"github.com/orneryd/coigraph/pkg/graph"
	"github.com/orneryd/coigraph/pkg/review"
	"github.com/orneryd/coigraph/pkg/scoring"
)

func addFindingCommands(rootCmd *cobra.Command) {
	findingsCmd := &cobra.Command{
		Use:   "findings",
		Short: "List findings, highest score first",
		RunE:  runFindings,
	}
	f := findingsCmd.Flags()
	f.StringSlice("rule", nil, "Only these rule ids")
	f.StringSlice("category", nil, "Only these categories (Low, Moderate, High)")
	f.StringSlice("status", nil, "Only these review statuses (flagged, confirmed, dismissed)")
	f.String("entity", "", "Only findings involving this entity id")
	f.Float64("min-score", 0, "Minimum score")
	f.Uint64("since", 0, "Only findings first committed after this graph version")
	f.Bool("all", false, "Include inactive findings")
	f.Int("limit", 0, "Maximum number of findings (0 = all)")
	rootCmd.AddCommand(findingsCmd)

	rootCmd.AddCommand(&cobra.Command{
		Use:   "explain <finding-id>",
		Short: "Show the full explanation of a finding",
		Long:  "Show the entities, evidence, temporal checks, score breakdown and review history of a finding. Unique id prefixes are accepted.",
		Args:  cobra.ExactArgs(1),
		RunE:  runExplain,
	})

	reviewCmd := &cobra.Command{
		Use:   "review <finding-id> [flagged|confirmed|dismissed]",
		Short: "Change a finding's review status, add a note, or show its history",
		Args:  cobra.RangeArgs(1, 2),
		RunE:  runReview,
	}
	reviewCmd.Flags().String("reviewer", "", "Reviewer id (required for changes)")
	reviewCmd.Flags().String("note", "", "Review note")
	rootCmd.AddCommand(reviewCmd)

	annotateCmd := &cobra.Command{
		Use:   "annotate <entity-id> [note]",
		Short: "Attach a free-form conflict note to an entity, or list its notes",
		Long: `Interpersonal or intellectual conflicts are never inferred. Record them
as annotations on the entity instead.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: runAnnotate,
	}
	annotateCmd.Flags().String("category", "other", "interpersonal, intellectual or other")
	annotateCmd.Flags().String("author", "", "Who is recording the note")
	rootCmd.AddCommand(annotateCmd)
}

func parseCategory(s string) (scoring.Category, error) {
	for _, c := range []scoring.Category{scoring.Low, scoring.Moderate, scoring.High} {
		if strings.EqualFold(string(c), strings.TrimSpace(s)) {
			return c, nil
		}
	}
	return "", fmt.Errorf("unknown category %q", s)
}

func findingFilter(cmd *cobra.Command) (coi.Filter, error) {
	var flt coi.Filter
	f := cmd.Flags()
	flt.Rules, _ = f.GetStringSlice("rule")
	cats, _ := f.GetStringSlice("category")
	for _, c := range cats {
		cat, err := parseCategory(c)
		if err != nil {
			return flt, err
		}
		flt.Categories = append(flt.Categories, cat)
	}
	statuses, _ := f.GetStringSlice("status")
	for _, s := range statuses {
		st, err := review.ParseStatus(s)
		if err != nil {
			return flt, err
		}
		flt.Statuses = append(flt.Statuses, st)
	}
	entity, _ := f.GetString("entity")
	flt.Entity = graph.EntityID(entity)
	flt.MinScore, _ = f.GetFloat64("min-score")
	flt.SinceVersion, _ = f.GetUint64("since")
	flt.IncludeInactive, _ = f.GetBool("all")
	flt.Limit, _ = f.GetInt("limit")
	return flt, nil
}

func runFindings(cmd *cobra.Command, args []string) error {
	flt, err := findingFilter(cmd)
	if err != nil {
		return err
	}
	a, err := setup(cmd)
	if err != nil {
		return err
	}
	defer a.close()

	found := a.det.Findings(flt)
	if a.json {
		if found == nil {
			found = []coi.Finding{}
		}
		return a.printJSON(found)
	}
	if len(found) == 0 {
		fmt.Fprintln(a.out, "No findings.")
		return nil
	}

	snap := a.det.Graph().Snapshot()
	tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tRULE\tCATEGORY\tSCORE\tSTATUS\tENTITIES")
	for _, f := range found {
		id := f.ID[:12]
		if !f.Active {
			id += "*"
		}
		names := make([]string, len(f.Entities))
		for i, b := range f.Entities {
			names[i] = b.Slot + "=" + displayName(snap, b.Entity)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%.3f\t%s\t%s\n",
			id, f.RuleID, f.Category, f.Score, f.Status, strings.Join(names, ", "))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(a.out, "\n%d finding(s); * marks inactive findings\n", len(found))
	return nil
}

func displayName(snap *graph.Snapshot, id graph.EntityID) string {
	if e, ok := snap.Entity(id); ok && e.Name != "" {
		return e.Name
	}
	return string(id)
}

func runExplain(cmd *cobra.Command, args []string) error {
	a, err := setup(cmd)
	if err != nil {
		return err
	}
	defer a.close()

	f, err := a.det.Finding(args[0])
	if err != nil {
		return err
	}
	history, err := a.det.History(f.ID)
	if err != nil {
		return err
	}
	if a.json {
		return a.printJSON(struct {
			coi.Finding
			History []review.Event `json:"history"`
		}{f, history})
	}

	fmt.Fprintf(a.out, "Finding %s (%s, score %.3f, %s)\n", f.ID, f.Category, f.Score, f.Status)
	if !f.Active {
		fmt.Fprintln(a.out, "Inactive: the last full evaluation no longer produced this match.")
	}
	fmt.Fprintln(a.out)
	if err := f.Trace.Render(a.out); err != nil {
		return err
	}
	if err := f.Trace.Verify(); err != nil {
		a.log.Warn("explanation does not replay", "finding", f.ID, "err", err)
	}
	if len(history) > 0 {
		fmt.Fprintln(a.out, "\nReview history:")
		printHistory(a, history)
	}
	return nil
}

func printHistory(a *app, history []review.Event) {
	tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	for _, ev := range history {
		change := string(ev.To)
		if ev.From != ev.To {
			change = string(ev.From) + " -> " + string(ev.To)
		}
		fmt.Fprintf(tw, "  %s\t%s\t%s\t%s\n", ev.At.Format(time.RFC3339), ev.ReviewerID, change, ev.Note)
	}
	tw.Flush()
}

func runReview(cmd *cobra.Command, args []string) error {
	reviewer, _ := cmd.Flags().GetString("reviewer")
	note, _ := cmd.Flags().GetString("note")

	a, err := setup(cmd)
	if err != nil {
		return err
	}
	defer a.close()
	ctx := cmd.Context()

	f, err := a.det.Finding(args[0])
	if err != nil {
		return err
	}

	var ev review.Event
	switch {
	case len(args) == 2:
		status, err := review.ParseStatus(args[1])
		if err != nil {
			return err
		}
		if ev, err = a.det.SetStatus(ctx, f.ID, status, note, reviewer); err != nil {
			return err
		}
	case note != "":
		if ev, err = a.det.Annotate(ctx, f.ID, note, reviewer); err != nil {
			return err
		}
	default:
		history, err := a.det.History(f.ID)
		if err != nil {
			return err
		}
		if a.json {
			return a.printJSON(history)
		}
		fmt.Fprintf(a.out, "Finding %s is %s\n", f.ID, f.Status)
		printHistory(a, history)
		return nil
	}

	if a.json {
		return a.printJSON(ev)
	}
	if ev.From != ev.To {
		fmt.Fprintf(a.out, "Finding %s: %s -> %s\n", f.ID, ev.From, ev.To)
	} else {
		fmt.Fprintf(a.out, "Finding %s: note recorded\n", f.ID)
	}
	return nil
}

func runAnnotate(cmd *cobra.Command, args []string) error {
	category, _ := cmd.Flags().GetString("category")
	author, _ := cmd.Flags().GetString("author")

	a, err := setup(cmd)
	if err != nil {
		return err
	}
	defer a.close()

	id := graph.EntityID(args[0])
	if len(args) == 2 {
		an, err := a.det.AnnotateEntity(cmd.Context(), id, category, args[1], author)
		if err != nil {
			return err
		}
		if a.json {
			return a.printJSON(an)
		}
		fmt.Fprintf(a.out, "Annotated %s (%s)\n", id, an.Category)
		return nil
	}

	notes := a.det.EntityAnnotations(id)
	if a.json {
		if notes == nil {
			notes = []review.Annotation{}
		}
		return a.printJSON(notes)
	}
	if len(notes) == 0 {
		fmt.Fprintf(a.out, "No annotations on %s.\n", id)
		return nil
	}
	tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "AT\tCATEGORY\tAUTHOR\tNOTE")
	for _, n := range notes {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", n.At.Format(time.DateOnly), n.Category, n.Author, n.Note)
	}
	return tw.Flush()
}
