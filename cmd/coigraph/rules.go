package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/orneryd/coigraph/pkg/rules"
	"github.com/orneryd/coigraph/pkg/scoring"
)

func addRuleCommands(rootCmd *cobra.Command) {
	rulesCmd := &cobra.Command{
		Use:   "rules",
		Short: "Rule catalog operations",
	}
	rulesCmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List the patterns of the configured catalog",
		RunE:  runRulesList,
	})
	rulesCmd.AddCommand(&cobra.Command{
		Use:   "validate [catalog.yaml]",
		Short: "Validate a catalog against the configured scoring weights",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runRulesValidate,
	})
	rulesCmd.AddCommand(&cobra.Command{
		Use:   "default",
		Short: "Print the built-in catalog as YAML",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.OutOrStdout().Write(rules.DefaultYAML())
		},
	})
	rootCmd.AddCommand(rulesCmd)
}

// The rules commands only need configuration, not an open detector.

func runRulesList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	catalog, err := loadCatalog(cfg)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		a := &app{out: out}
		return a.printJSON(catalog.Patterns())
	}

	fmt.Fprintf(out, "Catalog %s\n", catalog.Name())
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tVERSION\tENABLED\tSLOTS\tDESCRIPTION")
	for _, p := range catalog.Patterns() {
		slots := make([]string, len(p.Slots))
		for i, s := range p.Slots {
			slots[i] = s.Name + ":" + string(s.Type)
		}
		fmt.Fprintf(tw, "%s\t%d\t%t\t%s\t%s\n", p.ID, p.Version, !p.Disabled, strings.Join(slots, " "), p.Description)
	}
	return tw.Flush()
}

func runRulesValidate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if len(args) == 1 {
		cfg.Rules.CatalogPath = args[0]
	}
	catalog, err := loadCatalog(cfg)
	if err != nil {
		return err
	}
	scorer, err := scoring.New(cfg.Scoring.Config())
	if err != nil {
		return err
	}
	if err := scorer.CheckCatalog(catalog); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Catalog %s is valid: %d pattern(s), %d enabled\n",
		catalog.Name(), catalog.Len(), len(catalog.Enabled()))
	return nil
}
