package main

import (
	"fmt"
	"os"
	"sort"

	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli/v2"

	"github.com/one-covenant/basilica-sub000/internal/config"
	"github.com/one-covenant/basilica-sub000/internal/registry"
	"github.com/one-covenant/basilica-sub000/internal/scoring"
)

var statusCommand = &cli.Command{
	Name:   "status",
	Usage:  "Print the current per-category weight allocation view",
	Flags:  []cli.Flag{metagraphFlag},
	Action: showStatus,
}

func showStatus(cliCtx *cli.Context) error {
	cfg, err := loadConfig(cliCtx)
	if err != nil {
		return err
	}
	store, err := registry.Open(cfg.Database, nil)
	if err != nil {
		return err
	}
	defer store.Close()

	emissionCfg, err := config.LoadEmission(cfg.EmissionFile)
	if err != nil {
		return err
	}
	engine := scoring.NewEngine(store, config.StaticEmissionProvider(emissionCfg))

	graph, err := (&fileMetagraphSource{path: cliCtx.String(metagraphFlag.Name)}).load()
	if err != nil {
		return err
	}

	view, err := engine.ByCategory(cliCtx.Context, nil, 24, graph)
	if err != nil {
		return err
	}
	stats := scoring.GetCategoryStatistics(view)

	categories := make([]string, 0, len(stats))
	for category := range stats {
		categories = append(categories, category)
	}
	sort.Strings(categories)

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Category", "Miners", "Total", "Min", "Max", "Average"})
	for _, category := range categories {
		s := stats[category]
		table.Append([]string{
			category,
			fmt.Sprintf("%d", s.MinerCount),
			fmt.Sprintf("%.3f", s.TotalScore),
			fmt.Sprintf("%.3f", s.Min),
			fmt.Sprintf("%.3f", s.Max),
			fmt.Sprintf("%.3f", s.Average),
		})
	}
	table.Render()

	for _, category := range categories {
		entries := view[category]
		fmt.Printf("\n%s top allocations:\n", category)
		for i, entry := range entries {
			if i == 10 {
				fmt.Printf("  … %d more\n", len(entries)-10)
				break
			}
			fmt.Printf("  uid %-5d score %.3f\n", entry.MinerUID, entry.Score)
		}
	}
	return nil
}
