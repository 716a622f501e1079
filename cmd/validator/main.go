// basilica-validator is the verification and scoring core of the subnet
// validator: it discovers miner executors, attests their GPUs over SSH and
// aggregates per-category weight allocations.
package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
	_ "go.uber.org/automaxprocs"
)

const clientIdentifier = "basilica-validator"

var (
	configFlag = &cli.StringFlag{
		Name:    "config",
		Usage:   "Path to the TOML process configuration",
		Value:   "",
		Aliases: []string{"c"},
	}
	emissionFlag = &cli.StringFlag{
		Name:  "emission",
		Usage: "Path to the YAML emission configuration (overrides config file)",
	}
	metagraphFlag = &cli.StringFlag{
		Name:  "metagraph",
		Usage: "Path to the metagraph snapshot JSON exported by the chain gateway",
	}
	hotkeySeedFlag = &cli.StringFlag{
		Name:  "hotkey-seed",
		Usage: "Path to the validator hotkey seed file",
	}
	verbosityFlag = &cli.IntFlag{
		Name:  "verbosity",
		Usage: "Log verbosity (0=crit .. 5=trace)",
		Value: -1,
	}
)

func main() {
	app := &cli.App{
		Name:    clientIdentifier,
		Usage:   "Basilica validator verification & scoring core",
		Version: version,
		Flags:   []cli.Flag{configFlag, emissionFlag, verbosityFlag},
		Commands: []*cli.Command{
			runCommand,
			statusCommand,
			reapCommand,
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
