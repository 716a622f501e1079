package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/ethereum/go-ethereum/log"
	"github.com/urfave/cli/v2"

	"github.com/one-covenant/basilica-sub000/internal/basilicalog"
	"github.com/one-covenant/basilica-sub000/internal/binaryvalidator"
	"github.com/one-covenant/basilica-sub000/internal/config"
	"github.com/one-covenant/basilica-sub000/internal/discovery"
	"github.com/one-covenant/basilica-sub000/internal/metrics"
	"github.com/one-covenant/basilica-sub000/internal/orchestrator"
	"github.com/one-covenant/basilica-sub000/internal/registry"
	"github.com/one-covenant/basilica-sub000/internal/scoring"
	"github.com/one-covenant/basilica-sub000/internal/sshbroker"
	"github.com/one-covenant/basilica-sub000/internal/strategy"
)

var runCommand = &cli.Command{
	Name:   "run",
	Usage:  "Run the verification core: discovery, attestation, scoring, reaper",
	Flags:  []cli.Flag{metagraphFlag, hotkeySeedFlag},
	Action: runValidator,
}

func runValidator(cliCtx *cli.Context) error {
	cfg, err := loadConfig(cliCtx)
	if err != nil {
		return err
	}
	basilicalog.Banner(version)

	signer, err := newHotkeySigner(cliCtx.String(hotkeySeedFlag.Name), cfg.Orchestrator.ValidatorHotkey)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rec := metrics.NewRecorder()
	if cfg.Metrics.Enabled {
		go func() {
			log.Info("Metrics endpoint up", "addr", cfg.Metrics.Addr)
			if err := http.ListenAndServe(cfg.Metrics.Addr, rec.Handler()); err != nil {
				log.Error("Metrics endpoint failed", "err", err)
			}
		}()
	}

	store, err := registry.Open(cfg.Database, rec)
	if err != nil {
		return err
	}
	defer store.Close()
	if err := store.EnsureSchema(ctx); err != nil {
		return err
	}

	emission, err := config.NewEmissionProvider(cfg.EmissionFile)
	if err != nil {
		return err
	}
	defer emission.Close()

	keys, err := sshbroker.NewLocalKeyManager(cfg.SSH.KeyDir)
	if err != nil {
		return err
	}
	sessions := sshbroker.NewSessionManager(sshbroker.NewBroker(cfg.SSH, rec), keys)

	orch, err := orchestrator.New(cfg,
		discovery.NewClient(cfg.Discovery, signer),
		sessions,
		binaryvalidator.NewDriver(cfg.BinaryValidation, rec),
		strategy.NewSelector(store, cfg.Strategy),
		store,
		scoring.NewEngine(store, emission),
		rec,
	)
	if err != nil {
		return err
	}

	source := &fileMetagraphSource{path: cliCtx.String(metagraphFlag.Name)}
	log.Info("Verification core starting",
		"hotkey", cfg.Orchestrator.ValidatorHotkey,
		"verify_interval", cfg.Orchestrator.VerifyInterval,
		"reaper_interval", cfg.Reaper.Interval)
	err = orch.Run(ctx, source)
	if err == context.Canceled {
		log.Info("Verification core stopped")
		return nil
	}
	return err
}

var reapCommand = &cli.Command{
	Name:  "reap",
	Usage: "Run a single reaper pass against the registry and exit",
	Action: func(cliCtx *cli.Context) error {
		cfg, err := loadConfig(cliCtx)
		if err != nil {
			return err
		}
		store, err := registry.Open(cfg.Database, nil)
		if err != nil {
			return err
		}
		defer store.Close()

		stats, err := store.RunReaper(cliCtx.Context, cfg.Reaper)
		if err != nil {
			return err
		}
		log.Info("Reaper pass finished",
			"released", stats.ReleasedOfflineAssignments,
			"stale_assignments", stats.StaleAssignmentsDeleted,
			"purged", stats.WholesalePurges,
			"failed_executors", stats.FailedExecutorsDeleted,
			"stale_executors", stats.StaleExecutorsDeleted,
			"profiles", stats.ProfilesRecomputed)
		return nil
	},
}
