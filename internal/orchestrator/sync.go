package orchestrator

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"golang.org/x/sync/errgroup"

	"github.com/one-covenant/basilica-sub000/internal/discovery"
	"github.com/one-covenant/basilica-sub000/internal/model"
)

// MetagraphSource is the read-only chain view collaborator.
type MetagraphSource interface {
	Fetch(ctx context.Context) (*model.Metagraph, error)
}

// AxonEndpoint renders an axon as a dialable host:port.
func AxonEndpoint(axon model.AxonInfo) string {
	ip := net.IPv4(byte(axon.IP>>24), byte(axon.IP>>16), byte(axon.IP>>8), byte(axon.IP))
	return net.JoinHostPort(ip.String(), fmt.Sprintf("%d", axon.Port))
}

// SyncMetagraph applies the miner creation and migration rules for every
// live metagraph entry with a valid axon. Hotkeys the registry already
// knows are processed first so a re-registration relocates its graph before
// any recycled slot overwrite could clear it.
func (o *Orchestrator) SyncMetagraph(ctx context.Context, graph *model.Metagraph) error {
	type entry struct {
		uid      uint16
		hotkey   string
		endpoint string
	}
	var known, fresh []entry

	for uid := 0; uid < len(graph.Hotkeys); uid++ {
		hotkey := graph.Hotkeys[uid]
		axon := graph.AxonAt(uint16(uid))
		if hotkey == "" || !axon.Active() {
			continue
		}
		endpoint := AxonEndpoint(axon)
		if err := discovery.ValidateEndpoint(endpoint); err != nil {
			log.Trace("Skipping miner with invalid axon", "uid", uid, "endpoint", endpoint)
			continue
		}
		e := entry{uid: uint16(uid), hotkey: hotkey, endpoint: endpoint}
		existing, err := o.store.GetMinerByHotkey(ctx, hotkey)
		if err != nil {
			return err
		}
		if existing != nil {
			known = append(known, e)
		} else {
			fresh = append(fresh, e)
		}
	}

	for _, e := range append(known, fresh...) {
		if err := o.store.UpsertMiner(ctx, e.uid, e.hotkey, e.endpoint); err != nil {
			log.Warn("Metagraph sync failed for miner", "uid", e.uid, "err", err)
		}
	}
	log.Debug("Metagraph sync complete", "known", len(known), "new", len(fresh))
	return nil
}

// Run drives the periodic jobs until ctx ends: verification ticks over the
// metagraph, the registry reaper, and metagraph sync.
func (o *Orchestrator) Run(ctx context.Context, source MetagraphSource) error {
	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		ticker := time.NewTicker(o.cfg.Orchestrator.MetagraphSyncInterval.Duration)
		defer ticker.Stop()
		for {
			graph, err := source.Fetch(ctx)
			if err != nil {
				log.Warn("Metagraph fetch failed", "err", err)
			} else if err := o.SyncMetagraph(ctx, graph); err != nil {
				log.Error("Metagraph sync failed", "err", err)
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
			}
		}
	})

	group.Go(func() error {
		ticker := time.NewTicker(o.cfg.Reaper.Interval.Duration)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
			}
			if _, err := o.store.RunReaper(ctx, o.cfg.Reaper); err != nil {
				log.Error("Reaper pass failed", "err", err)
			}
		}
	})

	group.Go(func() error {
		ticker := time.NewTicker(o.cfg.Orchestrator.VerifyInterval.Duration)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
			}
			if err := o.verifyTick(ctx, source); err != nil {
				log.Error("Verification tick failed", "err", err)
			}
		}
	})

	return group.Wait()
}

// verifyTick runs one verification pass over every live miner. Tasks for
// distinct miners run in parallel; the per-executor bound applies within
// each task.
func (o *Orchestrator) verifyTick(ctx context.Context, source MetagraphSource) error {
	graph, err := source.Fetch(ctx)
	if err != nil {
		return err
	}

	group, ctx := errgroup.WithContext(ctx)
	group.SetLimit(4)
	for uid := 0; uid < len(graph.Hotkeys); uid++ {
		uid := uint16(uid)
		axon := graph.AxonAt(uid)
		hotkey := graph.HotkeyAt(uid)
		if hotkey == "" || !axon.Active() {
			continue
		}
		endpoint := AxonEndpoint(axon)
		if discovery.ValidateEndpoint(endpoint) != nil {
			continue
		}
		group.Go(func() error {
			task := model.VerificationTask{
				MinerUID:      uid,
				MinerHotkey:   hotkey,
				MinerEndpoint: endpoint,
			}
			if _, err := o.Verify(ctx, task); err != nil {
				log.Warn("Verification task failed", "miner", uid, "err", err)
			}
			return nil
		})
	}
	return group.Wait()
}
