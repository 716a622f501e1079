// Package orchestrator drives the per-miner verification workflow end to
// end: discovery union, per-executor session handling, strategy dispatch,
// registry reconciliation, validation logs and profile updates.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/ethereum/go-ethereum/event"
	"github.com/ethereum/go-ethereum/log"
	"github.com/hashicorp/go-bexpr"
	"golang.org/x/sync/errgroup"

	"github.com/one-covenant/basilica-sub000/internal/basilicaerr"
	"github.com/one-covenant/basilica-sub000/internal/binaryvalidator"
	"github.com/one-covenant/basilica-sub000/internal/config"
	"github.com/one-covenant/basilica-sub000/internal/discovery"
	"github.com/one-covenant/basilica-sub000/internal/metrics"
	"github.com/one-covenant/basilica-sub000/internal/model"
	"github.com/one-covenant/basilica-sub000/internal/registry"
	"github.com/one-covenant/basilica-sub000/internal/scoring"
	"github.com/one-covenant/basilica-sub000/internal/sshbroker"
	"github.com/one-covenant/basilica-sub000/internal/strategy"
)

// Orchestrator composes the verification core's services. All fields are
// shared read-only handles constructed once at startup.
type Orchestrator struct {
	cfg      config.Config
	disc     *discovery.Client
	sessions *sshbroker.SessionManager
	driver   *binaryvalidator.Driver
	selector *strategy.Selector
	store    *registry.Store
	engine   *scoring.Engine
	rec      *metrics.Recorder

	filter *bexpr.Evaluator // optional executor admission expression

	resultFeed event.Feed
}

// New wires an orchestrator. An invalid executor filter expression is a
// configuration fault and fails construction.
func New(cfg config.Config, disc *discovery.Client, sessions *sshbroker.SessionManager,
	driver *binaryvalidator.Driver, selector *strategy.Selector,
	store *registry.Store, engine *scoring.Engine, rec *metrics.Recorder) (*Orchestrator, error) {

	o := &Orchestrator{
		cfg:      cfg,
		disc:     disc,
		sessions: sessions,
		driver:   driver,
		selector: selector,
		store:    store,
		engine:   engine,
		rec:      rec,
	}
	if expr := cfg.Orchestrator.ExecutorFilter; expr != "" {
		eval, err := bexpr.CreateEvaluator(expr)
		if err != nil {
			return nil, basilicaerr.Fatal("orchestrator.filter", fmt.Errorf("bad executor filter %q: %w", expr, err))
		}
		o.filter = eval
	}
	return o, nil
}

// SubscribeResults delivers completed verification results to ch.
func (o *Orchestrator) SubscribeResults(ch chan<- *model.VerificationResult) event.Subscription {
	return o.resultFeed.Subscribe(ch)
}

// stepRecorder accumulates the task's audit trail.
type stepRecorder struct {
	mu    sync.Mutex
	steps []model.VerificationStep
}

func (r *stepRecorder) add(name string, status model.StepStatus, started time.Time, details string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.steps = append(r.steps, model.VerificationStep{
		Name:     name,
		Status:   status,
		Duration: time.Since(started),
		Details:  details,
	})
}

// Verify executes one verification task: discovery union, the per-executor
// loop with bounded fan-out, persistence, and the profile update. Fatal
// conditions surface to the caller; everything else degrades to failed
// steps.
func (o *Orchestrator) Verify(ctx context.Context, task model.VerificationTask) (*model.VerificationResult, error) {
	started := time.Now()
	steps := new(stepRecorder)

	if o.cfg.Discovery.UseDynamicDiscovery && o.sessions == nil {
		return nil, basilicaerr.Fatal("orchestrator.verify",
			fmt.Errorf("dynamic discovery requires an SSH key manager"))
	}

	if err := o.store.UpsertMiner(ctx, task.MinerUID, task.MinerHotkey, task.MinerEndpoint); err != nil {
		return nil, err
	}

	roster := o.discoverUnion(ctx, task, steps)
	validations := o.verifyExecutors(ctx, task, roster, steps)

	persistStart := time.Now()
	score, gpuWeighted := scoring.ScoreBatch(validations)
	if err := o.engine.UpdateProfile(ctx, task.MinerUID, validations); err != nil {
		steps.add("update_profile", model.StepFailed, persistStart, err.Error())
		return nil, err
	}
	if err := o.store.SetMinerScore(ctx, task.MinerUID, score); err != nil {
		log.Warn("Failed to persist miner score", "miner", task.MinerUID, "err", err)
	}
	steps.add("update_profile", model.StepCompleted, persistStart, "")

	result := &model.VerificationResult{
		MinerUID:     task.MinerUID,
		OverallScore: overallScore(validations),
		Executors:    validations,
		Steps:        steps.steps,
		CompletedAt:  time.Now().UTC(),
	}
	if o.rec != nil {
		outcome := "ok"
		if len(validations) == 0 {
			outcome = "empty"
		}
		o.rec.ObserveTask(outcome, result.OverallScore, time.Since(started))
	}
	o.resultFeed.Send(result)
	log.Info("Verification task complete", "miner", task.MinerUID,
		"executors", len(validations), "score", result.OverallScore,
		"gpu_weighted", gpuWeighted, "elapsed", time.Since(started).Round(time.Millisecond))
	return result, nil
}

// overallScore is the arithmetic mean of per-executor scores, zero when no
// executor verified.
func overallScore(validations []model.ExecutorVerification) float64 {
	if len(validations) == 0 {
		return 0
	}
	total := 0.0
	for _, v := range validations {
		total += v.Score
	}
	return model.ClampScore(total / float64(len(validations)))
}

// discoverUnion merges live discovery with the registry roster, preferring
// discovery rows on id collisions. A discovery failure degrades to the
// known roster.
func (o *Orchestrator) discoverUnion(ctx context.Context, task model.VerificationTask, steps *stepRecorder) []discovery.ExecutorInfo {
	stepStart := time.Now()

	var discovered []discovery.ExecutorInfo
	if o.cfg.Discovery.UseDynamicDiscovery {
		var err error
		discovered, err = o.disc.Discover(ctx, task.MinerEndpoint, nil,
			time.Duration(o.cfg.Rental.DefaultDurationHours)*time.Hour)
		if err != nil {
			if o.rec != nil {
				o.rec.DiscoveryFailures.Inc()
			}
			log.Warn("Discovery failed, falling back to known roster",
				"miner", task.MinerUID, "err", err)
			steps.add("discover", model.StepFailed, stepStart, err.Error())
			stepStart = time.Now()
		}
	}

	seen := mapset.NewThreadUnsafeSet[string]()
	union := make([]discovery.ExecutorInfo, 0, len(discovered))
	for _, info := range discovered {
		if seen.Add(info.ExecutorID) {
			union = append(union, info)
		}
	}

	known, err := o.store.ListExecutorsByMiner(ctx, task.MinerUID)
	if err != nil {
		log.Warn("Registry roster unavailable", "miner", task.MinerUID, "err", err)
	}
	for _, e := range known {
		if seen.Add(e.ID) {
			union = append(union, discovery.ExecutorInfo{
				ExecutorID:   e.ID,
				GRPCEndpoint: e.GRPCAddress,
				GPUCount:     e.GPUCount,
			})
		}
	}

	// Persist the discovered view before verifying so rotation and endpoint
	// guards run up front.
	for _, info := range discovered {
		up := registry.ExecutorUpsert{
			MinerID:     task.MinerUID,
			ExecutorID:  info.ExecutorID,
			GRPCAddress: info.GRPCEndpoint,
			GPUCount:    info.GPUCount,
			GPUSpecs:    registry.GPUSpecs{GPUName: info.GPUSpecs, GPUMemoryGB: info.GPUMemoryGB},
			CPUSpecs:    info.CPUSpecs,
			Location:    info.Location,
		}
		if err := o.store.UpsertExecutor(ctx, up); err != nil {
			if basilicaerr.Is(err, basilicaerr.KindSecurity) {
				log.Warn("Executor endpoint rejected", "miner", task.MinerUID,
					"executor", info.ExecutorID, "err", err)
			} else {
				log.Warn("Executor upsert failed", "miner", task.MinerUID,
					"executor", info.ExecutorID, "err", err)
			}
		}
	}

	steps.add("discover", model.StepCompleted, stepStart,
		fmt.Sprintf("%d discovered, %d total", len(discovered), len(union)))
	return o.applyFilter(union)
}

// applyFilter drops executors failing the configured admission expression.
func (o *Orchestrator) applyFilter(infos []discovery.ExecutorInfo) []discovery.ExecutorInfo {
	if o.filter == nil {
		return infos
	}
	kept := infos[:0]
	for _, info := range infos {
		ok, err := o.filter.Evaluate(map[string]any{
			"executor_id": info.ExecutorID,
			"gpu_count":   int(info.GPUCount),
			"gpu_memory":  int(info.GPUMemoryGB),
			"location":    info.Location,
		})
		if err != nil {
			log.Warn("Executor filter evaluation failed, keeping executor",
				"executor", info.ExecutorID, "err", err)
			ok = true
		}
		if ok {
			kept = append(kept, info)
		}
	}
	return kept
}

// verifyExecutors walks the roster with the configured fan-out. Each
// executor's failure stays its own; the task continues.
func (o *Orchestrator) verifyExecutors(ctx context.Context, task model.VerificationTask, roster []discovery.ExecutorInfo, steps *stepRecorder) []model.ExecutorVerification {
	var mu sync.Mutex
	var validations []model.ExecutorVerification

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(o.cfg.Orchestrator.ExecutorFanout)
	for _, info := range roster {
		info := info
		group.Go(func() error {
			verification := o.verifyExecutor(groupCtx, task, info, steps)
			if verification != nil {
				mu.Lock()
				validations = append(validations, *verification)
				mu.Unlock()
			}
			return nil
		})
	}
	// Goroutines return nil errors by contract; Wait only joins them.
	_ = group.Wait()
	return validations
}

func marshalDetails(details *model.ValidationDetails) []byte {
	raw, err := json.Marshal(details)
	if err != nil {
		return nil
	}
	return raw
}
