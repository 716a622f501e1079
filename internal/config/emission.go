package config

import (
	"bytes"
	"fmt"
	"os"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/ethereum/go-ethereum/log"
)

// GPUAllocation is the emission share and admission floor for one canonical
// GPU category.
type GPUAllocation struct {
	Percentage  float64 `yaml:"percentage"`
	MinGPUCount uint32  `yaml:"min_gpu_count"`
	// MinGPUVram is a VRAM floor in GB. 0 and 1 are sentinels meaning "no
	// floor"; any other value requires reported VRAM >= MinGPUVram.
	MinGPUVram uint32 `yaml:"min_gpu_vram"`
}

// HasVramFloor reports whether the allocation carries a real VRAM floor.
func (a GPUAllocation) HasVramFloor() bool { return a.MinGPUVram > 1 }

// EmissionConfig is the YAML sub-document controlling weight emission.
type EmissionConfig struct {
	BurnPercentage         float64                  `yaml:"burn_percentage"`
	BurnUID                uint16                   `yaml:"burn_uid"`
	MinMinersPerCategory   int                      `yaml:"min_miners_per_category"`
	WeightSetIntervalBlocks uint64                  `yaml:"weight_set_interval_blocks"`
	WeightVersionKey       uint64                   `yaml:"weight_version_key"`
	GPUAllocations         map[string]GPUAllocation `yaml:"gpu_allocations"`
}

// LoadEmission parses the emission YAML at path.
func LoadEmission(path string) (*EmissionConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read emission config: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, fmt.Errorf("emission config %s is empty", path)
	}
	var cfg EmissionConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse emission config: %w", err)
	}
	return &cfg, nil
}

// EmissionProvider hands out the current emission config and hot-reloads it
// when the backing file changes. Readers always see a complete snapshot.
type EmissionProvider struct {
	path    string
	current atomic.Pointer[EmissionConfig]
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewEmissionProvider loads path and starts watching it for changes.
func NewEmissionProvider(path string) (*EmissionProvider, error) {
	cfg, err := LoadEmission(path)
	if err != nil {
		return nil, err
	}
	p := &EmissionProvider{path: path, done: make(chan struct{})}
	p.current.Store(cfg)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("emission watcher: %w", err)
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch emission config: %w", err)
	}
	p.watcher = watcher
	go p.watch()
	return p, nil
}

// StaticEmissionProvider wraps a fixed config, for tests and one-shot runs.
func StaticEmissionProvider(cfg *EmissionConfig) *EmissionProvider {
	p := &EmissionProvider{done: make(chan struct{})}
	p.current.Store(cfg)
	return p
}

// Current returns the latest emission config snapshot.
func (p *EmissionProvider) Current() *EmissionConfig { return p.current.Load() }

// Close stops the file watcher.
func (p *EmissionProvider) Close() {
	close(p.done)
	if p.watcher != nil {
		p.watcher.Close()
	}
}

func (p *EmissionProvider) watch() {
	for {
		select {
		case <-p.done:
			return
		case ev, ok := <-p.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			cfg, err := LoadEmission(p.path)
			if err != nil {
				// Keep the last good snapshot on a bad write.
				log.Error("Emission config reload failed", "path", p.path, "err", err)
				continue
			}
			p.current.Store(cfg)
			log.Info("Emission config reloaded", "path", p.path, "categories", len(cfg.GPUAllocations))
		case err, ok := <-p.watcher.Errors:
			if !ok {
				return
			}
			log.Error("Emission config watcher error", "err", err)
		}
	}
}
