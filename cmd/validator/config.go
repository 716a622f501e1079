package main

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/one-covenant/basilica-sub000/internal/basilicalog"
	"github.com/one-covenant/basilica-sub000/internal/config"
	"github.com/one-covenant/basilica-sub000/internal/model"
)

// version is stamped by the build; the dev fallback stays readable.
var version = "0.0.0-dev"

// loadConfig resolves the process configuration from flags and installs the
// logger.
func loadConfig(ctx *cli.Context) (config.Config, error) {
	cfg, err := config.Load(ctx.String(configFlag.Name))
	if err != nil {
		return cfg, err
	}
	if path := ctx.String(emissionFlag.Name); path != "" {
		cfg.EmissionFile = path
	}
	if v := ctx.Int(verbosityFlag.Name); v >= 0 {
		cfg.Logging.Verbosity = v
	}
	if err := basilicalog.Setup(cfg.Logging); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// hotkeySigner signs miner challenges with an ed25519 key derived from the
// operator-provided seed file. Production deployments inject a remote
// signer instead; the contract is the minerapi.Signer interface either way.
type hotkeySigner struct {
	hotkey string
	key    ed25519.PrivateKey
}

func newHotkeySigner(seedPath, hotkey string) (*hotkeySigner, error) {
	raw, err := os.ReadFile(seedPath)
	if err != nil {
		return nil, fmt.Errorf("read hotkey seed: %w", err)
	}
	seedHex := strings.TrimSpace(string(raw))
	seed, err := hex.DecodeString(strings.TrimPrefix(seedHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("decode hotkey seed: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("hotkey seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	return &hotkeySigner{hotkey: hotkey, key: ed25519.NewKeyFromSeed(seed)}, nil
}

func (s *hotkeySigner) Hotkey() string { return s.hotkey }

func (s *hotkeySigner) Sign(msg []byte) ([]byte, error) {
	return ed25519.Sign(s.key, msg), nil
}

// fileMetagraphSource reads metagraph snapshots exported by the chain
// gateway collaborator.
type fileMetagraphSource struct {
	path string
}

func (f *fileMetagraphSource) Fetch(_ context.Context) (*model.Metagraph, error) {
	return f.load()
}

// load reads and decodes the snapshot.
func (f *fileMetagraphSource) load() (*model.Metagraph, error) {
	raw, err := os.ReadFile(f.path)
	if err != nil {
		return nil, fmt.Errorf("read metagraph snapshot: %w", err)
	}
	graph := new(model.Metagraph)
	if err := json.Unmarshal(raw, graph); err != nil {
		return nil, fmt.Errorf("decode metagraph snapshot: %w", err)
	}
	return graph, nil
}
