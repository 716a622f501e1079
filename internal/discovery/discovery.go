// Package discovery implements the miner discovery client: endpoint
// validation, the authenticated gRPC channel to a miner, and roster fetches.
package discovery

import (
	"context"
	"net"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"golang.org/x/time/rate"

	"github.com/one-covenant/basilica-sub000/internal/basilicaerr"
	"github.com/one-covenant/basilica-sub000/internal/config"
	"github.com/one-covenant/basilica-sub000/internal/minerapi"
)

// ExecutorInfo is a discovered executor, normalized from the miner roster.
type ExecutorInfo struct {
	ExecutorID   string
	GRPCEndpoint string
	GPUCount     uint32
	GPUSpecs     string
	CPUSpecs     string
	GPUMemoryGB  uint32
	Location     string
}

// Client discovers executors from miners over authenticated gRPC.
type Client struct {
	cfg    config.DiscoveryConfig
	signer minerapi.Signer

	mu       sync.Mutex
	limiters map[string]*rate.Limiter // per miner endpoint

	// dial is swappable for tests.
	dial func(ctx context.Context, target string, signer minerapi.Signer, timeout time.Duration) (*minerapi.Client, error)
}

// NewClient builds a discovery client with the given hotkey signer.
func NewClient(cfg config.DiscoveryConfig, signer minerapi.Signer) *Client {
	return &Client{
		cfg:      cfg,
		signer:   signer,
		limiters: make(map[string]*rate.Limiter),
		dial:     minerapi.Dial,
	}
}

// ValidateEndpoint rejects endpoints that do not parse, are missing a host,
// or point at a loopback or zero address.
func ValidateEndpoint(endpoint string) error {
	raw := endpoint
	if !strings.Contains(raw, "://") {
		raw = "grpc://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return basilicaerr.New(basilicaerr.KindInvariant, "discovery.validate",
			basilicaerr.ErrInvalidEndpoint)
	}
	host := u.Hostname()
	if host == "" {
		return basilicaerr.Newf(basilicaerr.KindInvariant, "discovery.validate",
			"%w: missing host in %q", basilicaerr.ErrInvalidEndpoint, endpoint)
	}
	if host == "localhost" {
		return basilicaerr.Newf(basilicaerr.KindInvariant, "discovery.validate",
			"%w: loopback host %q", basilicaerr.ErrInvalidEndpoint, endpoint)
	}
	if ip := net.ParseIP(host); ip != nil {
		if ip.IsLoopback() || ip.IsUnspecified() {
			return basilicaerr.Newf(basilicaerr.KindInvariant, "discovery.validate",
				"%w: non-routable host %q", basilicaerr.ErrInvalidEndpoint, endpoint)
		}
	}
	return nil
}

// Target converts a miner endpoint into a gRPC dial target, adding the
// configured port offset to the endpoint's port.
func (c *Client) Target(endpoint string) string {
	raw := endpoint
	if i := strings.Index(raw, "://"); i >= 0 {
		raw = raw[i+3:]
	}
	if c.cfg.GRPCPortOffset == 0 {
		return raw
	}
	host, port, err := net.SplitHostPort(raw)
	if err != nil {
		return raw
	}
	p, err := strconv.ParseUint(port, 10, 16)
	if err != nil {
		return raw
	}
	return net.JoinHostPort(host, strconv.FormatUint(p+uint64(c.cfg.GRPCPortOffset), 10))
}

func (c *Client) limiter(endpoint string) *rate.Limiter {
	c.mu.Lock()
	defer c.mu.Unlock()
	lim, ok := c.limiters[endpoint]
	if !ok {
		perMinute := c.cfg.RequestsPerMinute
		if perMinute <= 0 {
			perMinute = 12
		}
		lim = rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), perMinute)
		c.limiters[endpoint] = lim
	}
	return lim
}

// OpenSession validates the endpoint and establishes the authenticated
// channel. The caller owns the returned connection and must Close it.
func (c *Client) OpenSession(ctx context.Context, endpoint string) (*AuthenticatedConnection, error) {
	if err := ValidateEndpoint(endpoint); err != nil {
		return nil, err
	}
	if err := c.limiter(endpoint).Wait(ctx); err != nil {
		return nil, basilicaerr.Transient("discovery.throttle", err)
	}
	client, err := c.dial(ctx, c.Target(endpoint), c.signer, c.cfg.Timeout.Duration)
	if err != nil {
		return nil, basilicaerr.Transient("discovery.dial", err)
	}
	return &AuthenticatedConnection{client: client, endpoint: endpoint}, nil
}

// Discover fetches the live roster from a miner. Failures are typed and
// never panic the orchestrator; the caller falls back to the registry roster.
func (c *Client) Discover(ctx context.Context, endpoint string, requirements *minerapi.ResourceLimits, lease time.Duration) ([]ExecutorInfo, error) {
	conn, err := c.OpenSession(ctx, endpoint)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	return conn.RequestExecutors(ctx, requirements, lease)
}

// AuthenticatedConnection is an open, hotkey-authenticated miner channel.
type AuthenticatedConnection struct {
	client   *minerapi.Client
	endpoint string
}

// RequestExecutors fetches the miner's advertised roster.
func (a *AuthenticatedConnection) RequestExecutors(ctx context.Context, requirements *minerapi.ResourceLimits, lease time.Duration) ([]ExecutorInfo, error) {
	resp, err := a.client.RequestExecutors(ctx, &minerapi.RequestExecutorsRequest{
		Requirements:  requirements,
		LeaseDuration: lease,
	})
	if err != nil {
		return nil, basilicaerr.Transient("discovery.request_executors", err)
	}

	infos := make([]ExecutorInfo, 0, len(resp.Executors))
	for _, e := range resp.Executors {
		if e.ExecutorID == "" {
			log.Warn("Discovered executor without id, skipping", "miner", a.endpoint)
			continue
		}
		infos = append(infos, ExecutorInfo{
			ExecutorID:   e.ExecutorID,
			GRPCEndpoint: e.GRPCEndpoint,
			GPUCount:     e.GPUCount,
			GPUSpecs:     e.GPUSpecs,
			CPUSpecs:     e.CPUSpecs,
			GPUMemoryGB:  e.GPUMemoryGB,
			Location:     e.Location,
		})
	}
	log.Debug("Discovered executors", "miner", a.endpoint, "count", len(infos))
	return infos, nil
}

// InitiateSshSession asks the miner to install a public key on the executor.
func (a *AuthenticatedConnection) InitiateSshSession(ctx context.Context, executorID, validatorHotkey, publicKey string, duration time.Duration) (*minerapi.SshSessionInfo, error) {
	info, err := a.client.InitiateSshSession(ctx, &minerapi.InitiateSshSessionRequest{
		ExecutorID:      executorID,
		ValidatorHotkey: validatorHotkey,
		PublicKey:       publicKey,
		Duration:        duration,
	})
	if err != nil {
		return nil, basilicaerr.Transient("discovery.initiate_ssh", err)
	}
	return info, nil
}

// CloseSshSession asks the miner to uninstall the session key. Best effort;
// the error is surfaced but callers typically only log it.
func (a *AuthenticatedConnection) CloseSshSession(ctx context.Context, sessionID string) error {
	if err := a.client.CloseSshSession(ctx, sessionID); err != nil {
		return basilicaerr.Transient("discovery.close_ssh", err)
	}
	return nil
}

// Close tears down the channel.
func (a *AuthenticatedConnection) Close() error { return a.client.Close() }
