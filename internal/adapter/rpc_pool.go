package adapter

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/token-gate/internal/logging"
)

const defaultCooldown = 60 * time.Second

// RPCPool holds the RPC endpoints of one chain, primary first. It stays on the
// current endpoint until that endpoint is rate limited (429) and then moves to
// the next one that is not cooling down. Moving only affects later calls.
type RPCPool struct {
	mu        sync.RWMutex
	endpoints []*rpcEndpoint
	current   int
	cooldown  time.Duration
	now       func() time.Time
}

type rpcEndpoint struct {
	url    string
	client *ethclient.Client
	// limitedAt is zero unless the endpoint was rate limited
	limitedAt time.Time
}

// RPCPoolConfig holds configuration for creating an RPC pool
type RPCPoolConfig struct {
	// Endpoints is a list of RPC URLs, primary first
	Endpoints []string
	// CooldownTime is how long a rate-limited endpoint is skipped. Default: 60 seconds
	CooldownTime time.Duration
}

// NewRPCPool dials the primary endpoint. Fallbacks are dialed when first used.
func NewRPCPool(cfg *RPCPoolConfig) (*RPCPool, error) {
	if cfg == nil || len(cfg.Endpoints) == 0 {
		return nil, fmt.Errorf("at least one RPC endpoint is required")
	}

	pool := &RPCPool{
		endpoints: make([]*rpcEndpoint, len(cfg.Endpoints)),
		cooldown:  cfg.CooldownTime,
		now:       time.Now,
	}
	if pool.cooldown <= 0 {
		pool.cooldown = defaultCooldown
	}
	for i, url := range cfg.Endpoints {
		pool.endpoints[i] = &rpcEndpoint{url: url}
	}

	if err := pool.endpoints[0].dial(); err != nil {
		return nil, fmt.Errorf("failed to connect to primary RPC endpoint: %w", err)
	}

	logging.WithField("endpoints", len(cfg.Endpoints)).Debug("RPC pool initialized")
	return pool, nil
}

func (e *rpcEndpoint) dial() error {
	if e.client != nil {
		return nil
	}
	client, err := ethclient.Dial(e.url)
	if err != nil {
		return err
	}
	e.client = client
	return nil
}

// coolingDown reports whether the endpoint is still skipped at now; an
// expired cooldown is cleared
func (e *rpcEndpoint) coolingDown(now time.Time, cooldown time.Duration) bool {
	if e.limitedAt.IsZero() {
		return false
	}
	if now.Sub(e.limitedAt) < cooldown {
		return true
	}
	e.limitedAt = time.Time{}
	return false
}

// GetClient returns the client of the current endpoint
func (p *RPCPool) GetClient() *ethclient.Client {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.endpoints[p.current].client
}

// GetCurrentURL returns the URL of the current endpoint
func (p *RPCPool) GetCurrentURL() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.endpoints[p.current].url
}

// GetCurrentIndex returns the index of the current endpoint
func (p *RPCPool) GetCurrentIndex() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.current
}

// EndpointCount returns the number of endpoints in the pool
func (p *RPCPool) EndpointCount() int {
	return len(p.endpoints)
}

// OnRateLimited puts the current endpoint in cooldown and moves to the next
// available one. It fails when every endpoint is cooling down or unreachable.
func (p *RPCPool) OnRateLimited(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	from := p.current
	p.endpoints[from].limitedAt = now

	logger := logging.FromContext(ctx).WithField("endpoint", from)
	logger.Warn("RPC endpoint rate limited")

	for step := 1; step < len(p.endpoints); step++ {
		next := (from + step) % len(p.endpoints)
		endpoint := p.endpoints[next]
		if endpoint.coolingDown(now, p.cooldown) {
			continue
		}
		if err := endpoint.dial(); err != nil {
			logger.WithError(err).Warnf("Failed to connect to RPC endpoint %d", next)
			continue
		}
		p.current = next
		logger.Infof("Switched to RPC endpoint %d", next)
		return nil
	}

	return fmt.Errorf("all %d RPC endpoints are rate limited", len(p.endpoints))
}

// TryResetToPrimary moves back to the primary endpoint once its cooldown has
// expired and reports whether the pool is on the primary
func (p *RPCPool) TryResetToPrimary() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.current == 0 {
		return true
	}
	primary := p.endpoints[0]
	if primary.coolingDown(p.now(), p.cooldown) {
		return false
	}
	if err := primary.dial(); err != nil {
		logging.WithError(err).Warn("Failed to reconnect to primary RPC endpoint")
		return false
	}

	p.current = 0
	logging.Debug("Reset to primary RPC endpoint")
	return true
}

// IsRateLimitError reports whether err looks like a provider rate limit.
// Context cancellation and deadlines never count.
func IsRateLimitError(err error) bool {
	if err == nil || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"429", "rate limit", "too many requests", "exceeded", "throttl"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// Close closes all dialed clients
func (p *RPCPool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, endpoint := range p.endpoints {
		if endpoint.client != nil {
			endpoint.client.Close()
			endpoint.client = nil
		}
	}
}

// Status returns a point-in-time view of the pool
func (p *RPCPool) Status() *RPCPoolStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()

	now := p.now()
	status := &RPCPoolStatus{
		TotalEndpoints: len(p.endpoints),
		CurrentIndex:   p.current,
		EndpointStatus: make([]EndpointStatus, len(p.endpoints)),
	}
	for i, endpoint := range p.endpoints {
		es := EndpointStatus{
			Index:     i,
			Connected: endpoint.client != nil,
			IsCurrent: i == p.current,
		}
		if !endpoint.limitedAt.IsZero() {
			if remaining := p.cooldown - now.Sub(endpoint.limitedAt); remaining > 0 {
				es.InCooldown = true
				es.CooldownRemaining = remaining
			}
		}
		status.EndpointStatus[i] = es
	}
	return status
}

// RPCPoolStatus represents the current status of the RPC pool
type RPCPoolStatus struct {
	TotalEndpoints int
	CurrentIndex   int
	EndpointStatus []EndpointStatus
}

// EndpointStatus represents the status of a single endpoint
type EndpointStatus struct {
	Index             int
	Connected         bool
	IsCurrent         bool
	InCooldown        bool
	CooldownRemaining time.Duration
}
