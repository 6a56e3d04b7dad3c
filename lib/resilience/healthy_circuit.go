package resilience

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"time"
)

// HealthyCircuitConfig tunes the probing circuit.
type HealthyCircuitConfig struct {
	// Breaker tunes the underlying circuit breaker.
	Breaker BreakerConfig
	// CheckInterval is how often the endpoint is probed.
	CheckInterval time.Duration
	// ProbeTimeout bounds a single TCP probe.
	ProbeTimeout time.Duration
}

// DefaultHealthyCircuitConfig returns the defaults used for the uplink.
func DefaultHealthyCircuitConfig() HealthyCircuitConfig {
	return HealthyCircuitConfig{
		Breaker:       DefaultBreakerConfig(),
		CheckInterval: 30 * time.Second,
		ProbeTimeout:  5 * time.Second,
	}
}

// HealthyCircuit is a circuit breaker that is additionally fed by
// periodic TCP probes of the guarded endpoint. A broker that stops
// answering trips the circuit even between publishes, and a broker
// that comes back heals it without waiting for traffic.
type HealthyCircuit struct {
	cfg      HealthyCircuitConfig
	endpoint string
	logger   *slog.Logger
	circuit  *CircuitBreaker

	// probe is swapped out by tests.
	probe func() bool

	mu          sync.Mutex
	healthy     bool
	lastChecked time.Time
	running     bool
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

// NewHealthyCircuit creates a probing circuit for the given endpoint
// (host:port). Zero config fields fall back to the defaults.
func NewHealthyCircuit(name, endpoint string, cfg HealthyCircuitConfig) *HealthyCircuit {
	def := DefaultHealthyCircuitConfig()
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = def.CheckInterval
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = def.ProbeTimeout
	}
	hc := &HealthyCircuit{
		cfg:      cfg,
		endpoint: endpoint,
		logger:   slog.Default().With("component", "resilience", "monitor", name),
		circuit:  NewBreaker(name, cfg.Breaker),
		healthy:  true, // assume up until a probe says otherwise
	}
	hc.probe = hc.dialProbe
	return hc
}

// Start launches the probe loop. Calling Start on a running monitor is
// a no-op.
func (hc *HealthyCircuit) Start(ctx context.Context) error {
	hc.mu.Lock()
	if hc.running {
		hc.mu.Unlock()
		return nil
	}
	hc.running = true
	ctx, hc.cancel = context.WithCancel(ctx)
	hc.mu.Unlock()

	hc.wg.Add(1)
	go func() {
		defer hc.wg.Done()
		hc.check()
		ticker := time.NewTicker(hc.cfg.CheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				hc.check()
			}
		}
	}()
	return nil
}

// Stop halts the probe loop and waits for it to exit.
func (hc *HealthyCircuit) Stop() {
	hc.mu.Lock()
	if !hc.running {
		hc.mu.Unlock()
		return
	}
	hc.running = false
	hc.cancel()
	hc.mu.Unlock()
	hc.wg.Wait()
}

// Execute runs fn through the circuit breaker.
func (hc *HealthyCircuit) Execute(fn func() error) error {
	return hc.circuit.Execute(fn)
}

// IsHealthy reports whether the last probe reached the endpoint.
func (hc *HealthyCircuit) IsHealthy() bool {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	return hc.healthy
}

// CircuitState returns the breaker's current position.
func (hc *HealthyCircuit) CircuitState() CircuitState {
	return hc.circuit.State()
}

// Stats returns combined probe and breaker statistics.
func (hc *HealthyCircuit) Stats() HealthyCircuitStats {
	hc.mu.Lock()
	healthy, checked := hc.healthy, hc.lastChecked
	hc.mu.Unlock()
	return HealthyCircuitStats{
		Healthy:     healthy,
		LastChecked: checked,
		Breaker:     hc.circuit.Stats(),
	}
}

// HealthyCircuitStats is a point-in-time snapshot for diagnostics.
type HealthyCircuitStats struct {
	Healthy     bool
	LastChecked time.Time
	Breaker     BreakerStats
}

// ForceCheck runs one probe immediately, outside the loop's cadence.
func (hc *HealthyCircuit) ForceCheck() { hc.check() }

func (hc *HealthyCircuit) check() {
	up := hc.probe()

	hc.mu.Lock()
	was := hc.healthy
	hc.healthy = up
	hc.lastChecked = time.Now()
	hc.mu.Unlock()

	if up {
		hc.circuit.RecordSuccess()
		if !was {
			hc.logger.Info("endpoint reachable again", "endpoint", hc.endpoint)
		}
	} else {
		hc.circuit.RecordFailure()
		if was {
			hc.logger.Warn("endpoint unreachable", "endpoint", hc.endpoint)
		}
	}
}

// dialProbe checks reachability with a plain TCP connect.
func (hc *HealthyCircuit) dialProbe() bool {
	conn, err := net.DialTimeout("tcp", hc.endpoint, hc.cfg.ProbeTimeout)
	if err != nil {
		hc.logger.Debug("probe failed", "endpoint", hc.endpoint, "error", err)
		return false
	}
	conn.Close()
	return true
}
