package connector

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/xarb-io/xarb/pkg/types"
)

// Factory builds a connector for a venue using credentials from the
// provider. Adapters register themselves in DefaultFactories.
type Factory func(creds types.Credentials) (types.Connector, error)

// DefaultFactories maps catalog venue names to their adapter constructors.
var DefaultFactories = map[string]Factory{
	"binance": func(c types.Credentials) (types.Connector, error) {
		return NewBinance(c.Key, c.Secret), nil
	},
	"kraken": func(c types.Credentials) (types.Connector, error) {
		return NewKraken(c.Key, c.Secret), nil
	},
	"bybit": func(c types.Credentials) (types.Connector, error) {
		return NewBybit(c.Key, c.Secret), nil
	},
	"okx": func(c types.Credentials) (types.Connector, error) {
		return NewOKX(c.Key, c.Secret, c.Passphrase), nil
	},
	"coinbase": func(c types.Credentials) (types.Connector, error) {
		return NewCoinbase(c.Key, c.Secret), nil
	},
	"uniswap": func(c types.Credentials) (types.Connector, error) {
		return NewUniswap(), nil
	},
}

// Registry owns the live set of connectors and their health. Connectors are
// created on demand from factories and cached; unhealthy venues are excluded
// from aggregation until a ping succeeds.
type Registry struct {
	mu         sync.RWMutex
	connectors map[string]types.Connector
	healthy    map[string]bool

	factories map[string]Factory
	creds     types.CredentialsProvider
	logger    *logrus.Entry

	pingInterval time.Duration
	probeSymbol  string
	stopCh       chan struct{}
	wg           sync.WaitGroup
	started      bool
}

// NewRegistry creates an empty registry over the given factories. A nil
// factories map uses DefaultFactories.
func NewRegistry(factories map[string]Factory, creds types.CredentialsProvider) *Registry {
	if factories == nil {
		factories = DefaultFactories
	}
	return &Registry{
		connectors:   make(map[string]types.Connector),
		healthy:      make(map[string]bool),
		factories:    factories,
		creds:        creds,
		logger:       logrus.WithField("component", "registry"),
		pingInterval: 30 * time.Second,
		probeSymbol:  "BTC/USDT",
		stopCh:       make(chan struct{}),
	}
}

// Add registers an already constructed connector (tests, custom venues).
func (r *Registry) Add(c types.Connector) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connectors[c.Name()] = c
	r.healthy[c.Name()] = true
}

// Create builds and caches connectors for the listed venues.
func (r *Registry) Create(venues []string) error {
	for _, venue := range venues {
		r.mu.RLock()
		_, exists := r.connectors[venue]
		r.mu.RUnlock()
		if exists {
			continue
		}

		factory, ok := r.factories[venue]
		if !ok {
			return fmt.Errorf("unsupported venue: %s", venue)
		}

		var creds types.Credentials
		if r.creds != nil {
			var err error
			creds, err = r.creds.Get(venue)
			if err != nil {
				return fmt.Errorf("credentials for %s: %w", venue, err)
			}
		}

		conn, err := factory(creds)
		if err != nil {
			return fmt.Errorf("create connector %s: %w", venue, err)
		}

		r.mu.Lock()
		r.connectors[venue] = conn
		r.healthy[venue] = true
		r.mu.Unlock()
	}
	return nil
}

// ConnectAll connects every cached connector in parallel. A venue that
// fails to connect stays disconnected and unhealthy; it is skipped by the
// aggregator until a ping succeeds.
func (r *Registry) ConnectAll(ctx context.Context) {
	r.mu.RLock()
	conns := make([]types.Connector, 0, len(r.connectors))
	for _, c := range r.connectors {
		conns = append(conns, c)
	}
	r.mu.RUnlock()

	var wg sync.WaitGroup
	for _, c := range conns {
		wg.Add(1)
		go func(c types.Connector) {
			defer wg.Done()
			if err := c.Connect(ctx); err != nil {
				r.logger.WithField("venue", c.Name()).Warnf("connect failed: %v", err)
				r.setHealthy(c.Name(), false)
				return
			}
			r.setHealthy(c.Name(), true)
		}(c)
	}
	wg.Wait()
}

// DisconnectAll disconnects every connector in parallel.
func (r *Registry) DisconnectAll() {
	r.mu.RLock()
	conns := make([]types.Connector, 0, len(r.connectors))
	for _, c := range r.connectors {
		conns = append(conns, c)
	}
	r.mu.RUnlock()

	var wg sync.WaitGroup
	for _, c := range conns {
		wg.Add(1)
		go func(c types.Connector) {
			defer wg.Done()
			if err := c.Disconnect(); err != nil {
				r.logger.WithField("venue", c.Name()).Debugf("disconnect: %v", err)
			}
		}(c)
	}
	wg.Wait()
}

// Connectors returns a snapshot of all cached connectors keyed by venue.
func (r *Registry) Connectors() map[string]types.Connector {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]types.Connector, len(r.connectors))
	for name, c := range r.connectors {
		out[name] = c
	}
	return out
}

// Get returns one connector by venue name.
func (r *Registry) Get(venue string) (types.Connector, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.connectors[venue]
	if !ok {
		return nil, fmt.Errorf("venue %s not registered", venue)
	}
	return c, nil
}

// Connected lists venues that are connected and healthy.
func (r *Registry) Connected() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for name, c := range r.connectors {
		if c.IsConnected() && r.healthy[name] {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// Healthy reports whether a venue is currently usable.
func (r *Registry) Healthy(venue string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.healthy[venue]
}

func (r *Registry) setHealthy(venue string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.healthy[venue] = ok
}

// SelectForArbitrage ranks connected venues by the composite score
// 0.4*trust + 0.3*(1/takerFee) + 0.3*min(vol24h/1e9, 10) and returns the
// top n names.
func (r *Registry) SelectForArbitrage(n int) []string {
	venues := r.Connected()

	type scored struct {
		name  string
		score float64
	}
	ranked := make([]scored, 0, len(venues))
	for _, name := range venues {
		info := VenueInfoFor(name)
		feeTerm := 0.0
		if info.TakerFee.IsPositive() {
			feeTerm, _ = decimal.NewFromInt(1).Div(info.TakerFee).Float64()
		}
		volTerm, _ := info.Volume24h.Div(decimal.NewFromInt(1_000_000_000)).Float64()
		if volTerm > 10 {
			volTerm = 10
		}
		ranked = append(ranked, scored{
			name:  name,
			score: 0.4*info.Trust + 0.3*feeTerm + 0.3*volTerm,
		})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].score == ranked[j].score {
			return ranked[i].name < ranked[j].name
		}
		return ranked[i].score > ranked[j].score
	})

	if n > len(ranked) {
		n = len(ranked)
	}
	out := make([]string, 0, n)
	for _, s := range ranked[:n] {
		out = append(out, s.name)
	}
	return out
}

// StartHealthLoop begins periodic pings that flip venue health. A venue
// comes back once a ping succeeds.
func (r *Registry) StartHealthLoop(ctx context.Context) {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return
	}
	r.started = true
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.pingAll(ctx)
			case <-r.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop terminates the health loop.
func (r *Registry) Stop() {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return
	}
	r.started = false
	close(r.stopCh)
	r.mu.Unlock()
	r.wg.Wait()
}

func (r *Registry) pingAll(ctx context.Context) {
	for name, c := range r.Connectors() {
		if !c.IsConnected() {
			continue
		}
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		_, err := c.GetTicker(pingCtx, r.probeSymbol)
		cancel()
		if err != nil {
			if r.Healthy(name) {
				r.logger.WithField("venue", name).Warnf("ping failed, excluding from aggregation: %v", err)
			}
			r.setHealthy(name, false)
			continue
		}
		if !r.Healthy(name) {
			r.logger.WithField("venue", name).Info("ping ok, venue back in rotation")
		}
		r.setHealthy(name, true)
	}
}
