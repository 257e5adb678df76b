// Package orders is the single point of truth for live orders: it assigns
// client ids, validates, dispatches to venue connectors and tracks every
// order until it reaches a terminal state.
package orders

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/xarb-io/xarb/internal/connector"
	"github.com/xarb-io/xarb/internal/monitor"
	"github.com/xarb-io/xarb/pkg/bus"
	"github.com/xarb-io/xarb/pkg/types"
	"github.com/xarb-io/xarb/pkg/xerr"
)

// Config tunes the manager's loops. Zero values take defaults.
type Config struct {
	MonitorInterval time.Duration // poll cadence for non-terminal orders
	CleanupInterval time.Duration
	RetainTerminal  time.Duration // how long terminal orders stay queryable
	OrderTimeout    time.Duration // PENDING orders older than this are cancelled

	// Metrics is optional; nil disables recording.
	Metrics *monitor.Metrics
}

func (c *Config) defaults() {
	if c.MonitorInterval <= 0 {
		c.MonitorInterval = 100 * time.Millisecond
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = 5 * time.Minute
	}
	if c.RetainTerminal <= 0 {
		c.RetainTerminal = time.Hour
	}
	if c.OrderTimeout <= 0 {
		c.OrderTimeout = 30 * time.Second
	}
}

// Manager owns the order table. Orders are mutated only here; callers get
// clones.
type Manager struct {
	registry *connector.Registry
	events   bus.Bus
	cfg      Config
	logger   *logrus.Entry

	mu     sync.RWMutex
	orders map[string]*types.Order

	stopCh  chan struct{}
	wg      sync.WaitGroup
	started bool
}

// NewManager creates an order manager over the registry. events may be nil
// in tests that do not care about the streams.
func NewManager(registry *connector.Registry, events bus.Bus, cfg Config) *Manager {
	cfg.defaults()
	return &Manager{
		registry: registry,
		events:   events,
		cfg:      cfg,
		logger:   logrus.WithField("component", "orders"),
		orders:   make(map[string]*types.Order),
		stopCh:   make(chan struct{}),
	}
}

// Start launches the monitoring and cleanup loops.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.mu.Unlock()

	m.wg.Add(2)
	go m.monitorLoop(ctx)
	go m.cleanupLoop(ctx)
}

// Stop terminates the loops.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return
	}
	m.started = false
	close(m.stopCh)
	m.mu.Unlock()
	m.wg.Wait()
}

func validate(order *types.Order) error {
	switch {
	case order.Symbol == "":
		return xerr.New(xerr.Invalid, "order symbol is empty")
	case order.Side != types.OrderSideBuy && order.Side != types.OrderSideSell:
		return xerr.New(xerr.Invalid, "order side %q", order.Side)
	case order.Type == "":
		return xerr.New(xerr.Invalid, "order type is empty")
	case !order.Quantity.IsPositive():
		return xerr.New(xerr.Invalid, "order quantity must be positive")
	case order.Venue == "":
		return xerr.New(xerr.Invalid, "order venue is empty")
	}
	if (order.Type == types.OrderTypeLimit || order.Type == types.OrderTypeStopLimit) && !order.Price.IsPositive() {
		return xerr.New(xerr.Invalid, "limit order requires a price")
	}
	if (order.Type == types.OrderTypeStop || order.Type == types.OrderTypeStopLimit) && !order.StopPrice.IsPositive() {
		return xerr.New(xerr.Invalid, "stop order requires a stop price")
	}
	return nil
}

// Submit validates, assigns the client id and dispatches the order to its
// venue. The returned clone reflects the venue's immediate answer; further
// transitions arrive via the monitoring loop and the order streams.
func (m *Manager) Submit(ctx context.Context, req *types.Order) (*types.Order, error) {
	if err := validate(req); err != nil {
		return nil, err
	}

	conn, err := m.registry.Get(req.Venue)
	if err != nil {
		return nil, xerr.Wrap(xerr.Invalid, err, "submit")
	}

	order := req.Clone()
	if order.ID == "" {
		order.ID = uuid.NewString()
	}
	order.Status = types.OrderStatusPending
	order.CreatedAt = time.Now()
	order.UpdatedAt = order.CreatedAt

	placed, err := conn.PlaceOrder(ctx, order)
	if err != nil {
		m.cfg.Metrics.VenueError(order.Venue, string(xerr.KindOf(err)))
		if xerr.Is(err, xerr.Rejected) || xerr.Is(err, xerr.Invalid) {
			order.Status = types.OrderStatusRejected
			order.Reason = err.Error()
			order.UpdatedAt = time.Now()
			m.store(order)
			m.publish(ctx, bus.StreamOrdersUpdated, order)
			m.cfg.Metrics.OrderPlaced(order.Venue, order.Status)
		}
		return nil, err
	}

	m.cfg.Metrics.OrderPlaced(placed.Venue, placed.Status)
	m.store(placed)
	m.publish(ctx, bus.StreamOrdersSubmitted, placed)
	if placed.Status == types.OrderStatusFilled {
		m.publish(ctx, bus.StreamOrdersExecuted, placed)
	}

	m.logger.WithField("venue", placed.Venue).
		WithField("symbol", placed.Symbol).
		Infof("Order %s submitted (%s %s %s)", placed.ID, placed.Side, placed.Quantity, placed.Symbol)
	return placed.Clone(), nil
}

// Cancel cancels a live order at its venue and records the reason. Terminal
// orders are left untouched.
func (m *Manager) Cancel(ctx context.Context, id, reason string) error {
	m.mu.RLock()
	order, ok := m.orders[id]
	var snapshot *types.Order
	if ok {
		snapshot = order.Clone()
	}
	m.mu.RUnlock()

	if !ok {
		return xerr.New(xerr.Invalid, "unknown order %s", id)
	}
	if snapshot.IsTerminal() {
		return xerr.New(xerr.Rejected, "order %s already %s", id, snapshot.Status)
	}

	conn, err := m.registry.Get(snapshot.Venue)
	if err != nil {
		return xerr.Wrap(xerr.Internal, err, "cancel")
	}
	if snapshot.VenueID != "" {
		if err := conn.CancelOrder(ctx, snapshot.Symbol, snapshot.VenueID); err != nil && !xerr.Is(err, xerr.Rejected) {
			return err
		}
	}

	m.transition(ctx, id, func(o *types.Order) {
		o.Status = types.OrderStatusCancelled
		o.Reason = reason
	}, bus.StreamOrdersCancelled)
	return nil
}

// Get returns a clone of the tracked order.
func (m *Manager) Get(id string) (*types.Order, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	order, ok := m.orders[id]
	if !ok {
		return nil, false
	}
	return order.Clone(), true
}

// Open returns clones of all non-terminal orders.
func (m *Manager) Open() []*types.Order {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*types.Order
	for _, order := range m.orders {
		if !order.IsTerminal() {
			out = append(out, order.Clone())
		}
	}
	return out
}

func (m *Manager) store(order *types.Order) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders[order.ID] = order.Clone()
}

// transition mutates a tracked order and emits the given stream. A terminal
// order is never re-opened; late venue updates only bump UpdatedAt.
func (m *Manager) transition(ctx context.Context, id string, mutate func(*types.Order), stream string) {
	m.mu.Lock()
	order, ok := m.orders[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	if order.IsTerminal() {
		order.UpdatedAt = time.Now()
		m.mu.Unlock()
		return
	}
	mutate(order)
	order.UpdatedAt = time.Now()
	snapshot := order.Clone()
	m.mu.Unlock()

	m.publish(ctx, stream, snapshot)
	if snapshot.Status == types.OrderStatusFilled {
		m.publish(ctx, bus.StreamOrdersExecuted, snapshot)
	}
}

func (m *Manager) publish(ctx context.Context, stream string, order *types.Order) {
	if m.events == nil {
		return
	}
	if _, err := m.events.Publish(ctx, stream, order); err != nil {
		m.logger.Debugf("publish %s failed: %v", stream, err)
	}
}

func (m *Manager) monitorLoop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.MonitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.pollOpenOrders(ctx)
		case <-m.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (m *Manager) pollOpenOrders(ctx context.Context) {
	for _, order := range m.Open() {
		if order.Status == types.OrderStatusPending && time.Since(order.CreatedAt) > m.cfg.OrderTimeout {
			if err := m.Cancel(ctx, order.ID, "timeout"); err != nil {
				m.logger.Warnf("timeout cancel of %s failed: %v", order.ID, err)
			}
			continue
		}
		if order.VenueID == "" {
			continue
		}

		conn, err := m.registry.Get(order.Venue)
		if err != nil {
			continue
		}
		latest, err := conn.GetOrderStatus(ctx, order.Symbol, order.VenueID)
		if err != nil {
			m.logger.WithField("venue", order.Venue).Debugf("status poll of %s failed: %v", order.ID, err)
			continue
		}
		if latest.Status == order.Status && latest.FilledQty.Equal(order.FilledQty) {
			continue
		}

		m.transition(ctx, order.ID, func(o *types.Order) {
			o.Status = latest.Status
			o.FilledQty = latest.FilledQty
			o.AvgPrice = latest.AvgPrice
		}, bus.StreamOrdersUpdated)
	}
}

func (m *Manager) cleanupLoop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.purgeTerminal()
		case <-m.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (m *Manager) purgeTerminal() {
	cutoff := time.Now().Add(-m.cfg.RetainTerminal)
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, order := range m.orders {
		if order.IsTerminal() && order.UpdatedAt.Before(cutoff) {
			delete(m.orders, id)
		}
	}
}
