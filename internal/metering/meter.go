// Package metering prices datastore requests and tracks payment holds.
//
// A hold is created before any function runs, using the manifest's price
// tiers and an estimate of the output size. It is settled exactly once
// with the real output size, or cancelled when the request fails.
// Payment authorization itself is outside this package; the Meter only
// computes and records amounts.
package metering

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/roach88/datastore/internal/apierr"
	"github.com/roach88/datastore/internal/manifest"
)

// DefaultBytesEstimate is the output size assumed when pricing a hold.
const DefaultBytesEstimate = 256

var (
	// ErrPaymentLimit is returned when a request would cost more than the
	// caller allows.
	ErrPaymentLimit = errors.New("price exceeds payment limit")

	// ErrHoldClosed is returned when a hold is settled or cancelled twice.
	ErrHoldClosed = errors.New("payment hold already closed")
)

// Preferences are the caller's payment constraints.
type Preferences struct {
	// MaxMicrogons caps the held amount. Zero means no cap.
	MaxMicrogons int64
}

// Charge is the price of one runner, crawler or table in a request.
type Charge struct {
	Name      string
	PerQuery  int64
	Minimum   int64
	PerKb     int64
	Microgons int64
}

type metrics struct {
	holds     *prometheus.CounterVec
	microgons *prometheus.CounterVec
	bytes     *prometheus.CounterVec
	active    prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer) *metrics {
	f := promauto.With(reg)
	return &metrics{
		holds: f.NewCounterVec(prometheus.CounterOpts{
			Name: "datastore_payment_holds_total",
			Help: "Payment holds by outcome",
		}, []string{"outcome"}),
		microgons: f.NewCounterVec(prometheus.CounterOpts{
			Name: "datastore_microgons_total",
			Help: "Microgons settled per datastore version",
		}, []string{"version_hash"}),
		bytes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "datastore_output_bytes_total",
			Help: "Output bytes settled per datastore version",
		}, []string{"version_hash"}),
		active: f.NewGauge(prometheus.GaugeOpts{
			Name: "datastore_payment_holds_active",
			Help: "Holds created but not yet settled or cancelled",
		}),
	}
}

// Option configures a Meter.
type Option func(*Meter)

// WithRegisterer registers the meter's metrics with reg instead of a
// private registry.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(m *Meter) { m.reg = reg }
}

// WithLogger sets the meter's logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Meter) { m.logger = l }
}

// WithBytesEstimate sets the output size assumed when pricing holds.
func WithBytesEstimate(n int64) Option {
	return func(m *Meter) { m.bytesEstimate = n }
}

// WithComputePrice adds a node compute fee to every request.
func WithComputePrice(microgons int64) Option {
	return func(m *Meter) { m.computePrice = microgons }
}

// Meter prices requests against a manifest.
type Meter struct {
	reg           prometheus.Registerer
	logger        *slog.Logger
	metrics       *metrics
	bytesEstimate int64
	computePrice  int64
}

// New creates a Meter.
func New(opts ...Option) *Meter {
	m := &Meter{
		logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
		bytesEstimate: DefaultBytesEstimate,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.reg == nil {
		m.reg = prometheus.NewRegistry()
	}
	m.metrics = newMetrics(m.reg)
	return m
}

// Price returns the charges for the named units of m, assuming bytes of
// output. Unknown names are not part of the datastore.
func (mt *Meter) Price(m *manifest.Manifest, units []string, bytes int64) ([]Charge, error) {
	charges := make([]Charge, 0, len(units))
	for _, name := range units {
		c := Charge{Name: name}
		if fn, ok := m.Function(name); ok {
			if len(fn.Prices) > 0 {
				p := fn.Prices[0]
				c.PerQuery, c.Minimum = p.PerQuery, p.Minimum
				if p.AddOns != nil && p.AddOns.PerKb != nil {
					c.PerKb = *p.AddOns.PerKb
				}
			}
		} else if t, ok := m.TablesByName[name]; ok {
			if len(t.Prices) > 0 {
				c.PerQuery = t.Prices[0].PerQuery
			}
		} else {
			return nil, apierr.NewDatastoreNotFound(m.VersionHash + "/" + name)
		}
		c.Microgons = chargeFor(c, bytes)
		charges = append(charges, c)
	}
	return charges, nil
}

// chargeFor is perQuery plus perKb for every started kilobyte, never less
// than the minimum.
func chargeFor(c Charge, bytes int64) int64 {
	total := c.PerQuery
	if c.PerKb > 0 && bytes > 0 {
		total += c.PerKb * ((bytes + 1023) / 1024)
	}
	if total < c.Minimum {
		total = c.Minimum
	}
	return total
}

// CreateHold reserves the estimated price of a request against m.
func (mt *Meter) CreateHold(ctx context.Context, m *manifest.Manifest, units []string, prefs Preferences) (*Hold, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	charges, err := mt.Price(m, units, mt.bytesEstimate)
	if err != nil {
		return nil, err
	}
	held := mt.computePrice
	for _, c := range charges {
		held += c.Microgons
	}
	if prefs.MaxMicrogons > 0 && held > prefs.MaxMicrogons {
		mt.metrics.holds.WithLabelValues("rejected").Inc()
		return nil, fmt.Errorf("hold %d microgons for %s: %w (limit %d)",
			held, m.VersionHash, ErrPaymentLimit, prefs.MaxMicrogons)
	}

	h := &Hold{
		ID:          uuid.NewString(),
		VersionHash: m.VersionHash,
		Microgons:   held,
		meter:       mt,
		charges:     charges,
	}
	mt.metrics.holds.WithLabelValues("created").Inc()
	mt.metrics.active.Inc()
	mt.logger.Debug("payment hold created", "hold_id", h.ID, "version_hash", h.VersionHash, "microgons", held)
	return h, nil
}

// Hold is reserved payment for one request.
type Hold struct {
	ID          string
	VersionHash string

	// Microgons is the estimated amount held.
	Microgons int64

	meter *Meter

	mu      sync.Mutex
	closed  bool
	charges []Charge
}

// Settle charges the hold for bytes of output and closes it. It returns
// the total microgons charged.
func (h *Hold) Settle(ctx context.Context, bytes int64) (int64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return 0, fmt.Errorf("settle %s: %w", h.ID, ErrHoldClosed)
	}
	h.closed = true

	total := h.meter.computePrice
	for i := range h.charges {
		h.charges[i].Microgons = chargeFor(h.charges[i], bytes)
		total += h.charges[i].Microgons
	}

	m := h.meter.metrics
	m.active.Dec()
	m.holds.WithLabelValues("settled").Inc()
	m.microgons.WithLabelValues(h.VersionHash).Add(float64(total))
	m.bytes.WithLabelValues(h.VersionHash).Add(float64(bytes))
	h.meter.logger.Info("payment settled",
		"hold_id", h.ID, "version_hash", h.VersionHash, "bytes", bytes, "microgons", total)
	return total, nil
}

// Cancel releases the hold without charging. Cancelling a closed hold is a
// no-op.
func (h *Hold) Cancel() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	h.meter.metrics.active.Dec()
	h.meter.metrics.holds.WithLabelValues("cancelled").Inc()
}

// Charges returns the per-unit charges, final once the hold is settled.
func (h *Hold) Charges() []Charge {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Charge(nil), h.charges...)
}
