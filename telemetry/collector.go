package telemetry

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/gregolly/identity-shield-sdk/behavior"
	"github.com/gregolly/identity-shield-sdk/fingerprint"
)

// Collector is the per-session handle tying a fingerprint, an aggregator
// and a session together. Create one per visit; there is no shared state.
type Collector struct {
	env fingerprint.Environment

	fpOnce sync.Once
	fp     fingerprint.DeviceFingerprint

	agg *behavior.Aggregator

	mu       sync.Mutex
	session  Session
	network  *NetworkInfo
	location *Location

	now    func() time.Time
	logger *zap.Logger
}

// CollectorOption configures a Collector
type CollectorOption func(*collectorOptions)

type collectorOptions struct {
	now     func() time.Time
	logger  *zap.Logger
	aggOpts []behavior.Option
}

// WithCollectorClock replaces time.Now for the session and its aggregator
func WithCollectorClock(now func() time.Time) CollectorOption {
	return func(o *collectorOptions) { o.now = now }
}

// WithCollectorLogger sets the logger
func WithCollectorLogger(l *zap.Logger) CollectorOption {
	return func(o *collectorOptions) { o.logger = l }
}

// WithAggregatorOptions passes options through to the behavior aggregator
func WithAggregatorOptions(opts ...behavior.Option) CollectorOption {
	return func(o *collectorOptions) { o.aggOpts = append(o.aggOpts, opts...) }
}

// NewCollector creates a collector for a visit that arrived from referrer
func NewCollector(env fingerprint.Environment, referrer string, opts ...CollectorOption) *Collector {
	o := collectorOptions{now: time.Now, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}

	aggOpts := append([]behavior.Option{
		behavior.WithClock(o.now),
		behavior.WithLogger(o.logger),
	}, o.aggOpts...)

	return &Collector{
		env:     env,
		agg:     behavior.New(aggOpts...),
		session: NewSession(referrer, o.now()),
		now:     o.now,
		logger:  o.logger,
	}
}

// Start begins behavior collection from sources
func (c *Collector) Start(sources ...behavior.Source) error {
	c.Fingerprint()
	if err := c.agg.Start(c.session.Started(), sources...); err != nil {
		return err
	}
	c.logger.Debug("telemetry collection started", zap.String("session_id", c.session.ID))
	return nil
}

// Stop releases all subscriptions
func (c *Collector) Stop() {
	c.agg.Stop()
}

// Observe feeds an event directly, bypassing sources
func (c *Collector) Observe(ev behavior.Event) {
	c.agg.Observe(ev)
}

// Fingerprint returns the device fingerprint, probing the environment on first use only
func (c *Collector) Fingerprint() fingerprint.DeviceFingerprint {
	c.fpOnce.Do(func() {
		c.fp = fingerprint.Generate(c.env)
		if c.fp.Degraded() {
			c.logger.Debug("fingerprint probes degraded",
				zap.String("canvas", c.fp.Canvas),
				zap.String("webgl", c.fp.WebGL))
		}
	})
	return c.fp.Clone()
}

// SessionID returns the session id
func (c *Collector) SessionID() string {
	return c.session.ID
}

// Visit appends a page to the session history
func (c *Collector) Visit(page string) {
	c.mu.Lock()
	c.session.PagesVisited = append(c.session.PagesVisited, page)
	c.mu.Unlock()
}

// SetNetwork records connection details
func (c *Collector) SetNetwork(n NetworkInfo) {
	c.mu.Lock()
	c.network = &n
	c.mu.Unlock()
}

// SetLocation records a geolocation fix. Location stays absent until set.
func (c *Collector) SetLocation(l Location) {
	c.mu.Lock()
	c.location = &l
	c.mu.Unlock()
}

// Snapshot builds an immutable copy of everything collected so far.
// Collection continues unaffected.
func (c *Collector) Snapshot() (*Snapshot, error) {
	fp := c.Fingerprint()
	m := c.agg.Snapshot()

	c.mu.Lock()
	defer c.mu.Unlock()
	return Build(&fp, &m, c.session, c.network, c.location)
}
