// Package monitor collects server performance samples, by connector push and
// by hub poll, and flushes them to storage in batches.
package monitor

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/mochi-link/mochi/internal/events"
	"github.com/mochi-link/mochi/internal/model"
	"github.com/mochi-link/mochi/internal/protocol"
	"github.com/mochi-link/mochi/internal/storage"
	"github.com/mochi-link/mochi/internal/telemetry"
)

// maxBufferCapacity is the hard upper limit on buffered samples. Monitoring
// is lossy by contract, so overflow drops the sample instead of blocking.
const maxBufferCapacity = 50_000

// pollTimeout bounds one monitor.report round-trip during a poll sweep.
const pollTimeout = 5 * time.Second

// Requester is the slice of the connection hub the poller needs.
type Requester interface {
	OnlineServers() []string
	SendRequest(ctx context.Context, serverID, op string, data any, timeout time.Duration) (json.RawMessage, error)
}

// Collector buffers monitoring samples in memory and flushes them to the
// database when either the batch size or the flush interval is reached.
// Connector-pushed monitor.report events arrive through the broker; servers
// that stay silent for two report intervals get polled instead.
type Collector struct {
	db     *storage.DB
	hub    Requester
	broker *events.Broker
	logger *slog.Logger

	interval  time.Duration
	batchSize int

	mu       sync.Mutex
	samples  []model.MonitoringSample
	lastPush map[string]time.Time

	dropped atomic.Int64

	flushCh    chan struct{}
	done       chan struct{}
	cancelLoop context.CancelFunc
	drainCtx   context.Context
	unsub      func()
}

// NewCollector creates a collector. interval is the push/poll cadence;
// batchSize triggers an early flush when reached.
func NewCollector(db *storage.DB, h Requester, broker *events.Broker, logger *slog.Logger, interval time.Duration, batchSize int) *Collector {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	if batchSize <= 0 {
		batchSize = 256
	}
	return &Collector{
		db:        db,
		hub:       h,
		broker:    broker,
		logger:    logger.With("component", "monitor"),
		interval:  interval,
		batchSize: batchSize,
		lastPush:  make(map[string]time.Time),
		flushCh:   make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
}

// Start subscribes to pushed reports and begins the poll/flush loop.
// Call Drain to stop.
func (c *Collector) Start(ctx context.Context) {
	c.registerMetrics()

	ch, cancel := c.broker.Subscribe(events.Subscription{Types: []string{protocol.OpMonitorReport}})
	c.unsub = cancel

	loopCtx, cancelLoop := context.WithCancel(ctx)
	c.cancelLoop = cancelLoop
	go c.loop(loopCtx, ch)
}

// Ingest buffers one sample. Zero CollectedAt is stamped with the current
// time. Returns false if the buffer is full and the sample was dropped.
func (c *Collector) Ingest(s model.MonitoringSample) bool {
	if s.ServerID == "" {
		return false
	}
	if s.CollectedAt.IsZero() {
		s.CollectedAt = time.Now().UTC()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.samples) >= maxBufferCapacity {
		c.dropped.Add(1)
		return false
	}
	c.samples = append(c.samples, s)
	c.lastPush[s.ServerID] = s.CollectedAt

	if len(c.samples) >= c.batchSize {
		select {
		case c.flushCh <- struct{}{}:
		default:
		}
	}
	return true
}

func (c *Collector) loop(ctx context.Context, ch <-chan events.Event) {
	flushTicker := time.NewTicker(c.interval)
	defer flushTicker.Stop()
	pollTicker := time.NewTicker(c.interval)
	defer pollTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			if c.drainCtx != nil {
				c.flush(c.drainCtx)
			} else {
				fallbackCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				c.flush(fallbackCtx)
				cancel()
			}
			close(c.done)
			return
		case e, ok := <-ch:
			if !ok {
				ch = nil
				continue
			}
			c.Ingest(SampleFromEvent(e))
		case <-pollTicker.C:
			c.pollStale(ctx)
		case <-flushTicker.C:
			c.flush(ctx)
		case <-c.flushCh:
			c.flush(ctx)
		}
	}
}

// pollStale requests a report from every online server that has not pushed
// within two intervals. Poll failures are logged and skipped; the next sweep
// retries.
func (c *Collector) pollStale(ctx context.Context) {
	cutoff := time.Now().Add(-2 * c.interval)

	for _, serverID := range c.hub.OnlineServers() {
		c.mu.Lock()
		last, seen := c.lastPush[serverID]
		c.mu.Unlock()
		if seen && last.After(cutoff) {
			continue
		}

		raw, err := c.hub.SendRequest(ctx, serverID, protocol.OpMonitorReport, nil, pollTimeout)
		if err != nil {
			c.logger.Debug("monitor poll failed", "server_id", serverID, "error", err)
			continue
		}
		var data map[string]any
		if err := json.Unmarshal(raw, &data); err != nil {
			c.logger.Debug("monitor poll returned malformed data", "server_id", serverID, "error", err)
			continue
		}
		c.Ingest(parseSample(serverID, data, time.Now().UTC()))
	}
}

func (c *Collector) flush(ctx context.Context) {
	c.mu.Lock()
	if len(c.samples) == 0 {
		c.mu.Unlock()
		return
	}
	batch := c.samples
	c.samples = nil
	c.mu.Unlock()

	if err := c.db.InsertMonitoringSamples(ctx, batch); err != nil {
		// Samples are lossy: the next report supersedes a lost one, so a
		// failed batch is dropped rather than requeued.
		c.dropped.Add(int64(len(batch)))
		c.logger.Error("monitor flush failed, batch dropped", "error", err, "batch_size", len(batch))
		return
	}

	c.logger.Debug("monitor batch flushed", "batch_size", len(batch))
}

// Drain stops the loop, waits for the final flush, and unsubscribes from the
// broker. The ctx deadline bounds the final flush.
func (c *Collector) Drain(ctx context.Context) {
	c.drainCtx = ctx
	if c.unsub != nil {
		c.unsub()
	}
	if c.cancelLoop != nil {
		c.cancelLoop()
	}
	select {
	case <-c.done:
	case <-ctx.Done():
		c.logger.Warn("monitor drain timed out waiting for flush")
	}
}

// Len returns the current number of buffered samples.
func (c *Collector) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.samples)
}

// Dropped returns the total samples lost to capacity or flush failure.
func (c *Collector) Dropped() int64 {
	return c.dropped.Load()
}

func (c *Collector) registerMetrics() {
	meter := telemetry.Meter("mochi/monitor")

	_, _ = meter.Int64ObservableGauge("mochi.monitor.buffer_depth",
		metric.WithDescription("Current number of samples in the monitoring write buffer"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(c.Len()))
			return nil
		}),
	)

	_, _ = meter.Int64ObservableGauge("mochi.monitor.dropped_total",
		metric.WithDescription("Total monitoring samples dropped"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(c.Dropped())
			return nil
		}),
	)
}

// SampleFromEvent converts a pushed monitor.report event into a sample.
func SampleFromEvent(e events.Event) model.MonitoringSample {
	return parseSample(e.ServerID, e.Data, e.Timestamp)
}

// parseSample reads the wire fields defensively: connectors written against
// older protocol revisions may omit fields or send them as strings.
func parseSample(serverID string, data map[string]any, at time.Time) model.MonitoringSample {
	s := model.MonitoringSample{ServerID: serverID, CollectedAt: at}
	s.TPS = floatField(data, "tps")
	s.MSPT = floatField(data, "mspt")
	s.CPUPercent = floatField(data, "cpuPercent")
	s.MemUsedMB = intField(data, "memUsedMb")
	s.MemMaxMB = intField(data, "memMaxMb")
	if v := intField(data, "playerCount"); v != nil {
		n := int(*v)
		s.PlayerCount = &n
	}
	if v := intField(data, "maxPlayers"); v != nil {
		n := int(*v)
		s.MaxPlayers = &n
	}
	return s
}

func floatField(data map[string]any, key string) *float64 {
	switch v := data[key].(type) {
	case float64:
		return &v
	case json.Number:
		if f, err := v.Float64(); err == nil {
			return &f
		}
	}
	return nil
}

func intField(data map[string]any, key string) *int64 {
	switch v := data[key].(type) {
	case float64:
		n := int64(v)
		return &n
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return &n
		}
	}
	return nil
}
