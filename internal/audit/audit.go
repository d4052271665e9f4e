// Package audit records policy decisions and mutation-affecting errors.
// Entries are batched in memory and flushed to the persistence sink on an
// interval, on batch-size pressure, and at shutdown.
// All methods are nil-safe: a nil *Recorder is a no-op.
package audit

import (
	"log/slog"
	"sync"
	"time"
)

// Entry is one audit record. It carries the route, the decision, and the
// policy mode, and deliberately never the credential value.
type Entry struct {
	Route      string    `json:"route"`
	BridgeID   string    `json:"bridgeId,omitempty"`
	Decision   string    `json:"decision"`
	PolicyMode string    `json:"policyMode,omitempty"`
	OriginKey  string    `json:"originKey,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Sink persists flushed audit batches.
type Sink interface {
	InsertAuditEntries(entries []Entry) error
}

// Config holds recorder tuning.
type Config struct {
	FlushInterval time.Duration // how often to flush queued entries (default: 10s)
	MaxBatchSize  int           // immediate flush threshold (default: 20)
	MaxQueueSize  int           // maximum queued entries before dropping (default: 500)
}

// Recorder batches audit entries and flushes them to the sink.
// It is safe to call methods on a nil *Recorder; they simply no-op.
type Recorder struct {
	sink   Sink
	config Config

	mu      sync.Mutex
	queue   []Entry
	started bool
	stopC   chan struct{}
	doneC   chan struct{}
}

// New creates a Recorder with the given configuration.
func New(sink Sink, cfg Config) *Recorder {
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 10 * time.Second
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 20
	}
	if cfg.MaxQueueSize <= 0 {
		cfg.MaxQueueSize = 500
	}

	return &Recorder{
		sink:   sink,
		config: cfg,
		queue:  make([]Entry, 0, cfg.MaxBatchSize),
		stopC:  make(chan struct{}),
		doneC:  make(chan struct{}),
	}
}

// Record queues one audit entry. When the queue is full the oldest entry
// is dropped; audit is best-effort and must never block request handling.
func (r *Recorder) Record(entry Entry) {
	if r == nil {
		return
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	slog.Info("audit",
		"route", entry.Route,
		"bridgeId", entry.BridgeID,
		"decision", entry.Decision,
		"policyMode", entry.PolicyMode,
		"originKey", entry.OriginKey,
	)

	r.mu.Lock()
	if len(r.queue) >= r.config.MaxQueueSize {
		r.queue = r.queue[1:]
	}
	r.queue = append(r.queue, entry)
	flushNow := len(r.queue) >= r.config.MaxBatchSize
	r.mu.Unlock()

	if flushNow {
		r.Flush()
	}
}

// Start launches the background flush loop.
func (r *Recorder) Start() {
	if r == nil {
		return
	}
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return
	}
	r.started = true
	r.mu.Unlock()

	go func() {
		defer close(r.doneC)
		ticker := time.NewTicker(r.config.FlushInterval)
		defer ticker.Stop()

		for {
			select {
			case <-r.stopC:
				r.Flush()
				return
			case <-ticker.C:
				r.Flush()
			}
		}
	}()
}

// Flush writes all queued entries to the sink. Failed batches are
// re-queued at the front so a transient sink error loses nothing.
func (r *Recorder) Flush() {
	if r == nil || r.sink == nil {
		return
	}

	r.mu.Lock()
	if len(r.queue) == 0 {
		r.mu.Unlock()
		return
	}
	batch := r.queue
	r.queue = make([]Entry, 0, r.config.MaxBatchSize)
	r.mu.Unlock()

	if err := r.sink.InsertAuditEntries(batch); err != nil {
		slog.Warn("Audit flush failed, re-queueing batch", "entries", len(batch), "error", err)
		r.mu.Lock()
		r.queue = append(batch, r.queue...)
		if len(r.queue) > r.config.MaxQueueSize {
			r.queue = r.queue[len(r.queue)-r.config.MaxQueueSize:]
		}
		r.mu.Unlock()
	}
}

// Shutdown stops the flush loop and drains the queue.
func (r *Recorder) Shutdown() {
	if r == nil {
		return
	}
	r.mu.Lock()
	running := r.started
	r.mu.Unlock()

	close(r.stopC)
	if running {
		<-r.doneC
	} else {
		r.Flush()
	}
}
