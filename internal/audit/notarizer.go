package audit

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/org/consentvault/internal/metrics"
	"github.com/org/consentvault/internal/notary"
	"github.com/org/consentvault/internal/storage"
	"github.com/org/consentvault/pkg/models"
	"github.com/rs/zerolog/log"
)

// NotarizerConfig bounds the asynchronous submission pipeline.
type NotarizerConfig struct {
	QueueSize int
	Workers   int
	Timeout   time.Duration
}

// Notarizer submits durable entries to a notary sink in the background and
// attaches the returned reference. Failures are logged and counted only.
type Notarizer struct {
	sink    notary.Sink
	store   storage.StorageBackend
	cfg     NotarizerConfig
	metrics *metrics.Metrics

	mu     sync.RWMutex
	closed bool
	queue  chan *models.AuditEntry
	wg     sync.WaitGroup
}

func NewNotarizer(sink notary.Sink, store storage.StorageBackend, cfg NotarizerConfig, m *metrics.Metrics) *Notarizer {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &Notarizer{
		sink:    sink,
		store:   store,
		cfg:     cfg,
		metrics: m,
		queue:   make(chan *models.AuditEntry, cfg.QueueSize),
	}
}

// Start launches the workers. They run until Stop closes the queue, so entries
// still buffered when ctx is cancelled are submitted before shutdown completes.
func (n *Notarizer) Start(ctx context.Context) {
	for i := 0; i < n.cfg.Workers; i++ {
		n.wg.Add(1)
		go n.worker(ctx)
	}
}

// Enqueue hands an entry to the workers without blocking. A full queue drops the entry.
func (n *Notarizer) Enqueue(e *models.AuditEntry) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.closed {
		return
	}
	select {
	case n.queue <- e:
	default:
		n.metrics.NotaryDropped()
		log.Warn().Str("audit_id", e.ID).Str("subject", e.SubjectID).Msg("notary queue full, entry not notarized")
	}
}

// Stop closes the queue and waits for queued entries to be processed. Later
// Enqueue calls are ignored.
func (n *Notarizer) Stop() {
	n.mu.Lock()
	if !n.closed {
		n.closed = true
		close(n.queue)
	}
	n.mu.Unlock()
	n.wg.Wait()
}

func (n *Notarizer) worker(ctx context.Context) {
	defer n.wg.Done()
	for e := range n.queue {
		n.submit(ctx, e)
	}
}

func (n *Notarizer) submit(ctx context.Context, e *models.AuditEntry) {
	body, err := json.Marshal(e)
	if err != nil {
		n.metrics.Notarized("error")
		log.Error().Err(err).Str("audit_id", e.ID).Msg("encoding entry for notary")
		return
	}

	// Each submission is bounded by the timeout alone and survives cancellation of ctx.
	ctx = context.WithoutCancel(ctx)
	subCtx, cancel := context.WithTimeout(ctx, n.cfg.Timeout)
	ref, err := n.sink.Submit(subCtx, body)
	cancel()
	if err != nil {
		n.metrics.Notarized("error")
		log.Warn().Err(err).Str("audit_id", e.ID).Str("subject", e.SubjectID).Msg("notarization failed")
		return
	}
	if ref == "" {
		n.metrics.Notarized("skipped")
		return
	}

	attachCtx, cancel := context.WithTimeout(ctx, n.cfg.Timeout)
	defer cancel()
	if err := n.store.AttachNotaryRef(attachCtx, e.ID, string(ref)); err != nil {
		n.metrics.Notarized("error")
		log.Warn().Err(err).Str("audit_id", e.ID).Msg("attaching notary reference")
		return
	}
	n.metrics.Notarized("ok")
}
