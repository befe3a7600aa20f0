package resume

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"torrentresume/internal/domain"
	"torrentresume/internal/domain/ports"
	"torrentresume/internal/metrics"
	"torrentresume/internal/telemetry"
)

const (
	defaultWriteQueue = 256
	storeOpTimeout    = 30 * time.Second
)

type writeOp uint8

const (
	opSave writeOp = iota
	opRemove
)

func (op writeOp) String() string {
	if op == opRemove {
		return "remove"
	}
	return "save"
}

type writeJob struct {
	op  writeOp
	rec domain.ResumeRecord

	// commit runs after a successful save.
	commit func()
}

// writer moves resume store I/O off the event loop. Jobs run one at a time in
// submission order, so a removal queued after a save always wins. Neither
// Save nor Remove ever waits for the store.
type writer struct {
	store  ports.ResumeStore
	logger *slog.Logger
	limit  int
	wake   chan struct{}
	done   chan struct{}

	mu      sync.Mutex
	pending []writeJob
	saves   int
	closed  bool
}

func newWriter(store ports.ResumeStore, logger *slog.Logger, queue int) *writer {
	if queue <= 0 {
		queue = defaultWriteQueue
	}
	w := &writer{
		store:  store,
		logger: logger,
		limit:  queue,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go w.run()
	return w
}

// Save enqueues a write. When limit saves are already pending the write is
// dropped and commit is never called, so the torrent stays dirty and is picked
// up again by a later pass.
func (w *writer) Save(rec domain.ResumeRecord, commit func()) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		metrics.WritesSkippedTotal.WithLabelValues("closed").Inc()
		return
	}
	if w.saves >= w.limit {
		metrics.WritesSkippedTotal.WithLabelValues("queue_full").Inc()
		w.logger.Warn("resume: write queue full, dropping save",
			slog.String("id", string(rec.ID)),
		)
		return
	}
	w.saves++
	w.pushLocked(writeJob{op: opSave, rec: rec, commit: commit})
}

// Remove enqueues a deletion. Removals are not bounded by the save limit: a
// lost removal would bring the torrent back on the next start. Saves for the
// same id still waiting in the queue are discarded.
func (w *writer) Remove(id domain.TorrentID) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		metrics.WritesSkippedTotal.WithLabelValues("closed").Inc()
		return
	}
	kept := w.pending[:0]
	for _, job := range w.pending {
		if job.op == opSave && job.rec.ID == id {
			w.saves--
			metrics.WritesSkippedTotal.WithLabelValues("superseded").Inc()
			continue
		}
		if job.op == opRemove && job.rec.ID == id {
			continue
		}
		kept = append(kept, job)
	}
	w.pending = kept
	w.pushLocked(writeJob{op: opRemove, rec: domain.ResumeRecord{ID: id}})
}

func (w *writer) pushLocked(job writeJob) {
	w.pending = append(w.pending, job)
	metrics.WriteQueueDepth.Set(float64(len(w.pending)))
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// next blocks until a job is available. It reports false once the writer is
// closed and the queue is empty.
func (w *writer) next() (writeJob, bool) {
	for {
		w.mu.Lock()
		if len(w.pending) > 0 {
			job := w.pending[0]
			w.pending[0] = writeJob{}
			w.pending = w.pending[1:]
			if job.op == opSave {
				w.saves--
			}
			metrics.WriteQueueDepth.Set(float64(len(w.pending)))
			w.mu.Unlock()
			return job, true
		}
		closed := w.closed
		w.mu.Unlock()
		if closed {
			return writeJob{}, false
		}
		<-w.wake
	}
}

// Close stops accepting jobs and waits for the queue to drain.
func (w *writer) Close(ctx context.Context) error {
	w.mu.Lock()
	if !w.closed {
		w.closed = true
		select {
		case w.wake <- struct{}{}:
		default:
		}
	}
	w.mu.Unlock()

	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *writer) run() {
	defer close(w.done)
	for {
		job, ok := w.next()
		if !ok {
			return
		}
		w.apply(job)
	}
}

func (w *writer) apply(job writeJob) {
	ctx, cancel := context.WithTimeout(context.Background(), storeOpTimeout)
	defer cancel()
	ctx, endSpan := telemetry.StartSpan(ctx, "resume.store."+job.op.String(),
		attribute.String("torrent.id", string(job.rec.ID)),
	)

	start := time.Now()
	var err error
	switch job.op {
	case opSave:
		err = w.store.Save(ctx, job.rec)
	case opRemove:
		err = w.store.Remove(ctx, job.rec.ID)
	}
	endSpan(err)
	metrics.StoreOpDuration.WithLabelValues(job.op.String()).Observe(time.Since(start).Seconds())

	if err != nil {
		metrics.StoreErrorsTotal.WithLabelValues(job.op.String()).Inc()
		w.logger.Warn("resume: store operation failed",
			slog.String("op", job.op.String()),
			slog.String("id", string(job.rec.ID)),
			slog.String("error", err.Error()),
		)
		return
	}
	if job.commit != nil {
		job.commit()
	}
	w.logger.Debug("resume: store operation done",
		slog.String("op", job.op.String()),
		slog.String("id", string(job.rec.ID)),
	)
}
