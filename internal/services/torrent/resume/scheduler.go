// Package resume keeps per-torrent resume data on disk up to date without
// saving every torrent at once.
//
// A Scheduler reacts to engine events on a single goroutine. Each event is
// followed by a throttled pass that walks the active set round-robin and asks
// the engine for fresh resume data from as many torrents as the elapsed time
// allows, so the whole set is covered about once per save interval.
package resume

import (
	"context"
	"log/slog"
	"math/bits"
	"sync/atomic"
	"time"

	"torrentresume/internal/domain"
	"torrentresume/internal/domain/ports"
	"torrentresume/internal/metrics"
)

// DefaultInterval is the time to cycle through the whole active set once.
const DefaultInterval = 5 * time.Minute

const (
	reasonThrottled  = "throttled"
	reasonAdded      = "added"
	reasonMetadata   = "metadata"
	reasonCheckpoint = "checkpoint"
)

type Config struct {
	Engine     ports.Engine
	Store      ports.ResumeStore
	Logger     *slog.Logger
	Interval   time.Duration
	Now        func() time.Time
	WriteQueue int
}

// Status is a point-in-time view of the scheduler.
type Status struct {
	Tracked         int       `json:"tracked"`
	InFlight        int       `json:"inFlight"`
	Cursor          int       `json:"cursor"`
	LastSave        time.Time `json:"lastSave"`
	IntervalSeconds float64   `json:"intervalSeconds"`
	SavesRequested  uint64    `json:"savesRequested"`
	SavesCompleted  uint64    `json:"savesCompleted"`
	SavesFailed     uint64    `json:"savesFailed"`
	WritesSkipped   uint64    `json:"writesSkipped"`
}

type Scheduler struct {
	engine   ports.Engine
	writer   *writer
	logger   *slog.Logger
	now      func() time.Time
	interval time.Duration

	// Everything below is owned by the event loop goroutine.
	active    *activeSet
	inFlight  int
	lastSave  time.Time
	requested uint64
	completed uint64
	failed    uint64
	skipped   uint64
	idle      []chan struct{}

	control chan func()
	stopped chan struct{}
	status  atomic.Pointer[Status]
}

func NewScheduler(cfg Config) *Scheduler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}

	s := &Scheduler{
		engine:   cfg.Engine,
		writer:   newWriter(cfg.Store, logger, cfg.WriteQueue),
		logger:   logger,
		now:      now,
		interval: interval,
		active:   newActiveSet(),
		lastSave: now(),
		control:  make(chan func()),
		stopped:  make(chan struct{}),
	}
	s.publishStatus()
	return s
}

// DueCount returns how many torrents to visit in one pass:
// floor(n * elapsed / interval), clamped to [0, n].
func DueCount(n int, elapsed, interval time.Duration) int {
	if n <= 0 || elapsed <= 0 {
		return 0
	}
	if interval <= 0 || elapsed >= interval {
		return n
	}
	hi, lo := bits.Mul64(uint64(n), uint64(elapsed))
	// elapsed < interval keeps the quotient below n, so Div64 cannot overflow.
	q, _ := bits.Div64(hi, lo, uint64(interval))
	return int(q)
}

// Run processes events until ctx is cancelled or events is closed. All state
// changes happen on this goroutine.
func (s *Scheduler) Run(ctx context.Context, events <-chan domain.Event) error {
	defer close(s.stopped)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			s.HandleEvent(ev)
		case fn := <-s.control:
			fn()
		}
	}
}

// HandleEvent applies one engine event and then runs a throttled pass. It must
// only be called from the goroutine that owns the scheduler.
func (s *Scheduler) HandleEvent(ev domain.Event) {
	switch e := ev.(type) {
	case domain.TorrentAdded:
		s.onAdded(e.Torrent)
	case domain.MetadataReceived:
		s.onMetadataReceived(e.Torrent)
	case domain.TorrentRemoved:
		s.onRemoved(e.ID)
	case domain.ResumeSaved:
		s.onSaved(e)
	case domain.ResumeSaveFailed:
		s.onSaveFailed(e)
	case domain.AddFailed:
		attrs := []slog.Attr{slog.String("error", errString(e.Err))}
		if e.Params.Magnet != "" {
			attrs = append(attrs, slog.String("magnet", e.Params.Magnet))
		}
		s.logger.LogAttrs(context.Background(), slog.LevelWarn, "resume: torrent add failed", attrs...)
	case domain.Heartbeat:
	default:
		s.violation("unknown_event", slog.Any("event", ev))
	}

	s.tick()
	s.notifyIdle()
	s.publishStatus()
}

func (s *Scheduler) onAdded(t ports.Torrent) {
	if t == nil {
		s.violation("nil_torrent", slog.String("event", domain.EventTorrentAdded.String()))
		return
	}
	s.logger.Info("resume: torrent added",
		slog.String("id", string(t.ID())),
		slog.String("name", t.Name()),
	)
	if !s.active.Add(t) {
		s.logger.Warn("resume: torrent already tracked", slog.String("id", string(t.ID())))
	}
	if t.HasMetadata() {
		s.requestSave(t, reasonAdded)
	}
}

// Metadata arrival is significant enough to save right away, outside the
// throttled schedule.
func (s *Scheduler) onMetadataReceived(t ports.Torrent) {
	if t == nil {
		s.violation("nil_torrent", slog.String("event", domain.EventMetadataReceived.String()))
		return
	}
	s.requestSave(t, reasonMetadata)
}

func (s *Scheduler) onRemoved(id domain.TorrentID) {
	// The file goes even for an unknown id so nothing stale is reloaded on the
	// next start.
	s.writer.Remove(id)
	if !s.active.Remove(id) {
		s.violation("remove_untracked", slog.String("id", string(id)))
		return
	}
	s.logger.Info("resume: torrent removed", slog.String("id", string(id)))
}

func (s *Scheduler) onSaved(e domain.ResumeSaved) {
	if s.finishRequest(e.ID) {
		s.completed++
	}
	metrics.SaveResultsTotal.WithLabelValues("completed").Inc()

	if !s.active.Contains(e.ID) {
		// Completion for a torrent removed while its save was in flight.
		s.skipped++
		metrics.WritesSkippedTotal.WithLabelValues("untracked").Inc()
		s.logger.Debug("resume: dropping save for untracked torrent", slog.String("id", string(e.ID)))
		return
	}
	s.writer.Save(domain.ResumeRecord{ID: e.ID, Payload: e.Payload}, e.Commit)
}

// A failed save is only accounted for. The torrent stays dirty and is
// retried by a later pass.
func (s *Scheduler) onSaveFailed(e domain.ResumeSaveFailed) {
	if s.finishRequest(e.ID) {
		s.failed++
	}
	metrics.SaveResultsTotal.WithLabelValues("failed").Inc()
	s.logger.Debug("resume: save failed",
		slog.String("id", string(e.ID)),
		slog.String("error", errString(e.Err)),
	)
}

func (s *Scheduler) requestSave(t ports.Torrent, reason string) {
	s.engine.RequestSave(t, domain.SaveInfoDict)
	s.inFlight++
	s.requested++
	metrics.SaveRequestsTotal.WithLabelValues(reason).Inc()
	s.logger.Debug("resume: save requested",
		slog.String("id", string(t.ID())),
		slog.String("name", t.Name()),
		slog.String("reason", reason),
	)
}

// finishRequest reports false when no request was outstanding.
func (s *Scheduler) finishRequest(id domain.TorrentID) bool {
	if s.inFlight <= 0 {
		s.violation("in_flight_underflow", slog.String("id", string(id)))
		return false
	}
	s.inFlight--
	return true
}

// tick is the throttled pass. Every visited torrent consumes a slot and moves
// the last-save time forward, dirty or not, so clean torrents never stall the
// rotation.
func (s *Scheduler) tick() {
	n := s.active.Len()
	if n == 0 {
		return
	}
	now := s.now()
	due := DueCount(n, now.Sub(s.lastSave), s.interval)
	for ; due > 0; due-- {
		t, ok := s.active.Current()
		if !ok {
			return
		}
		if t.NeedSaveResumeData() {
			s.requestSave(t, reasonThrottled)
		}
		s.lastSave = now
		s.active.Advance()
	}
}

// SaveAll requests resume data from every dirty torrent regardless of the
// schedule. It must run on the scheduler goroutine; use Checkpoint or Drain
// from elsewhere.
func (s *Scheduler) SaveAll() int {
	issued := 0
	s.active.Each(func(t ports.Torrent) {
		if !t.NeedSaveResumeData() {
			return
		}
		s.requestSave(t, reasonCheckpoint)
		issued++
	})
	return issued
}

// Checkpoint runs SaveAll on the event loop and returns the number of save
// requests it issued.
func (s *Scheduler) Checkpoint(ctx context.Context) (int, error) {
	var issued int
	err := s.do(ctx, func() {
		issued = s.SaveAll()
	})
	return issued, err
}

// Drain issues a final SaveAll and waits until every outstanding save has been
// answered or ctx expires. The event loop must still be running.
func (s *Scheduler) Drain(ctx context.Context) error {
	idle := make(chan struct{})
	err := s.do(ctx, func() {
		issued := s.SaveAll()
		s.logger.Info("resume: draining",
			slog.Int("issued", issued),
			slog.Int("inFlight", s.inFlight),
		)
		s.idle = append(s.idle, idle)
	})
	if err != nil {
		return err
	}
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.stopped:
		return domain.ErrClosed
	}
}

// Close flushes pending store writes. Call it after Run has returned.
func (s *Scheduler) Close(ctx context.Context) error {
	return s.writer.Close(ctx)
}

// Status returns the snapshot published after the last processed event.
func (s *Scheduler) Status() Status {
	if st := s.status.Load(); st != nil {
		return *st
	}
	return Status{}
}

func (s *Scheduler) do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	wrapped := func() {
		fn()
		s.notifyIdle()
		s.publishStatus()
		close(done)
	}
	select {
	case s.control <- wrapped:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.stopped:
		return domain.ErrClosed
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) notifyIdle() {
	if s.inFlight != 0 || len(s.idle) == 0 {
		return
	}
	for _, ch := range s.idle {
		close(ch)
	}
	s.idle = nil
}

func (s *Scheduler) publishStatus() {
	st := &Status{
		Tracked:         s.active.Len(),
		InFlight:        s.inFlight,
		Cursor:          s.active.Cursor(),
		LastSave:        s.lastSave,
		IntervalSeconds: s.interval.Seconds(),
		SavesRequested:  s.requested,
		SavesCompleted:  s.completed,
		SavesFailed:     s.failed,
		WritesSkipped:   s.skipped,
	}
	s.status.Store(st)
	metrics.TrackedTorrents.Set(float64(st.Tracked))
	metrics.SavesInFlight.Set(float64(st.InFlight))
}

func (s *Scheduler) violation(check string, attrs ...slog.Attr) {
	metrics.InvariantViolationsTotal.WithLabelValues(check).Inc()
	all := append([]slog.Attr{slog.String("check", check)}, attrs...)
	s.logger.LogAttrs(context.Background(), slog.LevelError, "resume: invariant violated", all...)
	if debugInvariants {
		panic("resume: invariant violated: " + check)
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
