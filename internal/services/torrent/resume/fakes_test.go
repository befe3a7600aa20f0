package resume

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"torrentresume/internal/domain"
	"torrentresume/internal/domain/ports"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(nopWriter{}, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

type nopWriter struct{}

func (nopWriter) Write(p []byte) (int, error) { return len(p), nil }

func testID(n int) domain.TorrentID {
	return domain.TorrentID(fmt.Sprintf("%040x", n))
}

type fakeTorrent struct {
	mu       sync.Mutex
	id       domain.TorrentID
	name     string
	metadata bool
	dirty    bool
}

func newFakeTorrent(n int, dirty bool) *fakeTorrent {
	return &fakeTorrent{id: testID(n), name: fmt.Sprintf("torrent-%d", n), metadata: true, dirty: dirty}
}

func (t *fakeTorrent) ID() domain.TorrentID { return t.id }
func (t *fakeTorrent) Name() string         { return t.name }

func (t *fakeTorrent) HasMetadata() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.metadata
}

func (t *fakeTorrent) NeedSaveResumeData() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dirty
}

func (t *fakeTorrent) setDirty(v bool) {
	t.mu.Lock()
	t.dirty = v
	t.mu.Unlock()
}

type fakeEngine struct {
	mu     sync.Mutex
	saves  []domain.TorrentID
	flags  []domain.SaveFlags
	adds   []domain.AddParams
	notify chan domain.TorrentID
}

func (e *fakeEngine) RequestSave(t ports.Torrent, flags domain.SaveFlags) {
	e.mu.Lock()
	e.saves = append(e.saves, t.ID())
	e.flags = append(e.flags, flags)
	notify := e.notify
	e.mu.Unlock()
	if notify != nil {
		notify <- t.ID()
	}
}

func (e *fakeEngine) RequestAdd(params domain.AddParams) {
	e.mu.Lock()
	e.adds = append(e.adds, params)
	e.mu.Unlock()
}

func (e *fakeEngine) saveRequests() []domain.TorrentID {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]domain.TorrentID(nil), e.saves...)
}

func (e *fakeEngine) addRequests() []domain.AddParams {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]domain.AddParams(nil), e.adds...)
}

type fakeStore struct {
	mu      sync.Mutex
	records map[domain.TorrentID][]byte
	order   []domain.TorrentID
	saved   []domain.TorrentID
	removed []domain.TorrentID
	listErr error
	loadErr map[domain.TorrentID]error
	saveErr  error
	attempts int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		records: make(map[domain.TorrentID][]byte),
		loadErr: make(map[domain.TorrentID]error),
	}
}

func (s *fakeStore) put(id domain.TorrentID, payload []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[id]; !ok {
		s.order = append(s.order, id)
	}
	s.records[id] = payload
}

func (s *fakeStore) Save(ctx context.Context, rec domain.ResumeRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts++
	if s.saveErr != nil {
		return s.saveErr
	}
	if _, ok := s.records[rec.ID]; !ok {
		s.order = append(s.order, rec.ID)
	}
	s.records[rec.ID] = rec.Payload
	s.saved = append(s.saved, rec.ID)
	return nil
}

func (s *fakeStore) Remove(ctx context.Context, id domain.TorrentID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, id)
	s.removed = append(s.removed, id)
	return nil
}

func (s *fakeStore) List(ctx context.Context) ([]domain.TorrentID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listErr != nil {
		return nil, s.listErr
	}
	out := make([]domain.TorrentID, 0, len(s.order))
	for _, id := range s.order {
		if _, ok := s.records[id]; ok {
			out = append(out, id)
		}
	}
	return out, nil
}

func (s *fakeStore) Load(ctx context.Context, id domain.TorrentID) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadErr[id]; err != nil {
		return nil, err
	}
	payload, ok := s.records[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return payload, nil
}

func (s *fakeStore) failSaves(err error) {
	s.mu.Lock()
	s.saveErr = err
	s.mu.Unlock()
}

func (s *fakeStore) saveAttempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

func (s *fakeStore) snapshot() (saved, removed []domain.TorrentID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.TorrentID(nil), s.saved...), append([]domain.TorrentID(nil), s.removed...)
}

// fakeDecoder treats payloads of the form "<id>|<name>" as valid.
type fakeDecoder struct{}

func (fakeDecoder) DecodeResume(payload []byte) (domain.ResumeInfo, error) {
	s := string(payload)
	for i := 0; i < len(s); i++ {
		if s[i] == '|' {
			id, err := domain.ParseTorrentID(s[:i])
			if err != nil {
				return domain.ResumeInfo{}, fmt.Errorf("%w: %v", domain.ErrCorruptResume, err)
			}
			return domain.ResumeInfo{ID: id, Name: s[i+1:]}, nil
		}
	}
	return domain.ResumeInfo{}, domain.ErrCorruptResume
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}
