package anacrolix

import (
	"bytes"
	"sync"

	"github.com/anacrolix/torrent"

	"torrentresume/internal/domain"
)

// handle is the engine-side view of one torrent. It implements
// domain.TorrentHandle; the scheduler only ever queries through it.
type handle struct {
	id       domain.TorrentID
	torrent  *torrent.Torrent
	savePath string
	paused   bool
	trackers [][]string

	mu sync.Mutex
	// peak is the high-water mark of the completed-piece bitfield. After a
	// restart anacrolix re-verifies data and pieces can briefly read as
	// incomplete; OR-ing keeps those from looking like lost progress.
	peak          []byte
	peakCompleted int64
	saved         progress
}

type progress struct {
	recorded  bool
	bitfield  []byte
	completed int64
}

func newHandle(id domain.TorrentID, t *torrent.Torrent) *handle {
	return &handle{id: id, torrent: t}
}

func (h *handle) ID() domain.TorrentID {
	return h.id
}

func (h *handle) Name() string {
	if h.torrent == nil {
		return ""
	}
	return h.torrent.Name()
}

func (h *handle) HasMetadata() bool {
	return torrentInfoReady(h.torrent)
}

// NeedSaveResumeData reports whether progress moved since the last payload
// was built. Torrents without metadata have nothing worth saving.
func (h *handle) NeedSaveResumeData() bool {
	if !h.HasMetadata() {
		return false
	}
	cur := h.snapshot()
	h.mu.Lock()
	defer h.mu.Unlock()
	return progressChanged(h.saved, cur)
}

// snapshot samples current progress folded into the high-water marks.
func (h *handle) snapshot() progress {
	n, bits := pieceBitfield(h.torrent)
	var completed int64
	if n > 0 {
		completed = h.torrent.BytesCompleted()
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.peak = mergeBitfield(h.peak, bits)
	if completed > h.peakCompleted {
		h.peakCompleted = completed
	}
	return progress{
		recorded:  true,
		bitfield:  append([]byte(nil), h.peak...),
		completed: h.peakCompleted,
	}
}

func (h *handle) markSaved(p progress) {
	h.mu.Lock()
	h.saved = p
	h.mu.Unlock()
}

// seed primes the high-water marks from a loaded payload so a reloaded
// torrent is not immediately considered dirty.
func (h *handle) seed(rd resumeData) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.peak = mergeBitfield(h.peak, rd.Pieces)
	if rd.TotalCompleted > h.peakCompleted {
		h.peakCompleted = rd.TotalCompleted
	}
	h.saved = progress{
		recorded:  true,
		bitfield:  append([]byte(nil), h.peak...),
		completed: h.peakCompleted,
	}
}

func progressChanged(saved, cur progress) bool {
	if !saved.recorded {
		return true
	}
	return cur.completed != saved.completed || !bytes.Equal(cur.bitfield, saved.bitfield)
}

func mergeBitfield(peak, bits []byte) []byte {
	if len(peak) < len(bits) {
		extended := make([]byte, len(bits))
		copy(extended, peak)
		peak = extended
	}
	for i, b := range bits {
		peak[i] |= b
	}
	return peak
}

// pieceBitfield returns the piece count and an MSB-first bitfield of
// completed pieces.
func pieceBitfield(t *torrent.Torrent) (numPieces int, bits []byte) {
	if !torrentInfoReady(t) {
		return 0, nil
	}
	n := t.NumPieces()
	if n <= 0 {
		return 0, nil
	}
	buf := make([]byte, (n+7)/8)
	for i := 0; i < n; i++ {
		if t.PieceState(i).Complete {
			buf[i/8] |= 1 << (7 - uint(i%8))
		}
	}
	return n, buf
}

func torrentInfoReady(t *torrent.Torrent) bool {
	if t == nil {
		return false
	}
	select {
	case <-t.GotInfo():
		return true
	default:
		return false
	}
}
