package anacrolix

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/anacrolix/torrent"
	"github.com/anacrolix/torrent/storage"

	"torrentresume/internal/domain"
	"torrentresume/internal/domain/ports"
)

// addTimeout caps the time we wait for the anacrolix client to accept a
// torrent. Adding can block on an internal client mutex when the client is
// busy resolving metadata for another torrent.
const (
	addTimeout             = 10 * time.Second
	defaultMetadataTimeout = 10 * time.Minute
	defaultHeartbeat       = 5 * time.Second
)

var errClientNotConfigured = errors.New("torrent client not configured")

type Config struct {
	DataDir   string
	Publisher ports.EventPublisher
	Logger    *slog.Logger
	// Heartbeat is the period of Heartbeat events; 0 uses 5s.
	Heartbeat time.Duration
	// MetadataTimeout drops magnet torrents that never receive metadata.
	MetadataTimeout time.Duration
}

// Engine adapts an anacrolix client to the asynchronous request/event
// contract of the resume scheduler. Requests return immediately and their
// outcome is published as an event.
type Engine struct {
	client          *torrent.Client
	dataDir         string
	events          ports.EventPublisher
	logger          *slog.Logger
	heartbeat       time.Duration
	metadataTimeout time.Duration
	now             func() time.Time

	mu       sync.RWMutex
	handles  map[domain.TorrentID]*handle
	storages map[domain.TorrentID]storage.ClientImplCloser

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

func New(cfg Config) (*Engine, error) {
	clientConfig := torrent.NewDefaultClientConfig()
	if cfg.DataDir != "" {
		clientConfig.DataDir = cfg.DataDir
	}

	client, err := torrent.NewClient(clientConfig)
	if err != nil {
		return nil, err
	}
	return NewWithClient(client, cfg), nil
}

func NewWithClient(client *torrent.Client, cfg Config) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	heartbeat := cfg.Heartbeat
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeat
	}
	metadataTimeout := cfg.MetadataTimeout
	if metadataTimeout <= 0 {
		metadataTimeout = defaultMetadataTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		client:          client,
		dataDir:         cfg.DataDir,
		events:          cfg.Publisher,
		logger:          logger,
		heartbeat:       heartbeat,
		metadataTimeout: metadataTimeout,
		now:             time.Now,
		handles:         make(map[domain.TorrentID]*handle),
		storages:        make(map[domain.TorrentID]storage.ClientImplCloser),
		ctx:             ctx,
		cancel:          cancel,
	}
}

// Start launches the heartbeat. Heartbeats carry no data; they wake the
// scheduler so throttled saves progress while nothing else happens.
func (e *Engine) Start() {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ticker := time.NewTicker(e.heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-e.ctx.Done():
				return
			case at := <-ticker.C:
				e.publish(domain.Heartbeat{At: at})
			}
		}
	}()
}

// Close stops the heartbeat, waits for pending requests and shuts the client
// down. Calling it again returns the first result.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() { e.closeErr = e.shutdown() })
	return e.closeErr
}

func (e *Engine) shutdown() error {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
	if e.client == nil {
		return nil
	}
	errList := e.client.Close()

	e.mu.Lock()
	for id, st := range e.storages {
		_ = st.Close()
		delete(e.storages, id)
	}
	e.mu.Unlock()

	if len(errList) > 0 {
		return errList[0]
	}
	return nil
}

// ---------------------------------------------------------------------------
// Asynchronous requests (ports.Engine)
// ---------------------------------------------------------------------------

// RequestAdd adds a torrent in the background. The result is TorrentAdded,
// followed by MetadataReceived for magnets, or AddFailed.
func (e *Engine) RequestAdd(params domain.AddParams) {
	params = params.Clone()
	e.goAsync(func() {
		ctx, cancel := context.WithTimeout(e.ctx, addTimeout)
		defer cancel()
		if _, err := e.add(ctx, params); err != nil {
			e.logger.Warn("torrent add failed",
				slog.String("magnet", params.Magnet),
				slog.String("error", err.Error()),
			)
			e.publish(domain.AddFailed{Params: params, Err: err})
		}
	})
}

// RequestSave builds a resume payload in the background and answers with
// exactly one ResumeSaved or ResumeSaveFailed. The torrent stays dirty until
// the ResumeSaved commit runs.
func (e *Engine) RequestSave(t ports.Torrent, flags domain.SaveFlags) {
	id := t.ID()
	e.goAsync(func() {
		payload, commit, err := e.buildResume(id, flags)
		if err != nil {
			e.publish(domain.ResumeSaveFailed{ID: id, Err: err})
			return
		}
		e.publish(domain.ResumeSaved{ID: id, Payload: payload, Commit: commit})
	})
}

// goAsync runs fn on a tracked goroutine. After Close fn is not started.
func (e *Engine) goAsync(fn func()) {
	select {
	case <-e.ctx.Done():
		return
	default:
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		fn()
	}()
}

// ---------------------------------------------------------------------------
// Synchronous management (ports.TorrentController)
// ---------------------------------------------------------------------------

func (e *Engine) AddMagnet(ctx context.Context, uri string) error {
	uri = strings.TrimSpace(uri)
	if !strings.HasPrefix(uri, "magnet:") {
		return fmt.Errorf("%w: not a magnet uri", domain.ErrUnsupported)
	}
	ctx, cancel := context.WithTimeout(ctx, addTimeout)
	defer cancel()
	_, err := e.add(ctx, domain.AddParams{Magnet: uri})
	return err
}

// Remove drops a torrent and publishes TorrentRemoved so its resume record is
// deleted.
func (e *Engine) Remove(ctx context.Context, id domain.TorrentID) error {
	e.mu.Lock()
	h, ok := e.handles[id]
	if ok {
		delete(e.handles, id)
	}
	st := e.storages[id]
	delete(e.storages, id)
	e.mu.Unlock()
	if !ok {
		return domain.ErrNotFound
	}

	if h.torrent != nil {
		h.torrent.Drop()
	}
	if st != nil {
		_ = st.Close()
	}
	// Return memory to the OS promptly after dropping a torrent.
	freeOSMemory()

	e.logger.Info("torrent removed", slog.String("id", string(id)))
	e.publish(domain.TorrentRemoved{ID: id})
	return nil
}

func (e *Engine) List(ctx context.Context) ([]ports.TorrentSummary, error) {
	e.mu.RLock()
	handles := make([]*handle, 0, len(e.handles))
	for _, h := range e.handles {
		handles = append(handles, h)
	}
	e.mu.RUnlock()

	out := make([]ports.TorrentSummary, 0, len(handles))
	for _, h := range handles {
		summary := ports.TorrentSummary{
			ID:          h.id,
			Name:        h.Name(),
			HasMetadata: h.HasMetadata(),
			Dirty:       h.NeedSaveResumeData(),
		}
		if summary.HasMetadata {
			summary.BytesCompleted = h.torrent.BytesCompleted()
		}
		out = append(out, summary)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ---------------------------------------------------------------------------
// Internals
// ---------------------------------------------------------------------------

func (e *Engine) add(ctx context.Context, params domain.AddParams) (*handle, error) {
	if e.client == nil {
		return nil, errClientNotConfigured
	}

	spec, rd, err := specFromParams(params)
	if err != nil {
		return nil, err
	}
	id := domain.TorrentID(spec.InfoHash.HexString())

	e.mu.RLock()
	_, exists := e.handles[id]
	e.mu.RUnlock()
	if exists {
		return nil, fmt.Errorf("%w: torrent %s", domain.ErrAlreadyExists, id)
	}

	savePath := params.SavePath
	if savePath == "" && rd != nil {
		savePath = rd.SavePath
	}
	var st storage.ClientImplCloser
	if savePath != "" && savePath != e.dataDir {
		st = storage.NewFile(savePath)
		spec.Storage = st
	}

	// Run AddTorrentSpec with a timeout so a busy client never wedges the
	// caller.
	type addResult struct {
		t     *torrent.Torrent
		fresh bool
		err   error
	}
	ch := make(chan addResult, 1)
	go func() {
		t, fresh, err := e.client.AddTorrentSpec(spec)
		ch <- addResult{t, fresh, err}
	}()

	var t *torrent.Torrent
	select {
	case res := <-ch:
		if res.err != nil {
			closeStorage(st)
			return nil, res.err
		}
		if !res.fresh {
			closeStorage(st)
			return nil, fmt.Errorf("%w: torrent %s", domain.ErrAlreadyExists, id)
		}
		t = res.t
	case <-ctx.Done():
		// AddTorrentSpec may still complete after we return; drop the
		// orphaned torrent when it does.
		go func() {
			if res := <-ch; res.t != nil && res.fresh {
				res.t.Drop()
			}
			closeStorage(st)
		}()
		return nil, ctx.Err()
	}

	h := newHandle(id, t)
	h.savePath = savePath
	h.paused = params.Paused
	h.trackers = cloneTiers(spec.Trackers)
	if rd != nil {
		h.seed(*rd)
	}
	if params.Paused {
		t.DisallowDataDownload()
	}

	e.mu.Lock()
	e.handles[id] = h
	if st != nil {
		e.storages[id] = st
	}
	e.mu.Unlock()

	e.logger.Info("torrent added",
		slog.String("id", string(id)),
		slog.String("name", h.Name()),
		slog.Bool("hasMetadata", h.HasMetadata()),
	)
	e.publish(domain.TorrentAdded{Torrent: h})

	if h.HasMetadata() {
		if !params.Paused {
			t.DownloadAll()
		}
	} else {
		e.goAsync(func() { e.waitForInfo(h) })
	}
	return h, nil
}

// waitForInfo publishes MetadataReceived once the torrent's info arrives. A
// torrent that gets no metadata within metadataTimeout is removed.
func (e *Engine) waitForInfo(h *handle) {
	select {
	case <-h.torrent.GotInfo():
	case <-h.torrent.Closed():
		return
	case <-e.ctx.Done():
		return
	case <-time.After(e.metadataTimeout):
		e.logger.Warn("metadata timeout, dropping torrent",
			slog.String("id", string(h.id)),
			slog.Duration("timeout", e.metadataTimeout),
		)
		_ = e.Remove(context.Background(), h.id)
		return
	}

	if !e.tracked(h) {
		return
	}
	if !h.paused {
		h.torrent.DownloadAll()
	}
	e.logger.Info("metadata received",
		slog.String("id", string(h.id)),
		slog.String("name", h.Name()),
	)
	e.publish(domain.MetadataReceived{Torrent: h})
}

// buildResume encodes the current progress of id. The returned commit records
// that progress as saved and must only run once the payload is stored.
func (e *Engine) buildResume(id domain.TorrentID, flags domain.SaveFlags) ([]byte, func(), error) {
	h := e.getHandle(id)
	if h == nil {
		return nil, nil, domain.ErrNotFound
	}
	if !h.HasMetadata() {
		return nil, nil, fmt.Errorf("%w: torrent %s has no metadata yet", domain.ErrUnsupported, id)
	}

	cur := h.snapshot()
	t := h.torrent
	rd := resumeData{
		InfoHash:       t.InfoHash().Bytes(),
		Name:           t.Name(),
		SavePath:       h.savePath,
		Trackers:       h.trackers,
		Pieces:         cur.bitfield,
		NumPieces:      t.NumPieces(),
		TotalCompleted: cur.completed,
		TotalLength:    t.Length(),
		SaveTime:       e.now().Unix(),
	}
	if h.paused {
		rd.Paused = 1
	}
	if flags.Has(domain.SaveInfoDict) {
		rd.Info = t.Metainfo().InfoBytes
	}

	payload, err := encodeResume(rd)
	if err != nil {
		return nil, nil, fmt.Errorf("encode resume data: %w", err)
	}
	return payload, func() { h.markSaved(cur) }, nil
}

func (e *Engine) getHandle(id domain.TorrentID) *handle {
	e.mu.RLock()
	h := e.handles[id]
	e.mu.RUnlock()
	if h == nil || h.torrent == nil {
		return h
	}
	select {
	case <-h.torrent.Closed():
		e.mu.Lock()
		if e.handles[id] == h {
			delete(e.handles, id)
		}
		e.mu.Unlock()
		return nil
	default:
		return h
	}
}

func (e *Engine) tracked(h *handle) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.handles[h.id] == h
}

func (e *Engine) publish(ev domain.Event) {
	if e.events == nil {
		return
	}
	e.events.Publish(ev)
}

func specFromParams(params domain.AddParams) (*torrent.TorrentSpec, *resumeData, error) {
	if len(params.ResumeData) > 0 {
		rd, err := decodeResume(params.ResumeData)
		if err != nil {
			return nil, nil, err
		}
		return rd.spec(), &rd, nil
	}
	if params.Magnet != "" {
		spec, err := torrent.TorrentSpecFromMagnetUri(params.Magnet)
		if err != nil {
			return nil, nil, fmt.Errorf("parse magnet: %w", err)
		}
		return spec, nil, nil
	}
	return nil, nil, fmt.Errorf("%w: add requires resume data or a magnet uri", domain.ErrUnsupported)
}

func closeStorage(st storage.ClientImplCloser) {
	if st != nil {
		_ = st.Close()
	}
}

// freeOSMemory triggers garbage collection and returns freed memory to the OS.
func freeOSMemory() {
	runtime.GC()
	debug.FreeOSMemory()
}
