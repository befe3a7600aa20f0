package domain

import "time"

// EventKind tags the concrete type of an Event.
type EventKind uint8

const (
	EventTorrentAdded EventKind = iota + 1
	EventTorrentRemoved
	EventMetadataReceived
	EventResumeSaved
	EventResumeSaveFailed
	EventAddFailed
	EventHeartbeat
)

var eventKindNames = map[EventKind]string{
	EventTorrentAdded:     "torrent_added",
	EventTorrentRemoved:   "torrent_removed",
	EventMetadataReceived: "metadata_received",
	EventResumeSaved:      "resume_saved",
	EventResumeSaveFailed: "resume_save_failed",
	EventAddFailed:        "add_failed",
	EventHeartbeat:        "heartbeat",
}

func (k EventKind) String() string {
	if name, ok := eventKindNames[k]; ok {
		return name
	}
	return "unknown"
}

// AllEventKinds lists every kind in declaration order.
func AllEventKinds() []EventKind {
	return []EventKind{
		EventTorrentAdded,
		EventTorrentRemoved,
		EventMetadataReceived,
		EventResumeSaved,
		EventResumeSaveFailed,
		EventAddFailed,
		EventHeartbeat,
	}
}

// Event is a closed set of engine notifications. Only types declared in this
// package implement it.
type Event interface {
	Kind() EventKind
	event()
}

// TorrentHandle is a reference to one torrent managed by the engine. The
// holder never owns torrent state; every query goes back to the engine.
type TorrentHandle interface {
	ID() TorrentID
	Name() string
	HasMetadata() bool
	NeedSaveResumeData() bool
}

type TorrentAdded struct {
	Torrent TorrentHandle
}

type TorrentRemoved struct {
	ID TorrentID
}

type MetadataReceived struct {
	Torrent TorrentHandle
}

// ResumeSaved carries a freshly built resume payload. Commit, when set, tells
// the engine the payload is durably stored; until it runs the torrent keeps
// reporting that it needs saving.
type ResumeSaved struct {
	ID      TorrentID
	Payload []byte
	Commit  func()
}

type ResumeSaveFailed struct {
	ID  TorrentID
	Err error
}

type AddFailed struct {
	Params AddParams
	Err    error
}

// Heartbeat is published periodically so subscribers wake up even when the
// engine is otherwise idle.
type Heartbeat struct {
	At time.Time
}

func (TorrentAdded) Kind() EventKind     { return EventTorrentAdded }
func (TorrentRemoved) Kind() EventKind   { return EventTorrentRemoved }
func (MetadataReceived) Kind() EventKind { return EventMetadataReceived }
func (ResumeSaved) Kind() EventKind      { return EventResumeSaved }
func (ResumeSaveFailed) Kind() EventKind { return EventResumeSaveFailed }
func (AddFailed) Kind() EventKind        { return EventAddFailed }
func (Heartbeat) Kind() EventKind        { return EventHeartbeat }

func (TorrentAdded) event()     {}
func (TorrentRemoved) event()   {}
func (MetadataReceived) event() {}
func (ResumeSaved) event()      {}
func (ResumeSaveFailed) event() {}
func (AddFailed) event()        {}
func (Heartbeat) event()        {}
