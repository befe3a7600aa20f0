package ports

import (
	"context"

	"torrentresume/internal/domain"
)

// Torrent is a handle to one torrent inside the engine.
type Torrent = domain.TorrentHandle

// Engine is the asynchronous part of the transfer engine the resume scheduler
// drives. Both calls return immediately; the outcome arrives later as an event.
type Engine interface {
	RequestSave(t Torrent, flags domain.SaveFlags)
	RequestAdd(params domain.AddParams)
}

// TorrentController is the synchronous management surface exposed over HTTP.
type TorrentController interface {
	AddMagnet(ctx context.Context, uri string) error
	Remove(ctx context.Context, id domain.TorrentID) error
	List(ctx context.Context) ([]TorrentSummary, error)
}

type TorrentSummary struct {
	ID             domain.TorrentID `json:"id"`
	Name           string           `json:"name"`
	HasMetadata    bool             `json:"hasMetadata"`
	BytesCompleted int64            `json:"bytesCompleted"`
	Dirty          bool             `json:"dirty"`
}
