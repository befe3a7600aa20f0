package ports

import (
	"context"

	"torrentresume/internal/domain"
)

// ResumeStore persists one opaque resume payload per torrent.
type ResumeStore interface {
	Save(ctx context.Context, rec domain.ResumeRecord) error
	// Remove deletes the record for id. A missing record is not an error.
	Remove(ctx context.Context, id domain.TorrentID) error
	List(ctx context.Context) ([]domain.TorrentID, error)
	Load(ctx context.Context, id domain.TorrentID) ([]byte, error)
}

// ResumeDecoder extracts identifying fields from a resume payload and rejects
// payloads that cannot be decoded.
type ResumeDecoder interface {
	DecodeResume(payload []byte) (domain.ResumeInfo, error)
}
