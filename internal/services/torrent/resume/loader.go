package resume

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/time/rate"

	"torrentresume/internal/domain"
	"torrentresume/internal/domain/ports"
	"torrentresume/internal/metrics"
)

// Loader re-adds every persisted torrent at startup. A record that cannot be
// read or decoded is skipped; only a failure to list the store is fatal.
type Loader struct {
	Store   ports.ResumeStore
	Decoder ports.ResumeDecoder
	Engine  ports.Engine
	Logger  *slog.Logger
	// Limiter paces add submissions. Nil means unlimited.
	Limiter *rate.Limiter
}

// LoadAll submits one asynchronous add per valid record, each built from base
// with the record attached as resume data. It returns the number submitted.
func (l Loader) LoadAll(ctx context.Context, base domain.AddParams) (int, error) {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ids, err := l.Store.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("list resume records: %w", err)
	}

	submitted := 0
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return submitted, err
		}

		payload, err := l.Store.Load(ctx, id)
		if err != nil {
			metrics.LoadedRecordsTotal.WithLabelValues("skipped").Inc()
			logger.Warn("resume: skipping unreadable record",
				slog.String("id", string(id)),
				slog.String("error", err.Error()),
			)
			continue
		}
		info, err := l.Decoder.DecodeResume(payload)
		if err != nil {
			metrics.LoadedRecordsTotal.WithLabelValues("skipped").Inc()
			logger.Warn("resume: skipping corrupt record",
				slog.String("id", string(id)),
				slog.String("error", err.Error()),
			)
			continue
		}
		if info.ID != "" && info.ID != id {
			logger.Warn("resume: record key does not match payload",
				slog.String("key", string(id)),
				slog.String("payload", string(info.ID)),
			)
		}

		if l.Limiter != nil {
			if err := l.Limiter.Wait(ctx); err != nil {
				return submitted, err
			}
		}

		params := base.Clone()
		params.ResumeData = payload
		l.Engine.RequestAdd(params)
		submitted++
		metrics.LoadedRecordsTotal.WithLabelValues("submitted").Inc()
		logger.Debug("resume: add submitted",
			slog.String("id", string(id)),
			slog.String("name", info.Name),
		)
	}

	logger.Info("resume: startup load finished",
		slog.Int("records", len(ids)),
		slog.Int("submitted", submitted),
	)
	return submitted, nil
}
