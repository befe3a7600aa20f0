package redis

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/redis/go-redis/v9"

	"torrentresume/internal/domain"
)

const DefaultPrefix = "tresume:"

const scanBatch = 256

// ResumeStore keeps each resume payload under <prefix><infohash>.
type ResumeStore struct {
	client *redis.Client
	prefix string
}

func NewResumeStore(client *redis.Client, prefix string) *ResumeStore {
	if strings.TrimSpace(prefix) == "" {
		prefix = DefaultPrefix
	}
	return &ResumeStore{client: client, prefix: prefix}
}

// Connect parses url, opens a client and pings it.
func Connect(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(strings.TrimSpace(url))
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", opts.Addr, err)
	}
	return client, nil
}

func (s *ResumeStore) key(id domain.TorrentID) string {
	return s.prefix + string(id)
}

func (s *ResumeStore) Save(ctx context.Context, rec domain.ResumeRecord) error {
	return s.client.Set(ctx, s.key(rec.ID), rec.Payload, 0).Err()
}

// Remove deletes the key. DEL on a missing key is a no-op.
func (s *ResumeStore) Remove(ctx context.Context, id domain.TorrentID) error {
	return s.client.Del(ctx, s.key(id)).Err()
}

func (s *ResumeStore) List(ctx context.Context) ([]domain.TorrentID, error) {
	var (
		ids    []domain.TorrentID
		cursor uint64
	)
	for {
		keys, next, err := s.client.Scan(ctx, cursor, s.prefix+"*", scanBatch).Result()
		if err != nil {
			return nil, err
		}
		ids = append(ids, s.idsFromKeys(keys)...)
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return dedupSorted(ids), nil
}

func (s *ResumeStore) Load(ctx context.Context, id domain.TorrentID) ([]byte, error) {
	data, err := s.client.Get(ctx, s.key(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return data, nil
}

func (s *ResumeStore) idsFromKeys(keys []string) []domain.TorrentID {
	ids := make([]domain.TorrentID, 0, len(keys))
	for _, key := range keys {
		raw, ok := strings.CutPrefix(key, s.prefix)
		if !ok {
			continue
		}
		id, err := domain.ParseTorrentID(raw)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids
}

// SCAN may return a key more than once.
func dedupSorted(ids []domain.TorrentID) []domain.TorrentID {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := ids[:0]
	for i, id := range ids {
		if i > 0 && id == ids[i-1] {
			continue
		}
		out = append(out, id)
	}
	return out
}
