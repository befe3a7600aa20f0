package anacrolix

import (
	"bytes"
	"crypto/sha1"
	"fmt"

	"github.com/anacrolix/torrent"
	"github.com/anacrolix/torrent/bencode"
	"github.com/anacrolix/torrent/metainfo"

	"torrentresume/internal/domain"
)

const resumeFormat = "torrentresume/1"

// resumeData is the bencoded resume payload. The info dictionary is embedded
// verbatim so a reloaded torrent can start without fetching metadata again.
type resumeData struct {
	Format         string        `bencode:"file-format"`
	InfoHash       []byte        `bencode:"info-hash"`
	Name           string        `bencode:"name,omitempty"`
	SavePath       string        `bencode:"save_path,omitempty"`
	Trackers       [][]string    `bencode:"trackers,omitempty"`
	Info           bencode.Bytes `bencode:"info,omitempty"`
	Pieces         []byte        `bencode:"pieces,omitempty"`
	NumPieces      int           `bencode:"num_pieces,omitempty"`
	TotalCompleted int64         `bencode:"total_completed"`
	TotalLength    int64         `bencode:"total_length,omitempty"`
	SaveTime       int64         `bencode:"save_time"`
	Paused         int           `bencode:"paused,omitempty"`
}

func encodeResume(rd resumeData) ([]byte, error) {
	if rd.Format == "" {
		rd.Format = resumeFormat
	}
	return bencode.Marshal(rd)
}

// decodeResume parses and validates a payload. An embedded info dictionary
// must hash to the recorded info-hash.
func decodeResume(payload []byte) (resumeData, error) {
	var rd resumeData
	if len(payload) == 0 {
		return rd, fmt.Errorf("%w: empty payload", domain.ErrCorruptResume)
	}
	if err := bencode.Unmarshal(payload, &rd); err != nil {
		return rd, fmt.Errorf("%w: %v", domain.ErrCorruptResume, err)
	}
	if len(rd.InfoHash) != sha1.Size {
		return rd, fmt.Errorf("%w: info-hash is %d bytes", domain.ErrCorruptResume, len(rd.InfoHash))
	}
	if len(rd.Info) > 0 {
		sum := sha1.Sum(rd.Info)
		if !bytes.Equal(sum[:], rd.InfoHash) {
			return rd, fmt.Errorf("%w: info dictionary does not match info-hash", domain.ErrCorruptResume)
		}
		var info metainfo.Info
		if err := bencode.Unmarshal(rd.Info, &info); err != nil {
			return rd, fmt.Errorf("%w: info dictionary: %v", domain.ErrCorruptResume, err)
		}
		if rd.Name == "" {
			rd.Name = info.Name
		}
	}
	if rd.NumPieces > 0 && len(rd.Pieces) != (rd.NumPieces+7)/8 {
		rd.Pieces = nil
	}
	return rd, nil
}

func (rd resumeData) id() domain.TorrentID {
	id, _ := domain.TorrentIDFromBytes(rd.InfoHash)
	return id
}

func (rd resumeData) spec() *torrent.TorrentSpec {
	var hash metainfo.Hash
	copy(hash[:], rd.InfoHash)
	// InfoHash and InfoBytes are promoted from AddTorrentOpts and cannot be
	// set in the literal.
	spec := &torrent.TorrentSpec{
		DisplayName: rd.Name,
		Trackers:    cloneTiers(rd.Trackers),
	}
	spec.InfoHash = hash
	if len(rd.Info) > 0 {
		spec.InfoBytes = append([]byte(nil), rd.Info...)
	}
	return spec
}

// DecodeResume reports the identity of a persisted payload, rejecting
// payloads that would fail to re-add.
func (e *Engine) DecodeResume(payload []byte) (domain.ResumeInfo, error) {
	rd, err := decodeResume(payload)
	if err != nil {
		return domain.ResumeInfo{}, err
	}
	return domain.ResumeInfo{ID: rd.id(), Name: rd.Name}, nil
}

func cloneTiers(tiers [][]string) [][]string {
	if len(tiers) == 0 {
		return nil
	}
	out := make([][]string, 0, len(tiers))
	for _, tier := range tiers {
		if len(tier) == 0 {
			continue
		}
		out = append(out, append([]string(nil), tier...))
	}
	return out
}
