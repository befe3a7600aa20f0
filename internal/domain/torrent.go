package domain

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// TorrentID identifies a torrent by the lowercase hex form of its v1 info-hash.
type TorrentID string

const infoHashHexLen = 40

// ParseTorrentID normalizes and validates a hex info-hash.
func ParseTorrentID(raw string) (TorrentID, error) {
	s := strings.ToLower(strings.TrimSpace(raw))
	if len(s) != infoHashHexLen {
		return "", fmt.Errorf("%w: %q", ErrInvalidInfoHash, raw)
	}
	if _, err := hex.DecodeString(s); err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidInfoHash, raw)
	}
	return TorrentID(s), nil
}

// TorrentIDFromBytes builds an ID from a raw 20-byte info-hash.
func TorrentIDFromBytes(b []byte) (TorrentID, error) {
	if len(b) != infoHashHexLen/2 {
		return "", fmt.Errorf("%w: %d bytes", ErrInvalidInfoHash, len(b))
	}
	return TorrentID(hex.EncodeToString(b)), nil
}

func (id TorrentID) String() string {
	return string(id)
}

// SaveFlags modify what a resume payload contains.
type SaveFlags uint8

const (
	// SaveInfoDict embeds the info dictionary so a torrent can be re-added
	// without fetching metadata from peers again.
	SaveInfoDict SaveFlags = 1 << iota
)

func (f SaveFlags) Has(flag SaveFlags) bool {
	return f&flag != 0
}

// AddParams describes a torrent add request submitted to the engine.
type AddParams struct {
	SavePath   string `json:"savePath,omitempty"`
	Paused     bool   `json:"paused,omitempty"`
	Magnet     string `json:"magnet,omitempty"`
	ResumeData []byte `json:"-"`
}

// Clone returns a copy that shares no mutable state with p.
func (p AddParams) Clone() AddParams {
	out := p
	if p.ResumeData != nil {
		out.ResumeData = append([]byte(nil), p.ResumeData...)
	}
	return out
}
