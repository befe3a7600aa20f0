package anacrolix

import (
	"bytes"
	"crypto/sha1"
	"errors"
	"strings"
	"testing"

	"torrentresume/internal/domain"
)

// testInfo is a minimal single-file info dictionary.
var testInfo = []byte("d6:lengthi10e4:name8:test.bin12:piece lengthi16384e6:pieces20:" + strings.Repeat("a", 20) + "e")

func testInfoHash() []byte {
	sum := sha1.Sum(testInfo)
	return sum[:]
}

func TestResumeRoundtrip(t *testing.T) {
	in := resumeData{
		InfoHash:       testInfoHash(),
		Name:           "test.bin",
		SavePath:       "/data",
		Trackers:       [][]string{{"udp://tracker.example:80"}, {"http://backup.example/announce"}},
		Info:           testInfo,
		Pieces:         []byte{0x80},
		NumPieces:      1,
		TotalCompleted: 10,
		TotalLength:    10,
		SaveTime:       1700000000,
	}
	payload, err := encodeResume(in)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	got, err := decodeResume(payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Format != resumeFormat {
		t.Fatalf("format = %q", got.Format)
	}
	if !bytes.Equal(got.InfoHash, in.InfoHash) || !bytes.Equal(got.Info, in.Info) {
		t.Fatalf("identity not preserved")
	}
	if got.Name != in.Name || got.SavePath != in.SavePath || got.TotalCompleted != 10 {
		t.Fatalf("fields not preserved: %+v", got)
	}
	if len(got.Trackers) != 2 || got.Trackers[1][0] != "http://backup.example/announce" {
		t.Fatalf("trackers = %v", got.Trackers)
	}
	if !bytes.Equal(got.Pieces, []byte{0x80}) {
		t.Fatalf("pieces = %v", got.Pieces)
	}
}

func TestDecodeResumeWithoutInfo(t *testing.T) {
	payload, err := encodeResume(resumeData{InfoHash: bytes.Repeat([]byte{0xab}, 20), Name: "magnet only"})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := decodeResume(payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.id() != domain.TorrentID(strings.Repeat("ab", 20)) {
		t.Fatalf("id = %s", got.id())
	}
	spec := got.spec()
	if spec.InfoHash.HexString() != strings.Repeat("ab", 20) {
		t.Fatalf("spec hash = %s", spec.InfoHash.HexString())
	}
	if len(spec.InfoBytes) != 0 || spec.DisplayName != "magnet only" {
		t.Fatalf("unexpected spec: %+v", spec)
	}
}

func TestDecodeResumeFillsNameFromInfo(t *testing.T) {
	payload, err := encodeResume(resumeData{InfoHash: testInfoHash(), Info: testInfo})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := decodeResume(payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Name != "test.bin" {
		t.Fatalf("name = %q", got.Name)
	}
}

func TestDecodeResumeCorrupt(t *testing.T) {
	mismatched, err := encodeResume(resumeData{InfoHash: bytes.Repeat([]byte{1}, 20), Info: testInfo})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	shortHash, err := encodeResume(resumeData{InfoHash: []byte{1, 2, 3}})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	tests := []struct {
		name    string
		payload []byte
	}{
		{name: "empty", payload: nil},
		{name: "not bencode", payload: []byte("{\"json\":true}")},
		{name: "truncated", payload: []byte("d9:info-hash20:abc")},
		{name: "info mismatch", payload: mismatched},
		{name: "short hash", payload: shortHash},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := decodeResume(tt.payload); !errors.Is(err, domain.ErrCorruptResume) {
				t.Fatalf("decode = %v, want ErrCorruptResume", err)
			}
		})
	}
}

func TestDecodeResumeDropsMismatchedBitfield(t *testing.T) {
	payload, err := encodeResume(resumeData{InfoHash: testInfoHash(), Pieces: []byte{1, 2, 3}, NumPieces: 4})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := decodeResume(payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Pieces != nil {
		t.Fatalf("pieces = %v, want nil", got.Pieces)
	}
}

func TestEngineDecodeResume(t *testing.T) {
	payload, err := encodeResume(resumeData{InfoHash: testInfoHash(), Info: testInfo})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	info, err := (&Engine{}).DecodeResume(payload)
	if err != nil {
		t.Fatalf("DecodeResume: %v", err)
	}
	want, _ := domain.TorrentIDFromBytes(testInfoHash())
	if info.ID != want || info.Name != "test.bin" {
		t.Fatalf("info = %+v", info)
	}
}

func TestCloneTiers(t *testing.T) {
	in := [][]string{{"a"}, {}, {"b", "c"}}
	out := cloneTiers(in)
	if len(out) != 2 {
		t.Fatalf("tiers = %v", out)
	}
	out[0][0] = "changed"
	if in[0][0] != "a" {
		t.Fatalf("clone shares backing array")
	}
	if cloneTiers(nil) != nil {
		t.Fatalf("expected nil for no tiers")
	}
}
