package domain

// ResumeExt is the file extension of persisted resume records.
const ResumeExt = ".resume"

// ResumeRecord is one opaque resume payload keyed by its torrent.
type ResumeRecord struct {
	ID      TorrentID
	Payload []byte
}

// ResumeInfo is the part of a resume payload the loader needs to inspect.
type ResumeInfo struct {
	ID   TorrentID
	Name string
}

func ResumeFileName(id TorrentID) string {
	return string(id) + ResumeExt
}
