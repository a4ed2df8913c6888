// Package fingerprint implements the landmark fingerprint engine used to
// identify known tracks in live audio windows.
//
// Spectral peaks of a Hann-windowed STFT are paired into landmarks
// (anchor bin, target bin, frame delta). A query votes on the time offset
// between its landmarks and the indexed ones; the best aligned vote count
// divided by the number of query landmarks is the match confidence.
package fingerprint

import (
	"time"

	"github.com/tphakala/radiotrack/internal/audio"
)

// TrackInfo identifies an indexed track.
type TrackInfo struct {
	TrackID string
	Title   string
	Artist  string
}

// MatchCandidate is one ranked result of a query.
type MatchCandidate struct {
	TrackID    string
	Title      string
	Confidence float64       // 0..1
	Offset     time.Duration // position of the window start within the track
	Votes      int
}

// Entry is one stored track with its opaque fingerprint payload.
type Entry struct {
	Track   TrackInfo
	Payload []byte
}

// Hash is one landmark: a packed (anchor bin, target bin, delta) value and
// the anchor's frame index.
type Hash struct {
	Value uint32
	Frame uint32
}

// Stats describes the in-memory index.
type Stats struct {
	Tracks int
	Hashes int
	Keys   int
}

// Engine builds fingerprint payloads and answers window queries against an
// in-memory index. Implementations are safe for concurrent use.
type Engine interface {
	// BuildHashes fingerprints decoded mono samples into an opaque payload
	// and reports how many hashes it holds.
	BuildHashes(samples []float32, sampleRate int) ([]byte, int, error)
	// Query returns candidates for the window, best first.
	Query(w audio.Window) ([]MatchCandidate, error)
	// Insert adds or replaces one track.
	Insert(track TrackInfo, payload []byte) error
	// InsertMany adds or replaces tracks in one index update. Entries whose
	// payload cannot be decoded are skipped as in Replace.
	InsertMany(entries []Entry) (int, error)
	// Remove drops a track; unknown ids are ignored.
	Remove(trackID string)
	// Replace swaps the whole index. Entries whose payload cannot be decoded
	// are skipped; the returned error joins one ErrIndexCorruption per entry.
	Replace(entries []Entry) (int, error)
	Stats() Stats
}
