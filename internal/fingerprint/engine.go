package fingerprint

import (
	"cmp"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/tphakala/radiotrack/internal/audio"
	"github.com/tphakala/radiotrack/internal/errors"
)

// DefaultMinVotes is the aligned landmark count below which a track is not
// reported at all, whatever its confidence.
const DefaultMinVotes = 4

// PeakEngine is the landmark Engine backed by a Mirror.
type PeakEngine struct {
	sampleRate int
	minVotes   int
	mirror     *Mirror
	specs      sync.Pool
}

var _ Engine = (*PeakEngine)(nil)

// NewPeakEngine creates an engine for audio at sampleRate.
func NewPeakEngine(sampleRate int) *PeakEngine {
	return &PeakEngine{
		sampleRate: sampleRate,
		minVotes:   DefaultMinVotes,
		mirror:     NewMirror(),
		specs: sync.Pool{
			New: func() any { return newSpectrogram() },
		},
	}
}

// SampleRate returns the rate the engine expects.
func (e *PeakEngine) SampleRate() int { return e.sampleRate }

// Mirror exposes the in-memory index.
func (e *PeakEngine) Mirror() *Mirror { return e.mirror }

// Fingerprint extracts landmarks from samples.
func (e *PeakEngine) Fingerprint(samples []float32) []Hash {
	spec, _ := e.specs.Get().(*spectrogram)
	if spec == nil {
		spec = newSpectrogram()
	}
	defer e.specs.Put(spec)
	return pairPeaks(spec.peaks(samples))
}

// BuildHashes implements Engine.
func (e *PeakEngine) BuildHashes(samples []float32, sampleRate int) ([]byte, int, error) {
	if sampleRate != e.sampleRate {
		return nil, 0, errors.Newf("sample rate %d does not match engine rate %d", sampleRate, e.sampleRate).
			Component("fingerprint").
			Category(errors.CategoryValidation).
			Build()
	}
	hashes := e.Fingerprint(samples)
	if len(hashes) == 0 {
		return nil, 0, errors.Newf("no landmarks in %.1fs of audio", float64(len(samples))/float64(sampleRate)).
			Component("fingerprint").
			Category(errors.CategoryIndexing).
			Build()
	}
	payload, err := EncodePayload(hashes)
	if err != nil {
		return nil, 0, err
	}
	return payload, len(hashes), nil
}

type voteKey struct {
	track *trackEntry
	delta int64
}

// Query implements Engine.
func (e *PeakEngine) Query(w audio.Window) ([]MatchCandidate, error) {
	if w.SampleRate != e.sampleRate {
		return nil, fmt.Errorf("window sample rate %d does not match engine rate %d", w.SampleRate, e.sampleRate)
	}
	query := e.Fingerprint(w.Samples)
	if len(query) == 0 {
		return nil, nil
	}

	snap := e.mirror.load()
	if len(snap.tracks) == 0 {
		return nil, nil
	}

	votes := make(map[voteKey]int)
	for _, q := range query {
		for _, p := range snap.postings[q.Value] {
			votes[voteKey{track: p.track, delta: int64(p.frame) - int64(q.Frame)}]++
		}
	}

	type best struct {
		votes int
		delta int64
	}
	perTrack := make(map[*trackEntry]best)
	for k, n := range votes {
		b := perTrack[k.track]
		if n > b.votes || (n == b.votes && k.delta < b.delta) {
			perTrack[k.track] = best{votes: n, delta: k.delta}
		}
	}

	candidates := make([]MatchCandidate, 0, len(perTrack))
	for t, b := range perTrack {
		if b.votes < e.minVotes {
			continue
		}
		candidates = append(candidates, MatchCandidate{
			TrackID:    t.info.TrackID,
			Title:      t.info.Title,
			Confidence: min(1, float64(b.votes)/float64(len(query))),
			Offset:     e.frameOffset(b.delta),
			Votes:      b.votes,
		})
	}
	SortCandidates(candidates)
	return candidates, nil
}

func (e *PeakEngine) frameOffset(delta int64) time.Duration {
	if delta <= 0 {
		return 0
	}
	return time.Duration(delta) * HopSize * time.Second / time.Duration(e.sampleRate)
}

// SortCandidates orders candidates by descending confidence, then votes,
// then track id for a stable result.
func SortCandidates(c []MatchCandidate) {
	slices.SortFunc(c, func(a, b MatchCandidate) int {
		if r := cmp.Compare(b.Confidence, a.Confidence); r != 0 {
			return r
		}
		if r := cmp.Compare(b.Votes, a.Votes); r != 0 {
			return r
		}
		return cmp.Compare(a.TrackID, b.TrackID)
	})
}

// Insert implements Engine.
func (e *PeakEngine) Insert(track TrackInfo, payload []byte) error {
	hashes, err := DecodePayload(payload)
	if err != nil {
		return err
	}
	e.mirror.Upsert(track, hashes)
	return nil
}

// InsertMany implements Engine.
func (e *PeakEngine) InsertMany(entries []Entry) (int, error) {
	tracks, err := decodeEntries(entries)
	e.mirror.UpsertMany(tracks)
	return len(tracks), err
}

// Remove implements Engine.
func (e *PeakEngine) Remove(trackID string) {
	e.mirror.Delete(trackID)
}

// Replace implements Engine.
func (e *PeakEngine) Replace(entries []Entry) (int, error) {
	tracks, err := decodeEntries(entries)
	e.mirror.Swap(tracks)
	return len(tracks), err
}

// decodeEntries skips entries with undecodable payloads and joins one error
// per skipped entry.
func decodeEntries(entries []Entry) ([]IndexedTrack, error) {
	tracks := make([]IndexedTrack, 0, len(entries))
	var errs []error
	for _, entry := range entries {
		hashes, err := DecodePayload(entry.Payload)
		if err != nil {
			errs = append(errs, fmt.Errorf("track %s: %w", entry.Track.TrackID, err))
			continue
		}
		tracks = append(tracks, IndexedTrack{Info: entry.Track, Hashes: hashes})
	}
	return tracks, errors.Join(errs...)
}

// Stats implements Engine.
func (e *PeakEngine) Stats() Stats {
	return e.mirror.Stats()
}
