package fingerprint

import (
	"maps"
	"slices"
	"sync"
	"sync/atomic"
)

type posting struct {
	track *trackEntry
	frame uint32
}

type trackEntry struct {
	info   TrackInfo
	hashes []Hash
}

// snapshot is an immutable view of the index once published. Readers never
// lock.
type snapshot struct {
	tracks   map[string]*trackEntry
	postings map[uint32][]posting
	hashes   int

	// owned marks posting slices allocated for this snapshot while it is
	// being built; they can be appended to in place. Nil once published.
	owned map[uint32]struct{}
}

func emptySnapshot() *snapshot {
	return &snapshot{
		tracks:   make(map[string]*trackEntry),
		postings: make(map[uint32][]posting),
		owned:    make(map[uint32]struct{}),
	}
}

// clone starts an unpublished copy of s. It costs one pass over the key
// space, so writers batch their changes into as few clones as possible.
func (s *snapshot) clone() *snapshot {
	return &snapshot{
		tracks:   maps.Clone(s.tracks),
		postings: maps.Clone(s.postings),
		hashes:   s.hashes,
		owned:    make(map[uint32]struct{}),
	}
}

func (m *Mirror) publish(next *snapshot) {
	next.owned = nil
	m.current.Store(next)
}

// Mirror is the in-memory landmark index. Reads load the current snapshot
// atomically; writers build a new snapshot and swap it in.
type Mirror struct {
	writeMu sync.Mutex
	current atomic.Pointer[snapshot]
}

// NewMirror returns an empty mirror.
func NewMirror() *Mirror {
	m := &Mirror{}
	m.publish(emptySnapshot())
	return m
}

func (m *Mirror) load() *snapshot {
	return m.current.Load()
}

// Upsert publishes a snapshot in which track has exactly hashes. Each call
// copies the key space; use UpsertMany for more than a handful of tracks.
func (m *Mirror) Upsert(info TrackInfo, hashes []Hash) {
	m.UpsertMany([]IndexedTrack{{Info: info, Hashes: hashes}})
}

// UpsertMany adds or replaces tracks and publishes them in one snapshot. A
// later duplicate TrackID wins.
func (m *Mirror) UpsertMany(tracks []IndexedTrack) {
	if len(tracks) == 0 {
		return
	}
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	next := m.load().clone()
	for _, t := range tracks {
		next.upsert(t)
	}
	m.publish(next)
}

// Delete publishes a snapshot without trackID. It reports whether the track existed.
func (m *Mirror) Delete(trackID string) bool {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	old := m.load()
	prev, ok := old.tracks[trackID]
	if !ok {
		return false
	}
	next := old.clone()
	next.removeTrack(prev)
	m.publish(next)
	return true
}

// IndexedTrack is a decoded track ready for Swap.
type IndexedTrack struct {
	Info   TrackInfo
	Hashes []Hash
}

// Swap replaces the whole index with tracks, built off to the side. A later
// duplicate TrackID wins.
func (m *Mirror) Swap(tracks []IndexedTrack) {
	next := emptySnapshot()
	for _, t := range tracks {
		next.upsert(t)
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	m.publish(next)
}

// Stats returns sizes of the current snapshot.
func (m *Mirror) Stats() Stats {
	s := m.load()
	return Stats{Tracks: len(s.tracks), Hashes: s.hashes, Keys: len(s.postings)}
}

// Track returns the info of an indexed track.
func (m *Mirror) Track(trackID string) (TrackInfo, bool) {
	e, ok := m.load().tracks[trackID]
	if !ok {
		return TrackInfo{}, false
	}
	return e.info, true
}

func (s *snapshot) upsert(t IndexedTrack) {
	if prev, ok := s.tracks[t.Info.TrackID]; ok {
		s.removeTrack(prev)
	}
	s.addTrack(&trackEntry{info: t.Info, hashes: t.Hashes})
}

// addTrack must only be called on a snapshot that is not yet published.
// Posting slices shared with older snapshots are never appended to in place.
func (s *snapshot) addTrack(e *trackEntry) {
	grouped := make(map[uint32][]posting)
	for _, h := range e.hashes {
		grouped[h.Value] = append(grouped[h.Value], posting{track: e, frame: h.Frame})
	}
	for v, ps := range grouped {
		if _, mine := s.owned[v]; mine {
			s.postings[v] = append(s.postings[v], ps...)
			continue
		}
		s.postings[v] = append(slices.Clip(s.postings[v]), ps...)
		s.owned[v] = struct{}{}
	}
	s.tracks[e.info.TrackID] = e
	s.hashes += len(e.hashes)
}

func (s *snapshot) removeTrack(e *trackEntry) {
	seen := make(map[uint32]struct{}, len(e.hashes))
	for _, h := range e.hashes {
		if _, done := seen[h.Value]; done {
			continue
		}
		seen[h.Value] = struct{}{}

		old := s.postings[h.Value]
		kept := make([]posting, 0, len(old))
		for _, p := range old {
			if p.track != e {
				kept = append(kept, p)
			}
		}
		if len(kept) == 0 {
			delete(s.postings, h.Value)
			delete(s.owned, h.Value)
		} else {
			s.postings[h.Value] = kept
			s.owned[h.Value] = struct{}{}
		}
	}
	delete(s.tracks, e.info.TrackID)
	s.hashes -= len(e.hashes)
}
