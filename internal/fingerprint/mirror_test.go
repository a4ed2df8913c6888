package fingerprint

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMirrorUpsertDoesNotMutatePublishedSnapshot(t *testing.T) {
	t.Parallel()

	m := NewMirror()
	m.Upsert(TrackInfo{TrackID: "a"}, []Hash{{Value: 1, Frame: 0}, {Value: 2, Frame: 1}})
	before := m.load()

	m.Upsert(TrackInfo{TrackID: "b"}, []Hash{{Value: 1, Frame: 5}})

	assert.Len(t, before.postings[1], 1, "old snapshot must keep its postings")
	assert.Len(t, before.tracks, 1)
	assert.Len(t, m.load().postings[1], 2)
	assert.Equal(t, Stats{Tracks: 2, Hashes: 3, Keys: 2}, m.Stats())
}

func TestMirrorUpsertReplacesExistingTrack(t *testing.T) {
	t.Parallel()

	m := NewMirror()
	m.Upsert(TrackInfo{TrackID: "a", Title: "old"}, []Hash{{Value: 1}, {Value: 2}})
	m.Upsert(TrackInfo{TrackID: "a", Title: "new"}, []Hash{{Value: 3}})

	info, ok := m.Track("a")
	assert.True(t, ok)
	assert.Equal(t, "new", info.Title)
	assert.Equal(t, Stats{Tracks: 1, Hashes: 1, Keys: 1}, m.Stats())
}

func TestMirrorDeleteAndSwap(t *testing.T) {
	t.Parallel()

	m := NewMirror()
	m.Upsert(TrackInfo{TrackID: "a"}, []Hash{{Value: 1}, {Value: 1, Frame: 3}})
	m.Upsert(TrackInfo{TrackID: "b"}, []Hash{{Value: 1}})

	assert.True(t, m.Delete("a"))
	assert.False(t, m.Delete("a"))
	assert.Equal(t, Stats{Tracks: 1, Hashes: 1, Keys: 1}, m.Stats())

	m.Swap([]IndexedTrack{
		{Info: TrackInfo{TrackID: "x"}, Hashes: []Hash{{Value: 7}}},
		{Info: TrackInfo{TrackID: "x", Title: "dup"}, Hashes: []Hash{{Value: 8}, {Value: 9}}},
	})
	info, _ := m.Track("x")
	assert.Equal(t, "dup", info.Title)
	_, ok := m.Track("b")
	assert.False(t, ok)
	assert.Equal(t, Stats{Tracks: 1, Hashes: 2, Keys: 2}, m.Stats())
}

func TestMirrorUpsertManyPublishesOneSnapshot(t *testing.T) {
	t.Parallel()

	m := NewMirror()
	m.Upsert(TrackInfo{TrackID: "a", Title: "old"}, []Hash{{Value: 1}})
	before := m.load()

	m.UpsertMany([]IndexedTrack{
		{Info: TrackInfo{TrackID: "a", Title: "new"}, Hashes: []Hash{{Value: 1, Frame: 2}, {Value: 2}}},
		{Info: TrackInfo{TrackID: "b"}, Hashes: []Hash{{Value: 1, Frame: 4}}},
		{Info: TrackInfo{TrackID: "c"}, Hashes: []Hash{{Value: 1, Frame: 6}, {Value: 3}}},
	})

	assert.Len(t, before.postings[1], 1, "old snapshot must keep its postings")
	assert.Len(t, before.tracks, 1)

	after := m.load()
	assert.Nil(t, after.owned)
	assert.Len(t, after.postings[1], 3)
	info, _ := m.Track("a")
	assert.Equal(t, "new", info.Title)
	assert.Equal(t, Stats{Tracks: 3, Hashes: 5, Keys: 3}, m.Stats())

	m.UpsertMany(nil)
	assert.Same(t, after, m.load())
}

func syntheticTracks(prefix string, n, hashesPerTrack int) []IndexedTrack {
	tracks := make([]IndexedTrack, n)
	for i := range tracks {
		hashes := make([]Hash, hashesPerTrack)
		for j := range hashes {
			hashes[j] = Hash{Value: uint32(i*hashesPerTrack + j), Frame: uint32(j)}
		}
		tracks[i] = IndexedTrack{Info: TrackInfo{TrackID: fmt.Sprintf("%s-%d", prefix, i)}, Hashes: hashes}
	}
	return tracks
}

// BenchmarkMirrorIndexCycle adds one cycle of new tracks to a large index.
// The cost of a cycle should follow the index size once, not once per track.
func BenchmarkMirrorIndexCycle(b *testing.B) {
	base := syntheticTracks("base", 400, 2000)
	cycle := syntheticTracks("new", 50, 2000)

	b.Run("batched", func(b *testing.B) {
		for range b.N {
			b.StopTimer()
			m := NewMirror()
			m.Swap(base)
			b.StartTimer()

			m.UpsertMany(cycle)
		}
	})
	b.Run("per-track", func(b *testing.B) {
		for range b.N {
			b.StopTimer()
			m := NewMirror()
			m.Swap(base)
			b.StartTimer()

			for _, t := range cycle {
				m.Upsert(t.Info, t.Hashes)
			}
		}
	})
}
