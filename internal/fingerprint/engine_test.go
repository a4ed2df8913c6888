package fingerprint

import (
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tphakala/radiotrack/internal/audio"
	"github.com/tphakala/radiotrack/internal/errors"
)

const testRate = 5512

// noiseTrack returns seconds of deterministic white noise.
func noiseTrack(seed uint64, seconds int) []float32 {
	r := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	out := make([]float32, seconds*testRate)
	for i := range out {
		out[i] = float32(r.Float64()*2-1) * 0.5
	}
	return out
}

func indexedEngine(t *testing.T, tracks map[string][]float32) *PeakEngine {
	t.Helper()
	e := NewPeakEngine(testRate)
	for id, samples := range tracks {
		payload, n, err := e.BuildHashes(samples, testRate)
		require.NoError(t, err)
		require.Positive(t, n)
		require.NoError(t, e.Insert(TrackInfo{TrackID: id, Title: "Title " + id}, payload))
	}
	return e
}

func TestPeakEngineIdentifiesExcerpt(t *testing.T) {
	t.Parallel()

	a := noiseTrack(1, 30)
	b := noiseTrack(2, 30)
	e := indexedEngine(t, map[string][]float32{"a": a, "b": b})

	const startFrame = 100
	start := startFrame * HopSize
	excerpt := a[start : start+10*testRate]

	got, err := e.Query(audio.Window{Samples: excerpt, SampleRate: testRate, StreamID: "s"})
	require.NoError(t, err)
	require.NotEmpty(t, got)

	top := got[0]
	assert.Equal(t, "a", top.TrackID)
	assert.Equal(t, "Title a", top.Title)
	assert.Greater(t, top.Confidence, 0.5)
	assert.LessOrEqual(t, top.Confidence, 1.0)

	wantOffset := time.Duration(start) * time.Second / testRate
	assert.InDelta(t, wantOffset.Seconds(), top.Offset.Seconds(), 0.05)

	for _, c := range got[1:] {
		assert.Less(t, c.Confidence, top.Confidence)
	}
}

func TestPeakEngineSilenceAndUnknownAudio(t *testing.T) {
	t.Parallel()

	e := indexedEngine(t, map[string][]float32{"a": noiseTrack(1, 20)})

	got, err := e.Query(audio.Window{Samples: make([]float32, 10*testRate), SampleRate: testRate})
	require.NoError(t, err)
	assert.Empty(t, got)

	got, err = e.Query(audio.Window{Samples: noiseTrack(99, 10), SampleRate: testRate})
	require.NoError(t, err)
	for _, c := range got {
		assert.Less(t, c.Confidence, 0.2)
	}

	_, err = e.Query(audio.Window{Samples: noiseTrack(1, 1), SampleRate: 8000})
	require.Error(t, err)
}

func TestBuildHashesRejectsSilenceAndWrongRate(t *testing.T) {
	t.Parallel()

	e := NewPeakEngine(testRate)
	_, _, err := e.BuildHashes(make([]float32, 5*testRate), testRate)
	require.Error(t, err)

	_, _, err = e.BuildHashes(noiseTrack(1, 5), 44100)
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryValidation))
}

func TestPeakEngineRemoveAndReplace(t *testing.T) {
	t.Parallel()

	a, b := noiseTrack(1, 15), noiseTrack(2, 15)
	e := NewPeakEngine(testRate)
	payloadA, _, err := e.BuildHashes(a, testRate)
	require.NoError(t, err)
	payloadB, _, err := e.BuildHashes(b, testRate)
	require.NoError(t, err)

	loaded, err := e.Replace([]Entry{
		{Track: TrackInfo{TrackID: "a"}, Payload: payloadA},
		{Track: TrackInfo{TrackID: "broken"}, Payload: []byte("not zstd")},
		{Track: TrackInfo{TrackID: "b"}, Payload: payloadB},
	})
	assert.Equal(t, 2, loaded)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrIndexCorruption)
	assert.Contains(t, err.Error(), "broken")
	assert.Equal(t, 2, e.Stats().Tracks)

	e.Remove("a")
	e.Remove("missing")
	assert.Equal(t, 1, e.Stats().Tracks)

	got, err := e.Query(audio.Window{Samples: a[:10*testRate], SampleRate: testRate})
	require.NoError(t, err)
	for _, c := range got {
		assert.NotEqual(t, "a", c.TrackID)
	}
}

func TestQueryConcurrentWithInsert(t *testing.T) {
	t.Parallel()

	a := noiseTrack(1, 15)
	e := indexedEngine(t, map[string][]float32{"a": a})
	payload, _, err := e.BuildHashes(noiseTrack(3, 15), testRate)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for range 4 {
		wg.Go(func() {
			for range 5 {
				got, err := e.Query(audio.Window{Samples: a[:10*testRate], SampleRate: testRate})
				assert.NoError(t, err)
				if assert.NotEmpty(t, got) {
					assert.Equal(t, "a", got[0].TrackID)
				}
			}
		})
	}
	wg.Go(func() {
		for i := range 5 {
			assert.NoError(t, e.Insert(TrackInfo{TrackID: string(rune('c' + i))}, payload))
		}
	})
	wg.Wait()
	assert.Equal(t, 6, e.Stats().Tracks)
}

func TestSortCandidates(t *testing.T) {
	t.Parallel()

	c := []MatchCandidate{
		{TrackID: "b", Confidence: 0.5, Votes: 10},
		{TrackID: "a", Confidence: 0.5, Votes: 10},
		{TrackID: "c", Confidence: 0.9, Votes: 3},
		{TrackID: "d", Confidence: 0.5, Votes: 20},
	}
	SortCandidates(c)

	ids := make([]string, len(c))
	for i := range c {
		ids[i] = c[i].TrackID
	}
	assert.Equal(t, []string{"c", "d", "a", "b"}, ids)
}
