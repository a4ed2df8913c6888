// Package audio turns a decoded PCM byte stream into fixed-length,
// hop-overlapped analysis windows.
package audio

import (
	"encoding/binary"
	"fmt"

	"github.com/smallnest/ringbuffer"
)

// BytesPerSample is the size of one signed 16-bit little-endian mono sample.
const BytesPerSample = 2

// Window is one analysis window of normalized samples in [-1, 1].
type Window struct {
	Samples    []float32
	SampleRate int
	StreamID   string
	Seq        uint64 // 0-based window number within the stream session
}

// Duration returns the window length in seconds.
func (w Window) Duration() float64 {
	if w.SampleRate == 0 {
		return 0
	}
	return float64(len(w.Samples)) / float64(w.SampleRate)
}

// SlidingWindow accumulates PCM bytes into windows of windowBytes and keeps
// windowBytes-hopBytes trailing bytes after each emitted window. When the
// hop is at least the window length the buffer empties after every window.
//
// A SlidingWindow is owned by a single stream worker and is not safe for
// concurrent use.
type SlidingWindow struct {
	rb          *ringbuffer.RingBuffer
	frame       []byte
	streamID    string
	sampleRate  int
	windowBytes int
	hopBytes    int
	seq         uint64
}

// SecondsToBytes converts a duration in seconds to a whole number of sample bytes.
func SecondsToBytes(seconds float64, sampleRate int) int {
	return int(seconds*float64(sampleRate)) * BytesPerSample
}

// NewSlidingWindow creates a buffer for one stream.
func NewSlidingWindow(streamID string, sampleRate int, windowSeconds, hopSeconds float64) (*SlidingWindow, error) {
	if sampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %d", sampleRate)
	}
	windowBytes := SecondsToBytes(windowSeconds, sampleRate)
	hopBytes := SecondsToBytes(hopSeconds, sampleRate)
	if windowBytes <= 0 || hopBytes <= 0 {
		return nil, fmt.Errorf("window (%.2fs) and hop (%.2fs) must be at least one sample", windowSeconds, hopSeconds)
	}
	if hopBytes > windowBytes {
		return nil, fmt.Errorf("hop %.2fs exceeds window %.2fs", hopSeconds, windowSeconds)
	}

	return &SlidingWindow{
		rb:          ringbuffer.New(windowBytes),
		frame:       make([]byte, windowBytes),
		streamID:    streamID,
		sampleRate:  sampleRate,
		windowBytes: windowBytes,
		hopBytes:    hopBytes,
	}, nil
}

// WindowBytes returns the window length in bytes.
func (s *SlidingWindow) WindowBytes() int { return s.windowBytes }

// HopBytes returns the hop length in bytes.
func (s *SlidingWindow) HopBytes() int { return s.hopBytes }

// Buffered returns the number of bytes waiting for the next window.
func (s *SlidingWindow) Buffered() int { return s.rb.Length() }

// Append adds decoded bytes and returns every window completed by them, in order.
func (s *SlidingWindow) Append(p []byte) ([]Window, error) {
	var windows []Window
	for len(p) > 0 {
		n := min(len(p), s.rb.Free())
		if n > 0 {
			if _, err := s.rb.Write(p[:n]); err != nil {
				return windows, fmt.Errorf("window buffer write: %w", err)
			}
			p = p[n:]
		}

		if s.rb.Free() > 0 {
			continue
		}

		w, err := s.emit()
		if err != nil {
			return windows, err
		}
		windows = append(windows, w)
	}
	return windows, nil
}

// Reset drops any buffered bytes, e.g. after a reconnect.
func (s *SlidingWindow) Reset() {
	s.rb.Reset()
	s.seq = 0
}

// emit drains one full window and re-queues the overlap.
func (s *SlidingWindow) emit() (Window, error) {
	if _, err := s.rb.Read(s.frame); err != nil {
		return Window{}, fmt.Errorf("window buffer read: %w", err)
	}

	w := Window{
		Samples:    PCM16ToFloat32(s.frame),
		SampleRate: s.sampleRate,
		StreamID:   s.streamID,
		Seq:        s.seq,
	}
	s.seq++

	if retain := s.windowBytes - s.hopBytes; retain > 0 {
		if _, err := s.rb.Write(s.frame[s.hopBytes:]); err != nil {
			return Window{}, fmt.Errorf("window buffer overlap: %w", err)
		}
	}
	return w, nil
}

// PCM16ToFloat32 converts signed 16-bit little-endian PCM to samples in [-1, 1].
// A trailing odd byte is ignored.
func PCM16ToFloat32(data []byte) []float32 {
	samples := make([]float32, len(data)/BytesPerSample)
	for i := range samples {
		v := int16(binary.LittleEndian.Uint16(data[i*BytesPerSample:]))
		samples[i] = float32(v) / 32768.0
	}
	return samples
}
