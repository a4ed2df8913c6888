package fingerprint

import (
	"math"
	"math/cmplx"

	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/dsp/window"
)

// STFT geometry at the 5512 Hz analysis rate: 93 ms frames, 46 ms hop.
const (
	FFTSize = 512
	HopSize = 256
)

// peakBands are the bin ranges in which one peak per frame is picked.
// The lowest bins (DC and below ~10 Hz) are skipped.
var peakBands = [][2]int{{1, 10}, {10, 20}, {20, 40}, {40, 80}, {80, 160}, {160, FFTSize/2 + 1}}

// minPeakMagnitude discards peaks from silence and dither.
const minPeakMagnitude = 1e-3

type peak struct {
	frame int
	bin   int
	mag   float64
}

// spectrogram computes per-frame magnitudes. Only whole frames are used.
type spectrogram struct {
	fft    *fourier.FFT
	hann   []float64
	frame  []float64
	coeffs []complex128
}

func newSpectrogram() *spectrogram {
	hann := make([]float64, FFTSize)
	for i := range hann {
		hann[i] = 1
	}
	window.Hann(hann)
	return &spectrogram{
		fft:    fourier.NewFFT(FFTSize),
		hann:   hann,
		frame:  make([]float64, FFTSize),
		coeffs: make([]complex128, FFTSize/2+1),
	}
}

// frameCount returns the number of full STFT frames in n samples.
func frameCount(n int) int {
	if n < FFTSize {
		return 0
	}
	return 1 + (n-FFTSize)/HopSize
}

// peaks returns the band peaks of every frame in frame order, and within a
// frame in ascending bin order.
func (s *spectrogram) peaks(samples []float32) []peak {
	frames := frameCount(len(samples))
	out := make([]peak, 0, frames*len(peakBands))
	mags := make([]float64, FFTSize/2+1)
	candidates := make([]peak, 0, len(peakBands))

	for t := range frames {
		start := t * HopSize
		for i := range FFTSize {
			s.frame[i] = float64(samples[start+i]) * s.hann[i]
		}
		s.fft.Coefficients(s.coeffs, s.frame)
		for k, c := range s.coeffs {
			mags[k] = cmplx.Abs(c)
		}

		candidates = candidates[:0]
		var sum float64
		for _, band := range peakBands {
			best, bestMag := band[0], -1.0
			for k := band[0]; k < band[1]; k++ {
				if mags[k] > bestMag {
					best, bestMag = k, mags[k]
				}
			}
			candidates = append(candidates, peak{frame: t, bin: best, mag: bestMag})
			sum += bestMag
		}

		// keep band peaks at or above the frame's mean band peak
		mean := sum / float64(len(candidates))
		for _, p := range candidates {
			if p.mag >= mean && p.mag > minPeakMagnitude && !math.IsNaN(p.mag) {
				out = append(out, p)
			}
		}
	}
	return out
}
