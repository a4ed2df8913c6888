package decoder

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/tphakala/flac"

	pcm "github.com/tphakala/radiotrack/internal/audio"
	"github.com/tphakala/radiotrack/internal/errors"
)

// SupportedExtensions are the library file types the indexer picks up.
var SupportedExtensions = []string{".wav", ".flac", ".mp3", ".ogg", ".m4a", ".aac", ".opus"}

// IsSupported reports whether path has a supported audio extension.
func IsSupported(path string) bool {
	return slices.Contains(SupportedExtensions, strings.ToLower(filepath.Ext(path)))
}

// errNativeUnsupported makes DecodeFile fall back to ffmpeg.
var errNativeUnsupported = errors.NewStd("format not supported by native decoder")

// DecodeFile decodes a whole library file to mono float samples at the
// decoder sample rate. PCM WAV and FLAC are decoded natively; everything
// else, and native failures on exotic sample formats, go through ffmpeg.
func (d *FFmpeg) DecodeFile(ctx context.Context, path string) ([]float32, error) {
	var (
		samples []float32
		rate    int
		err     error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".wav":
		samples, rate, err = readWAV(ctx, path)
	case ".flac":
		samples, rate, err = readFLAC(ctx, path)
	default:
		err = errNativeUnsupported
	}

	switch {
	case err == nil:
		return Resample(samples, rate, d.sampleRate), nil
	case errors.Is(err, errNativeUnsupported):
		return d.decodeWithFFmpeg(ctx, path)
	default:
		return nil, err
	}
}

func (d *FFmpeg) decodeWithFFmpeg(ctx context.Context, path string) ([]float32, error) {
	ffmpeg, err := d.ResolvePath()
	if err != nil {
		return nil, err
	}

	args := append([]string{"-hide_banner", "-loglevel", "error", "-nostdin"}, d.outputArgs(path)...)
	cmd := exec.CommandContext(ctx, ffmpeg, args...) //nolint:gosec // G204: path resolved via LookPath, args built internally
	setupProcessGroup(cmd)
	cmd.Cancel = func() error { return killProcessGroup(cmd) }
	cmd.WaitDelay = processCleanupTimeout

	var stdout bytes.Buffer
	stderr := &tailBuffer{}
	cmd.Stdout = &stdout
	cmd.Stderr = stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fileError(fmt.Errorf("%w: %w", errors.ErrDecode, err), path).
			Context("stderr", stderr.tail()).
			Build()
	}
	return pcm.PCM16ToFloat32(stdout.Bytes()), nil
}

func readWAV(ctx context.Context, path string) ([]float32, int, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, 0, fileError(err, path).Build()
	}
	defer func() { _ = file.Close() }()

	dec := wav.NewDecoder(file)
	dec.ReadInfo()
	if !dec.IsValidFile() {
		return nil, 0, fileError(fmt.Errorf("%w: invalid WAV file", errors.ErrDecode), path).Build()
	}
	// Only integer PCM; float and compressed WAV go through ffmpeg.
	if dec.WavAudioFormat != 1 {
		return nil, 0, errNativeUnsupported
	}
	divisor, err := sampleDivisor(int(dec.BitDepth))
	if err != nil {
		return nil, 0, errNativeUnsupported
	}
	channels := int(dec.NumChans)
	if channels < 1 {
		return nil, 0, errNativeUnsupported
	}

	buf := &audio.IntBuffer{
		Data:   make([]int, 65536*channels),
		Format: &audio.Format{SampleRate: int(dec.SampleRate), NumChannels: channels},
	}
	var samples []float32
	for {
		if err := ctx.Err(); err != nil {
			return nil, 0, err
		}
		n, err := dec.PCMBuffer(buf)
		if err != nil {
			return nil, 0, fileError(fmt.Errorf("%w: %w", errors.ErrDecode, err), path).Build()
		}
		if n == 0 {
			break
		}
		samples = downmixInts(samples, buf.Data[:n], channels, divisor)
	}
	return samples, int(dec.SampleRate), nil
}

func readFLAC(ctx context.Context, path string) ([]float32, int, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, 0, fileError(err, path).Build()
	}
	defer func() { _ = file.Close() }()

	dec, err := flac.NewDecoder(file)
	if err != nil {
		return nil, 0, fileError(fmt.Errorf("%w: %w", errors.ErrDecode, err), path).Build()
	}
	divisor, err := sampleDivisor(dec.BitsPerSample)
	if err != nil {
		return nil, 0, errNativeUnsupported
	}
	channels := dec.NChannels
	if channels < 1 {
		return nil, 0, errNativeUnsupported
	}
	width := dec.BitsPerSample / 8

	var (
		samples []float32
		ints    []int
	)
	for {
		if err := ctx.Err(); err != nil {
			return nil, 0, err
		}
		frame, err := dec.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, 0, fileError(fmt.Errorf("%w: %w", errors.ErrDecode, err), path).Build()
		}

		ints = ints[:0]
		for i := 0; i+width <= len(frame); i += width {
			ints = append(ints, decodeLE(frame[i:i+width]))
		}
		samples = downmixInts(samples, ints, channels, divisor)
	}
	return samples, dec.SampleRate, nil
}

// decodeLE reads one signed little-endian integer of 2, 3 or 4 bytes.
func decodeLE(b []byte) int {
	switch len(b) {
	case 2:
		return int(int16(binary.LittleEndian.Uint16(b)))
	case 3:
		v := int32(b[0]) | int32(b[1])<<8 | int32(b[2])<<16
		return int(v<<8) >> 8
	default:
		return int(int32(binary.LittleEndian.Uint32(b)))
	}
}

// downmixInts averages interleaved channels and appends normalized samples to dst.
func downmixInts(dst []float32, data []int, channels int, divisor float32) []float32 {
	for i := 0; i+channels <= len(data); i += channels {
		sum := 0
		for c := range channels {
			sum += data[i+c]
		}
		dst = append(dst, float32(sum)/float32(channels)/divisor)
	}
	return dst
}

func sampleDivisor(bitDepth int) (float32, error) {
	switch bitDepth {
	case 16:
		return 32768.0, nil
	case 24:
		return 8388608.0, nil
	case 32:
		return 2147483648.0, nil
	default:
		return 0, fmt.Errorf("unsupported bit depth: %d", bitDepth)
	}
}

func fileError(err error, path string) *errors.ErrorBuilder {
	category := errors.CategoryFileIO
	if errors.Is(err, errors.ErrDecode) {
		category = errors.CategoryDecode
	}
	return errors.New(err).
		Category(category).
		Component("decoder").
		Context("file", filepath.Base(path))
}
