// Package indexer keeps the fingerprint store in step with the audio library
// on disk: it drops tracks whose files are gone and fingerprints new or
// modified files.
package indexer

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dhowden/tag"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/tphakala/radiotrack/internal/decoder"
	"github.com/tphakala/radiotrack/internal/errors"
	"github.com/tphakala/radiotrack/internal/fingerprint"
	"github.com/tphakala/radiotrack/internal/logger"
	"github.com/tphakala/radiotrack/internal/observability/metrics"
	"github.com/tphakala/radiotrack/internal/store"
)

// Defaults for zero Config values.
const (
	DefaultInterval    = 10 * time.Minute
	DefaultSettleDelay = 30 * time.Second
	DefaultWorkers     = 2
)

// ErrCycleInProgress is returned when RunCycle is called while another cycle runs.
var ErrCycleInProgress = errors.NewStd("index cycle already in progress")

// trackNamespace scopes track ids derived from library paths.
var trackNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://github.com/tphakala/radiotrack/tracks"))

// TrackStore is the subset of the fingerprint store used by the indexer.
type TrackStore interface {
	ListTracks(ctx context.Context) ([]store.Track, error)
	DeleteTracks(ctx context.Context, trackIDs []string) (int, error)
	ReloadInMemoryModel(ctx context.Context) (int, error)
	IsTrackUpToDate(ctx context.Context, trackID string, lastWriteUTC time.Time) (bool, error)
	SaveTrackAndHashes(ctx context.Context, rec store.TrackRecord, payload []byte) error
	PublishTracks(entries []fingerprint.Entry) int
}

// FileDecoder decodes a whole library file to mono samples.
type FileDecoder interface {
	DecodeFile(ctx context.Context, path string) ([]float32, error)
}

// HashBuilder computes the fingerprint payload of decoded samples.
type HashBuilder interface {
	BuildHashes(samples []float32, sampleRate int) ([]byte, int, error)
}

// Config controls library scanning.
type Config struct {
	LibraryPath        string
	SampleRate         int
	Interval           time.Duration
	SettleDelay        time.Duration
	TruncateAfterIndex bool
	Workers            int
}

// CycleReport summarises one RunCycle.
type CycleReport struct {
	Removed  int           `json:"removed"`
	Indexed  int           `json:"indexed"`
	Skipped  int           `json:"skipped"`
	Failed   int           `json:"failed"`
	Reloads  int           `json:"reloads"`
	Reloaded int           `json:"reloaded"` // tracks loaded by the reload, if any
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`
}

// Builder is the fingerprint index builder.
type Builder struct {
	cfg     Config
	store   TrackStore
	decoder FileDecoder
	hasher  HashBuilder
	log     logger.Logger
	metrics *metrics.IndexerMetrics

	cycleMu  sync.Mutex
	last     atomic.Pointer[CycleReport]
	now      func() time.Time
	fileInfo func(fs.DirEntry) (fs.FileInfo, error)
}

// New creates a Builder. m may be nil.
func New(cfg Config, st TrackStore, dec FileDecoder, hasher HashBuilder, log logger.Logger, m *metrics.IndexerMetrics) *Builder {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.SettleDelay < 0 {
		cfg.SettleDelay = 0
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = decoder.DefaultSampleRate
	}
	if log == nil {
		log = logger.Global().Module("indexer")
	}
	return &Builder{
		cfg:      cfg,
		store:    st,
		decoder:  dec,
		hasher:   hasher,
		log:      log,
		metrics:  m,
		now:      time.Now,
		fileInfo: fs.DirEntry.Info,
	}
}

// TrackID derives a stable track id from the canonical absolute file path.
func TrackID(path string) string {
	return uuid.NewSHA1(trackNamespace, []byte(canonicalPath(path))).String()
}

func canonicalPath(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	abs = filepath.ToSlash(filepath.Clean(abs))
	if filepath.Separator == '\\' {
		abs = strings.ToLower(abs)
	}
	return abs
}

// LastReport returns the report of the most recent finished cycle.
func (b *Builder) LastReport() (CycleReport, bool) {
	r := b.last.Load()
	if r == nil {
		return CycleReport{}, false
	}
	return *r, true
}

// RunCycle reconciles deletions and indexes new or changed files. Only one
// cycle runs at a time; an overlapping call returns ErrCycleInProgress.
// Per-file failures are counted and do not fail the cycle.
func (b *Builder) RunCycle(ctx context.Context) (CycleReport, error) {
	if !b.cycleMu.TryLock() {
		return CycleReport{}, ErrCycleInProgress
	}
	defer b.cycleMu.Unlock()

	report := CycleReport{Started: b.now()}
	err := b.runCycle(ctx, &report)
	report.Duration = b.now().Sub(report.Started)

	b.metrics.RecordCycle(err, report.Duration)
	b.metrics.AddTracks(metrics.ActionRemoved, report.Removed)
	b.metrics.AddTracks(metrics.ActionIndexed, report.Indexed)
	b.metrics.AddTracks(metrics.ActionSkipped, report.Skipped)
	b.metrics.AddTracks(metrics.ActionFailed, report.Failed)

	if err != nil {
		return report, err
	}
	b.last.Store(&report)

	b.log.Info("index cycle completed",
		logger.Int("removed", report.Removed),
		logger.Int("indexed", report.Indexed),
		logger.Int("skipped", report.Skipped),
		logger.Int("failed", report.Failed),
		logger.Int("reloaded", report.Reloaded),
		logger.Duration("duration", report.Duration))
	return report, nil
}

func (b *Builder) runCycle(ctx context.Context, report *CycleReport) error {
	if err := b.removeMissing(ctx, report); err != nil {
		return err
	}

	jobs, err := b.scan(ctx, report)
	if err != nil {
		return err
	}
	if len(jobs) == 0 {
		return nil
	}

	// Saved tracks are published to the in-memory index once per cycle,
	// also when the cycle is cancelled, so the index matches committed rows.
	var (
		mu      sync.Mutex
		saved   []fingerprint.Entry
		indexed atomic.Int64
		failed  atomic.Int64
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.cfg.Workers)
	for _, job := range jobs {
		g.Go(func() error {
			entry, err := b.indexFile(gctx, job)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				failed.Add(1)
				b.log.Warn("failed to index file",
					logger.String("file", job.path),
					logger.Error(err))
				return nil
			}
			mu.Lock()
			saved = append(saved, entry)
			mu.Unlock()
			indexed.Add(1)
			return nil
		})
	}
	err = g.Wait()

	if published := b.store.PublishTracks(saved); published < len(saved) {
		b.log.Warn("some indexed tracks were not published to the in-memory index",
			logger.Int("saved", len(saved)),
			logger.Int("published", published))
	}
	report.Indexed += int(indexed.Load())
	report.Failed += int(failed.Load())
	return err
}

// removeMissing deletes tracks whose file no longer exists and reloads the
// in-memory index once if anything was deleted.
func (b *Builder) removeMissing(ctx context.Context, report *CycleReport) error {
	tracks, err := b.store.ListTracks(ctx)
	if err != nil {
		return err
	}

	var gone []string
	for _, t := range tracks {
		_, err := os.Stat(t.FilePath)
		switch {
		case err == nil:
		case errors.Is(err, fs.ErrNotExist):
			gone = append(gone, t.TrackID)
		default:
			b.log.Warn("cannot stat indexed file, keeping track",
				logger.String("track_id", t.TrackID),
				logger.Error(err))
		}
	}
	if len(gone) == 0 {
		return nil
	}

	removed, err := b.store.DeleteTracks(ctx, gone)
	report.Removed = removed
	if err != nil {
		return err
	}

	loaded, err := b.store.ReloadInMemoryModel(ctx)
	if err != nil {
		return err
	}
	report.Reloads++
	report.Reloaded = loaded
	return nil
}

type indexJob struct {
	path    string
	trackID string
	modTime time.Time
}

// scan walks the library and returns files that need fingerprinting.
func (b *Builder) scan(ctx context.Context, report *CycleReport) ([]indexJob, error) {
	root := b.cfg.LibraryPath
	if _, err := os.Stat(root); errors.Is(err, fs.ErrNotExist) {
		b.log.Warn("library path does not exist", logger.String("path", root))
		return nil, nil
	}

	var jobs []indexJob
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			b.log.Warn("library walk error", logger.String("path", path), logger.Error(err))
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() || !d.Type().IsRegular() || !decoder.IsSupported(path) {
			return nil
		}

		info, err := b.fileInfo(d)
		if err != nil {
			b.log.Warn("cannot stat library file", logger.String("path", path), logger.Error(err))
			report.Failed++
			return nil
		}
		if info.Size() == 0 {
			report.Skipped++
			return nil
		}

		id := TrackID(path)
		upToDate, err := b.store.IsTrackUpToDate(ctx, id, info.ModTime())
		if err != nil {
			return err
		}
		if upToDate {
			report.Skipped++
			return nil
		}
		jobs = append(jobs, indexJob{path: path, trackID: id, modTime: info.ModTime()})
		return nil
	})
	if err != nil {
		return nil, errors.New(fmt.Errorf("library scan: %w", err)).
			Category(errors.CategoryFileIO).
			Component("indexer").
			Context("path", root).
			Build()
	}
	return jobs, nil
}

// indexFile fingerprints and saves one file and returns the entry to
// publish to the in-memory index.
func (b *Builder) indexFile(ctx context.Context, job indexJob) (fingerprint.Entry, error) {
	samples, err := b.decoder.DecodeFile(ctx, job.path)
	if err != nil {
		return fingerprint.Entry{}, err
	}
	payload, hashCount, err := b.hasher.BuildHashes(samples, b.cfg.SampleRate)
	if err != nil {
		return fingerprint.Entry{}, err
	}

	title, artist := readMetadata(job.path)
	rec := store.TrackRecord{
		TrackID:      job.trackID,
		Title:        title,
		Artist:       artist,
		FilePath:     canonicalFilePath(job.path),
		LastWriteUTC: job.modTime.UTC(),
		HashCount:    hashCount,
	}
	if err := b.store.SaveTrackAndHashes(ctx, rec, payload); err != nil {
		return fingerprint.Entry{}, err
	}

	b.log.Debug("indexed track",
		logger.String("track_id", job.trackID),
		logger.String("title", title),
		logger.Int("hashes", hashCount))

	if b.cfg.TruncateAfterIndex {
		if err := truncateKeepModTime(job.path, job.modTime); err != nil {
			b.log.Warn("failed to truncate indexed file", logger.String("file", job.path), logger.Error(err))
		}
	}
	return fingerprint.Entry{
		Track:   fingerprint.TrackInfo{TrackID: job.trackID, Title: title, Artist: artist},
		Payload: payload,
	}, nil
}

// canonicalFilePath is the absolute path stored with the track.
func canonicalFilePath(path string) string {
	if abs, err := filepath.Abs(path); err == nil {
		return abs
	}
	return path
}

// readMetadata returns title and artist from embedded tags, falling back to
// the file name without extension.
func readMetadata(path string) (title, artist string) {
	title = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))

	f, err := os.Open(path)
	if err != nil {
		return title, ""
	}
	defer func() { _ = f.Close() }()

	md, err := tag.ReadFrom(f)
	if err != nil {
		return title, ""
	}
	if t := strings.TrimSpace(md.Title()); t != "" {
		title = t
	}
	return title, strings.TrimSpace(md.Artist())
}

// truncateKeepModTime empties an indexed file without deleting it. The
// original modification time is restored so the file stays recognisable.
func truncateKeepModTime(path string, modTime time.Time) error {
	if err := os.Truncate(path, 0); err != nil {
		return err
	}
	return os.Chtimes(path, time.Now(), modTime)
}

// RunPeriodic waits for the settle delay, then runs a cycle every interval
// until ctx is cancelled. Failed cycles are logged and the loop continues.
func (b *Builder) RunPeriodic(ctx context.Context) {
	if b.cfg.SettleDelay > 0 {
		timer := time.NewTimer(b.cfg.SettleDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}

	ticker := time.NewTicker(b.cfg.Interval)
	defer ticker.Stop()

	for {
		if _, err := b.RunCycle(ctx); err != nil {
			switch {
			case ctx.Err() != nil:
				return
			case errors.Is(err, ErrCycleInProgress):
				b.log.Debug("skipping scheduled index cycle, one is already running")
			default:
				b.log.Error("index cycle failed", logger.Error(err))
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
