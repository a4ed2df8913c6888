package store

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tphakala/radiotrack/internal/errors"
	"github.com/tphakala/radiotrack/internal/fingerprint"
	"github.com/tphakala/radiotrack/internal/logger"
	"github.com/tphakala/radiotrack/internal/observability/metrics"
)

const (
	deleteBatchSize = 500
	reloadBatchSize = 200
)

// Store is the fingerprint store: gorm tables plus the engine's in-memory index.
type Store struct {
	db      *gorm.DB
	engine  fingerprint.Engine
	log     logger.Logger
	metrics *metrics.IndexerMetrics
	now     func() time.Time
}

// New wraps an open gorm connection and migrates the schema.
func New(db *gorm.DB, engine fingerprint.Engine, log logger.Logger, m *metrics.IndexerMetrics) (*Store, error) {
	if log == nil {
		log = logger.Global().Module("store")
	}
	if err := db.AutoMigrate(&Track{}, &TrackHash{}); err != nil {
		return nil, dbError(err, "migrate")
	}
	return &Store{db: db, engine: engine, log: log, metrics: m, now: time.Now}, nil
}

// Engine returns the index engine backed by this store.
func (s *Store) Engine() fingerprint.Engine { return s.engine }

// UpsertTrackAndHashes writes both rows of a track in one transaction and
// then inserts the payload into the in-memory index.
func (s *Store) UpsertTrackAndHashes(ctx context.Context, rec TrackRecord, payload []byte) error {
	if err := s.SaveTrackAndHashes(ctx, rec, payload); err != nil {
		return err
	}
	info := fingerprint.TrackInfo{TrackID: rec.TrackID, Title: rec.Title, Artist: rec.Artist}
	if err := s.engine.Insert(info, payload); err != nil {
		return err
	}
	s.metrics.SetMirrorTracks(s.engine.Stats().Tracks)
	return nil
}

// SaveTrackAndHashes writes both rows of a track in one transaction without
// touching the in-memory index. Callers publish saved tracks with
// PublishTracks.
func (s *Store) SaveTrackAndHashes(ctx context.Context, rec TrackRecord, payload []byte) error {
	track := Track{
		TrackID:      rec.TrackID,
		Title:        rec.Title,
		Artist:       rec.Artist,
		FilePath:     rec.FilePath,
		LastWriteUTC: normalizeWriteTime(rec.LastWriteUTC),
	}
	hash := TrackHash{
		TrackID:   rec.TrackID,
		Payload:   payload,
		HashCount: rec.HashCount,
		CreatedAt: s.now().UTC(),
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&track).Error; err != nil {
			return err
		}
		return tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&hash).Error
	})
	if err != nil {
		return trackError(err, "upsert", rec.TrackID)
	}
	return nil
}

// PublishTracks inserts saved tracks into the in-memory index in a single
// update. Corrupt payloads are logged and skipped; it returns the number of
// tracks published.
func (s *Store) PublishTracks(entries []fingerprint.Entry) int {
	if len(entries) == 0 {
		return 0
	}
	published, corrupt := s.engine.InsertMany(entries)
	if corrupt != nil {
		for _, err := range unwrapJoined(corrupt) {
			s.log.Warn("skipping corrupt fingerprint", logger.Error(err))
		}
	}
	s.metrics.SetMirrorTracks(s.engine.Stats().Tracks)
	return published
}

// DeleteTrack removes both rows of one track in a single transaction.
// The in-memory index catches up on the next ReloadInMemoryModel.
func (s *Store) DeleteTrack(ctx context.Context, trackID string) error {
	_, err := s.DeleteTracks(ctx, []string{trackID})
	return err
}

// DeleteTracks removes tracks in batches, each batch in one transaction, and
// returns how many track rows were deleted.
func (s *Store) DeleteTracks(ctx context.Context, trackIDs []string) (int, error) {
	var deleted int64
	for start := 0; start < len(trackIDs); start += deleteBatchSize {
		batch := trackIDs[start:min(start+deleteBatchSize, len(trackIDs))]
		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := tx.Where("track_id IN ?", batch).Delete(&TrackHash{}).Error; err != nil {
				return err
			}
			res := tx.Where("track_id IN ?", batch).Delete(&Track{})
			if res.Error != nil {
				return res.Error
			}
			deleted += res.RowsAffected
			return nil
		})
		if err != nil {
			return int(deleted), dbError(err, "delete")
		}
	}
	return int(deleted), nil
}

// ListTracks returns every stored track ordered by id.
func (s *Store) ListTracks(ctx context.Context) ([]Track, error) {
	var tracks []Track
	if err := s.db.WithContext(ctx).Order("track_id").Find(&tracks).Error; err != nil {
		return nil, dbError(err, "list")
	}
	return tracks, nil
}

// IsTrackUpToDate reports whether the stored last-write time of trackID is
// at or after lastWriteUTC. Unknown tracks are not up to date.
func (s *Store) IsTrackUpToDate(ctx context.Context, trackID string, lastWriteUTC time.Time) (bool, error) {
	var track Track
	err := s.db.WithContext(ctx).
		Select("track_id", "last_write_utc").
		Where("track_id = ?", trackID).
		Take(&track).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, trackError(err, "lookup", trackID)
	}
	return !track.LastWriteUTC.UTC().Before(normalizeWriteTime(lastWriteUTC)), nil
}

// ReloadInMemoryModel rebuilds the in-memory index from every stored row and
// swaps it in atomically. Corrupt payloads are logged and skipped. It
// returns the number of tracks loaded.
func (s *Store) ReloadInMemoryModel(ctx context.Context) (int, error) {
	db := s.db.WithContext(ctx)

	var tracks []Track
	if err := db.Find(&tracks).Error; err != nil {
		return 0, dbError(err, "reload")
	}
	byID := make(map[string]Track, len(tracks))
	for _, t := range tracks {
		byID[t.TrackID] = t
	}

	entries := make([]fingerprint.Entry, 0, len(tracks))
	var batch []TrackHash
	res := db.Order("track_id").FindInBatches(&batch, reloadBatchSize, func(_ *gorm.DB, _ int) error {
		for _, h := range batch {
			t, ok := byID[h.TrackID]
			if !ok {
				s.log.Warn("fingerprint without track row, skipping", logger.String("track_id", h.TrackID))
				continue
			}
			entries = append(entries, fingerprint.Entry{
				Track:   fingerprint.TrackInfo{TrackID: t.TrackID, Title: t.Title, Artist: t.Artist},
				Payload: h.Payload,
			})
		}
		return ctx.Err()
	})
	if res.Error != nil {
		return 0, dbError(res.Error, "reload")
	}

	loaded, corrupt := s.engine.Replace(entries)
	skipped := 0
	if corrupt != nil {
		for _, err := range unwrapJoined(corrupt) {
			skipped++
			s.log.Warn("skipping corrupt fingerprint", logger.Error(err))
		}
	}
	s.metrics.RecordReload(loaded, skipped)

	s.log.Info("in-memory index reloaded",
		logger.Int("loaded", loaded),
		logger.Int("skipped", skipped))
	return loaded, nil
}

// Stats returns persisted row counts and the in-memory index size.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	db := s.db.WithContext(ctx)
	if err := db.Model(&Track{}).Count(&st.Tracks).Error; err != nil {
		return st, dbError(err, "stats")
	}
	var sum struct{ Total int64 }
	if err := db.Model(&TrackHash{}).Select("COALESCE(SUM(hash_count), 0) AS total").Scan(&sum).Error; err != nil {
		return st, dbError(err, "stats")
	}
	st.Hashes = sum.Total

	mirror := s.engine.Stats()
	st.MirrorTracks = mirror.Tracks
	st.MirrorHashes = mirror.Hashes
	return st, nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return dbError(err, "close")
	}
	return sqlDB.Close()
}

func unwrapJoined(err error) []error {
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		return joined.Unwrap()
	}
	return []error{err}
}

func dbError(err error, op string) error {
	return errors.New(err).
		Component("store").
		Category(errors.CategoryDatabase).
		Context("operation", op).
		Build()
}

func trackError(err error, op, trackID string) error {
	return errors.New(err).
		Component("store").
		Category(errors.CategoryDatabase).
		Context("operation", op).
		Context("track_id", trackID).
		Build()
}
