// Package store persists track fingerprints with gorm and keeps the
// in-memory fingerprint index in step with the database.
package store

import "time"

// Track is one indexed library file.
type Track struct {
	TrackID      string    `gorm:"column:track_id;primaryKey;size:64"`
	Title        string    `gorm:"column:title;size:512"`
	Artist       string    `gorm:"column:artist;size:512"`
	FilePath     string    `gorm:"column:file_path;size:2048"`
	LastWriteUTC time.Time `gorm:"column:last_write_utc;index"`
}

// TableName implements gorm's tabler.
func (Track) TableName() string { return "tracks" }

// TrackHash holds the opaque fingerprint payload of a track.
type TrackHash struct {
	TrackID   string    `gorm:"column:track_id;primaryKey;size:64"`
	Payload   []byte    `gorm:"column:payload;not null"`
	HashCount int       `gorm:"column:hash_count"`
	CreatedAt time.Time `gorm:"column:created_at"`
}

// TableName implements gorm's tabler.
func (TrackHash) TableName() string { return "track_hashes" }

// TrackRecord is everything needed to upsert one track.
type TrackRecord struct {
	TrackID      string
	Title        string
	Artist       string
	FilePath     string
	LastWriteUTC time.Time
	HashCount    int
}

// Stats summarises persisted and in-memory index sizes.
type Stats struct {
	Tracks       int64 `json:"tracks"`
	Hashes       int64 `json:"hashes"`
	MirrorTracks int   `json:"mirror_tracks"`
	MirrorHashes int   `json:"mirror_hashes"`
}

// normalizeWriteTime drops sub-second precision, which MySQL DATETIME
// columns would otherwise round differently from the filesystem.
func normalizeWriteTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Second)
}
