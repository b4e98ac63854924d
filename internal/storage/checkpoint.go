// Package storage persists the ingest pipeline's per-source checkpoints
// so a restarted daemon can report the watermark and sources_hash it
// left off at, without replaying segments the ring store already
// discarded. It never sits on the hot Tick path; checkpoints are
// written on a scheduler cadence (see internal/scheduler).
package storage

import (
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"gorm.io/gorm"

	"github.com/jmylchreest/tvarr-hlsingest/internal/ingest"
)

// SourceCheckpoint is the persisted row for one source's last-observed
// ingest state. SourceIndex plus SourcesHash together identify which
// epoch of a sources.txt reload the checkpoint belongs to; a checkpoint
// from a stale hash is informational only; ingest never resumes a ring
// from disk state.
type SourceCheckpoint struct {
	ID           string `gorm:"primaryKey"`
	SourceIndex  int    `gorm:"index"`
	SourceURL    string
	SourcesHash  uint32 `gorm:"index"`
	State        string
	Watermark    uint32
	URLPoolHits  uint64
	URLPoolMiss  uint64
	CacheHits    uint64
	CacheMiss    uint64
	UpdatedAt    time.Time
}

// TableName pins the table name so it doesn't change if the Go type is
// renamed.
func (SourceCheckpoint) TableName() string { return "source_checkpoints" }

// CheckpointStore persists Snapshot data taken from a running
// Controller.
type CheckpointStore struct {
	db *gorm.DB
}

// NewCheckpointStore opens (and migrates) the checkpoint table on an
// already-connected gorm handle.
func NewCheckpointStore(db *gorm.DB) (*CheckpointStore, error) {
	if err := db.AutoMigrate(&SourceCheckpoint{}); err != nil {
		return nil, fmt.Errorf("migrating source_checkpoints: %w", err)
	}
	return &CheckpointStore{db: db}, nil
}

// Save upserts one checkpoint row per source in snap, keyed by
// (SourceIndex, SourcesHash). A hash change from a sources.txt reload
// is a new epoch, so it gets a new row rather than overwriting the
// previous epoch's history.
func (s *CheckpointStore) Save(snap ingest.Snapshot) error {
	now := time.Now().UTC()
	for _, src := range snap.Sources {
		row := SourceCheckpoint{
			SourceIndex: src.Index,
			SourceURL:   src.URL,
			SourcesHash: snap.SourcesHash,
			State:       src.State.String(),
			Watermark:   src.Watermark,
			URLPoolHits: snap.URLPool.Hits,
			URLPoolMiss: snap.URLPool.Misses,
			CacheHits:   snap.MediaCache.Hits,
			CacheMiss:   snap.MediaCache.Misses,
			UpdatedAt:   now,
		}

		var existing SourceCheckpoint
		err := s.db.Where("source_index = ? AND sources_hash = ?", src.Index, snap.SourcesHash).
			First(&existing).Error
		switch {
		case err == nil:
			row.ID = existing.ID
			if err := s.db.Save(&row).Error; err != nil {
				return fmt.Errorf("updating checkpoint for source %d: %w", src.Index, err)
			}
		case err == gorm.ErrRecordNotFound:
			row.ID = ulid.Make().String()
			if err := s.db.Create(&row).Error; err != nil {
				return fmt.Errorf("creating checkpoint for source %d: %w", src.Index, err)
			}
		default:
			return fmt.Errorf("querying checkpoint for source %d: %w", src.Index, err)
		}
	}
	return nil
}

// Latest returns the most recently updated checkpoint for each source
// index, regardless of epoch, for a restart-time summary log.
func (s *CheckpointStore) Latest() ([]SourceCheckpoint, error) {
	var all []SourceCheckpoint
	if err := s.db.Order("source_index asc, updated_at desc").Find(&all).Error; err != nil {
		return nil, fmt.Errorf("listing checkpoints: %w", err)
	}

	seen := make(map[int]bool)
	latest := make([]SourceCheckpoint, 0, len(all))
	for _, row := range all {
		if seen[row.SourceIndex] {
			continue
		}
		seen[row.SourceIndex] = true
		latest = append(latest, row)
	}
	return latest, nil
}
