package archive

import (
	"context"
	"fmt"
	"time"

	"github.com/andresmejia3/watchlist/internal/types"
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// DetectionEvent is the SQLite row for one archived detection.
type DetectionEvent struct {
	ID       string    `gorm:"primaryKey;size:36"`
	RunID    string    `gorm:"index;size:36"`
	SeenAt   time.Time `gorm:"index"`
	Category string    `gorm:"index;size:16"` // whitelist, blacklist, unknown
	Label    string    `gorm:"size:255"`
}

// SQLite is a file-backed Backend for running without PostgreSQL.
type SQLite struct {
	db *gorm.DB
}

// OpenSQLite opens (or creates) the archive database at path.
func OpenSQLite(path string) (*SQLite, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&DetectionEvent{}); err != nil {
		return nil, fmt.Errorf("failed to migrate archive: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) RecordEvents(ctx context.Context, events []types.Event) error {
	if len(events) == 0 {
		return nil
	}
	rows := make([]DetectionEvent, len(events))
	for i, ev := range events {
		rows[i] = DetectionEvent{
			ID:       ev.ID,
			RunID:    ev.RunID,
			SeenAt:   ev.SeenAt,
			Category: ev.Category.Slug(),
			Label:    ev.Label,
		}
	}
	return s.db.WithContext(ctx).CreateInBatches(rows, 100).Error
}

// Recent returns the newest events, oldest first. Events with the same
// timestamp come back in insertion order.
func (s *SQLite) Recent(ctx context.Context, limit int) ([]types.Event, error) {
	var rows []DetectionEvent
	err := s.db.WithContext(ctx).Order("seen_at DESC, rowid DESC").Limit(limit).Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]types.Event, len(rows))
	for i, r := range rows {
		cat, _ := types.ParseCategory(r.Category)
		out[len(rows)-1-i] = types.Event{ID: r.ID, RunID: r.RunID, SeenAt: r.SeenAt, Category: cat, Label: r.Label}
	}
	return out, nil
}

// Counts returns the number of archived events per category slug.
func (s *SQLite) Counts(ctx context.Context) (map[string]int, error) {
	var rows []struct {
		Category string
		N        int
	}
	err := s.db.WithContext(ctx).Model(&DetectionEvent{}).
		Select("category, COUNT(*) AS n").
		Group("category").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[string]int, len(rows))
	for _, r := range rows {
		out[r.Category] = r.N
	}
	return out, nil
}

// Purge deletes every archived event.
func (s *SQLite) Purge(ctx context.Context) (int64, error) {
	res := s.db.WithContext(ctx).Where("1 = 1").Delete(&DetectionEvent{})
	return res.RowsAffected, res.Error
}

func (s *SQLite) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
