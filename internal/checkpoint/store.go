// Package checkpoint persists the upstream stream position between restarts.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DefaultName keys the relay's cursor row in the table backend.
const DefaultName = "jetstream"

// Store loads and saves a single stream position. Zero means no position is stored.
type Store interface {
	Load(ctx context.Context) (int64, error)
	Save(ctx context.Context, cursor int64) error
}

// FileStore keeps the cursor as a decimal number in a text file.
type FileStore struct {
	path string
}

// NewFileStore returns a file backed store writing to path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Load returns the stored cursor. A missing or empty file yields 0.
func (s *FileStore) Load(_ context.Context) (int64, error) {
	contents, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read cursor file: %w", err)
	}
	trimmed := strings.TrimSpace(string(contents))
	if trimmed == "" {
		return 0, nil
	}
	cursor, err := strconv.ParseInt(trimmed, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse cursor file %s: %w", s.path, err)
	}
	return cursor, nil
}

// Save replaces the file atomically so a crash never leaves a torn value.
func (s *FileStore) Save(_ context.Context, cursor int64) error {
	dir := filepath.Dir(s.path)
	temp, err := os.CreateTemp(dir, filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create cursor temp file: %w", err)
	}
	tempName := temp.Name()
	if _, err := temp.WriteString(strconv.FormatInt(cursor, 10)); err != nil {
		temp.Close()
		os.Remove(tempName)
		return fmt.Errorf("write cursor temp file: %w", err)
	}
	if err := temp.Close(); err != nil {
		os.Remove(tempName)
		return fmt.Errorf("close cursor temp file: %w", err)
	}
	if err := os.Rename(tempName, s.path); err != nil {
		os.Remove(tempName)
		return fmt.Errorf("replace cursor file: %w", err)
	}
	return nil
}

type cursorRow struct {
	Name      string `gorm:"column:name;primaryKey"`
	Cursor    int64  `gorm:"column:cursor;not null"`
	UpdatedAt int64  `gorm:"column:updated_at;not null;autoUpdateTime:false"`
}

func (cursorRow) TableName() string {
	return "relay_cursors"
}

// TableStore keeps the cursor in the relay_cursors table.
type TableStore struct {
	db    *gorm.DB
	name  string
	clock func() time.Time
}

// NewTableStore returns a database backed store for the named cursor.
func NewTableStore(db *gorm.DB, name string) *TableStore {
	if name == "" {
		name = DefaultName
	}
	return &TableStore{db: db, name: name, clock: time.Now}
}

// Load returns the stored cursor or 0 when no row exists.
func (s *TableStore) Load(ctx context.Context) (int64, error) {
	var row cursorRow
	err := s.db.WithContext(ctx).Where("name = ?", s.name).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get cursor %s: %w", s.name, err)
	}
	return row.Cursor, nil
}

// Save upserts the cursor row.
func (s *TableStore) Save(ctx context.Context, cursor int64) error {
	row := cursorRow{Name: s.name, Cursor: cursor, UpdatedAt: s.clock().UTC().UnixMilli()}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{"cursor", "updated_at"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("failed to set cursor %s: %w", s.name, err)
	}
	return nil
}
