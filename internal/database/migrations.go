package database

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationCreateRelaySchema   = "2026-09-14_create_relay_schema"
	migrationCreateCursorTable   = "2026-09-14_create_relay_cursors"
	migrationIndexMessageListing = "2026-09-21_index_message_listing"
)

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func relayMigrations() []migrationDefinition {
	return []migrationDefinition{
		{name: migrationCreateRelaySchema, apply: execStatements(relaySchemaStatements...)},
		{name: migrationCreateCursorTable, apply: execStatements(cursorTableStatements...)},
		{name: migrationIndexMessageListing, apply: execStatements(messageIndexStatements...)},
	}
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	for _, migration := range relayMigrations() {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		err = db.Transaction(func(tx *gorm.DB) error {
			if err := migration.apply(tx); err != nil {
				return err
			}
			appliedAt := time.Now().UTC().Unix()
			return tx.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error
		})
		if err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

func execStatements(statements ...string) func(*gorm.DB) error {
	return func(db *gorm.DB) error {
		for _, statement := range statements {
			if err := db.Exec(statement).Error; err != nil {
				return err
			}
		}
		return nil
	}
}

var relaySchemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS users (
		did TEXT PRIMARY KEY,
		handle TEXT NOT NULL,
		nickname TEXT,
		active INTEGER NOT NULL DEFAULT 1,
		updated_at INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS rooms (
		uri TEXT PRIMARY KEY,
		cid TEXT NOT NULL,
		owner_did TEXT NOT NULL REFERENCES users(did) ON DELETE CASCADE,
		name TEXT NOT NULL,
		topic TEXT,
		languages TEXT,
		tags TEXT,
		allowlist TEXT,
		denylist TEXT,
		updated_at INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS messages (
		uri TEXT PRIMARY KEY,
		cid TEXT NOT NULL,
		collection TEXT NOT NULL,
		did TEXT NOT NULL REFERENCES users(did) ON DELETE CASCADE,
		room TEXT REFERENCES rooms(uri) ON DELETE CASCADE,
		content TEXT NOT NULL,
		facets TEXT,
		reply TEXT,
		indexed_at INTEGER NOT NULL,
		updated_at INTEGER
	)`,
	`CREATE INDEX IF NOT EXISTS idx_rooms_owner ON rooms(owner_did)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_did ON messages(did)`,
}

var cursorTableStatements = []string{
	`CREATE TABLE IF NOT EXISTS relay_cursors (
		name TEXT PRIMARY KEY,
		cursor INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	)`,
}

var messageIndexStatements = []string{
	`CREATE INDEX IF NOT EXISTS idx_messages_room_indexed ON messages(room, indexed_at DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_indexed ON messages(indexed_at DESC)`,
}
