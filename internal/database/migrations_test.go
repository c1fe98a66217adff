package database

import (
	"path/filepath"
	"testing"

	"go.uber.org/zap"
)

func TestOpenSQLiteAppliesMigrationsOnce(testContext *testing.T) {
	databasePath := filepath.Join(testContext.TempDir(), "relay.db")

	database, err := OpenSQLite(databasePath, zap.NewNop())
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}

	for _, table := range []string{"users", "rooms", "messages", "relay_cursors", "db_migrations"} {
		if !database.Migrator().HasTable(table) {
			testContext.Fatalf("expected table %s to exist", table)
		}
	}

	var count int64
	if err := database.Model(&migrationRecord{}).Count(&count).Error; err != nil {
		testContext.Fatalf("failed to count migrations: %v", err)
	}
	if int(count) != len(relayMigrations()) {
		testContext.Fatalf("expected %d migration records, got %d", len(relayMigrations()), count)
	}

	sqlDB, err := database.DB()
	if err != nil {
		testContext.Fatalf("failed to access sql db: %v", err)
	}
	if err := sqlDB.Close(); err != nil {
		testContext.Fatalf("failed to close sqlite: %v", err)
	}

	reopened, err := OpenSQLite(databasePath, zap.NewNop())
	if err != nil {
		testContext.Fatalf("failed to reopen sqlite: %v", err)
	}
	if err := reopened.Model(&migrationRecord{}).Count(&count).Error; err != nil {
		testContext.Fatalf("failed to count migrations: %v", err)
	}
	if int(count) != len(relayMigrations()) {
		testContext.Fatalf("expected migrations to be recorded once, got %d", count)
	}
}

func TestAccountDeleteCascadesToRoomsAndMessages(testContext *testing.T) {
	database, err := OpenSQLite(filepath.Join(testContext.TempDir(), "cascade.db"), zap.NewNop())
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}

	statements := []string{
		`INSERT INTO users (did, handle, updated_at) VALUES ('did:plc:owner', 'owner.test', 1)`,
		`INSERT INTO users (did, handle, updated_at) VALUES ('did:plc:guest', 'guest.test', 1)`,
		`INSERT INTO rooms (uri, cid, owner_did, name, updated_at) VALUES ('at://did:plc:owner/social.psky.chat.room/r1', 'c1', 'did:plc:owner', 'general', 1)`,
		`INSERT INTO messages (uri, cid, collection, did, room, content, indexed_at) VALUES ('at://did:plc:guest/social.psky.chat.message/m1', 'c2', 'social.psky.chat.message', 'did:plc:guest', 'at://did:plc:owner/social.psky.chat.room/r1', 'hello', 1)`,
		`INSERT INTO messages (uri, cid, collection, did, room, content, indexed_at) VALUES ('at://did:plc:owner/social.psky.chat.message/m2', 'c3', 'social.psky.chat.message', 'did:plc:owner', 'at://did:plc:owner/social.psky.chat.room/r1', 'welcome', 2)`,
		`INSERT INTO messages (uri, cid, collection, did, content, indexed_at) VALUES ('at://did:plc:guest/social.psky.feed.post/p1', 'c4', 'social.psky.feed.post', 'did:plc:guest', 'a post', 3)`,
	}
	for _, statement := range statements {
		if err := database.Exec(statement).Error; err != nil {
			testContext.Fatalf("failed to seed rows: %v", err)
		}
	}

	if err := database.Exec(`DELETE FROM users WHERE did = 'did:plc:owner'`).Error; err != nil {
		testContext.Fatalf("failed to delete owner: %v", err)
	}

	var rooms int64
	if err := database.Table("rooms").Count(&rooms).Error; err != nil {
		testContext.Fatalf("failed to count rooms: %v", err)
	}
	if rooms != 0 {
		testContext.Fatalf("expected owned rooms to be removed, got %d", rooms)
	}

	var remaining []string
	if err := database.Table("messages").Order("uri").Pluck("uri", &remaining).Error; err != nil {
		testContext.Fatalf("failed to list messages: %v", err)
	}
	if len(remaining) != 1 || remaining[0] != "at://did:plc:guest/social.psky.feed.post/p1" {
		testContext.Fatalf("expected only the guest post to survive, got %v", remaining)
	}
}

func TestMessageRejectsUnknownRoom(testContext *testing.T) {
	database, err := OpenSQLite(filepath.Join(testContext.TempDir(), "fk.db"), zap.NewNop())
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	if err := database.Exec(`INSERT INTO users (did, handle, updated_at) VALUES ('did:plc:a', 'a.test', 1)`).Error; err != nil {
		testContext.Fatalf("failed to seed user: %v", err)
	}
	err = database.Exec(`INSERT INTO messages (uri, cid, collection, did, room, content, indexed_at) VALUES ('at://did:plc:a/social.psky.chat.message/m', 'c', 'social.psky.chat.message', 'did:plc:a', 'at://missing', 'x', 1)`).Error
	if err == nil {
		testContext.Fatalf("expected foreign key violation for unknown room")
	}
}

func TestBuildDSN(testContext *testing.T) {
	if dsn := buildDSN(":memory:"); dsn != ":memory:?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)" {
		testContext.Fatalf("unexpected memory dsn %q", dsn)
	}
	if dsn := buildDSN("relay.db?cache=shared"); dsn != "relay.db?cache=shared&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)" {
		testContext.Fatalf("unexpected file dsn %q", dsn)
	}
}
