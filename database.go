package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/disgoorg/snowflake/v2"
	sqlite3 "github.com/mattn/go-sqlite3"
)

// ===========================
// Database
// ===========================

const (
	MsgDatabasePragmaError = "failed to apply pragma %q: %v"
	MsgDatabaseTableError  = "failed to create table: %w"
	MsgDBMigrationFail     = "failed to migrate database: %w"
	MsgDBParseGuildIDFail  = "failed to parse guild ID '%s' for xp member: %w"
	MsgDBParseUserIDFail   = "failed to parse user ID '%s' for xp member: %w"
)

var DB *sql.DB

func InitDatabase(ctx context.Context, dataSourceName string) error {
	_ = sqlite3.SQLiteDriver{}

	var err error
	DB, err = sql.Open("sqlite3", dataSourceName)
	if err != nil {
		return err
	}

	DB.SetMaxOpenConns(5)

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA cache_size=-2000;",
	}

	initCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	for _, p := range pragmas {
		if _, err := DB.ExecContext(initCtx, p); err != nil {
			return fmt.Errorf(MsgDatabasePragmaError, p, err)
		}
	}

	tx, err := DB.BeginTx(initCtx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	tableQueries := []string{
		`CREATE TABLE IF NOT EXISTS bot_config (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS kv_store (
			path TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS xp_members (
			guild_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			xp INTEGER NOT NULL DEFAULT 0,
			level INTEGER NOT NULL DEFAULT 0,
			last_message_at DATETIME,
			last_decay_at DATETIME,
			PRIMARY KEY (guild_id, user_id)
		)`,
		`CREATE TABLE IF NOT EXISTS music_sessions (
			guild_id TEXT PRIMARY KEY,
			state TEXT NOT NULL,
			exported_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_xp_members_guild ON xp_members(guild_id)`,
	}

	for _, q := range tableQueries {
		if _, err := tx.ExecContext(initCtx, q); err != nil {
			return fmt.Errorf(MsgDatabaseTableError, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	migrations := []string{
		"ALTER TABLE xp_members ADD COLUMN last_decay_at DATETIME",
	}

	for _, m := range migrations {
		if _, err := DB.ExecContext(initCtx, m); err != nil {
			if !strings.Contains(err.Error(), "duplicate column") {
				return fmt.Errorf(MsgDBMigrationFail, err)
			}
		}
	}

	return nil
}

func CloseDatabase() {
	if DB != nil {
		DB.Close()
	}
}

// ===========================
// Bot Config
// ===========================

func GetBotConfig(ctx context.Context, key string) (string, error) {
	var value string
	err := DB.QueryRowContext(ctx, "SELECT value FROM bot_config WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

func SetBotConfig(ctx context.Context, key, value string) error {
	_, err := DB.ExecContext(ctx, `
		INSERT INTO bot_config (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP
	`, key, value)
	return err
}

// ===========================
// Hierarchical KV Store
// ===========================

// StorePath joins string segments into a store path ("xp/guilds/123/users/456").
func StorePath(segments ...string) string {
	return strings.Join(segments, "/")
}

// StoreGet returns the JSON value stored at path, or "" if absent.
func StoreGet(ctx context.Context, path string) (string, error) {
	var value string
	err := DB.QueryRowContext(ctx, "SELECT value FROM kv_store WHERE path = ?", path).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

// StoreSet overwrites the value at path.
func StoreSet(ctx context.Context, path string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	_, err = DB.ExecContext(ctx, `
		INSERT INTO kv_store (path, value) VALUES (?, ?)
		ON CONFLICT(path) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP
	`, path, string(data))
	return err
}

// StoreUpdate merges partial keys into the JSON object stored at path.
func StoreUpdate(ctx context.Context, path string, partial map[string]any) error {
	raw, err := StoreGet(ctx, path)
	if err != nil {
		return err
	}
	current := make(map[string]any)
	if raw != "" {
		if err := json.Unmarshal([]byte(raw), &current); err != nil {
			return err
		}
	}
	for k, v := range partial {
		current[k] = v
	}
	return StoreSet(ctx, path, current)
}

// StoreRemove deletes the value at path and everything below it.
func StoreRemove(ctx context.Context, path string) error {
	_, err := DB.ExecContext(ctx, "DELETE FROM kv_store WHERE path = ? OR path LIKE ?", path, path+"/%")
	return err
}

// ===========================
// XP Persistence
// ===========================

type XPRecord struct {
	GuildID       snowflake.ID
	UserID        snowflake.ID
	XP            int64
	Level         int
	LastMessageAt time.Time
	LastDecayAt   time.Time
}

// SaveXPBatch writes a batch of member records in one transaction.
func SaveXPBatch(ctx context.Context, records []XPRecord) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO xp_members (guild_id, user_id, xp, level, last_message_at, last_decay_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(guild_id, user_id) DO UPDATE SET
			xp = excluded.xp,
			level = excluded.level,
			last_message_at = excluded.last_message_at,
			last_decay_at = excluded.last_decay_at
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, r := range records {
		if _, err := stmt.ExecContext(ctx, r.GuildID.String(), r.UserID.String(), r.XP, r.Level, r.LastMessageAt, r.LastDecayAt); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// LoadXPMembers loads all persisted members for a guild, ordered by XP descending.
func LoadXPMembers(ctx context.Context, guildID snowflake.ID) ([]XPRecord, error) {
	rows, err := DB.QueryContext(ctx, `
		SELECT guild_id, user_id, xp, level, last_message_at, last_decay_at
		FROM xp_members WHERE guild_id = ? ORDER BY xp DESC
	`, guildID.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []XPRecord
	for rows.Next() {
		var r XPRecord
		var gid, uid string
		var lastMsg, lastDecay sql.NullTime
		if err := rows.Scan(&gid, &uid, &r.XP, &r.Level, &lastMsg, &lastDecay); err != nil {
			return nil, err
		}
		if r.GuildID, err = snowflake.Parse(gid); err != nil {
			return nil, fmt.Errorf(MsgDBParseGuildIDFail, gid, err)
		}
		if r.UserID, err = snowflake.Parse(uid); err != nil {
			return nil, fmt.Errorf(MsgDBParseUserIDFail, uid, err)
		}
		r.LastMessageAt = lastMsg.Time
		r.LastDecayAt = lastDecay.Time
		records = append(records, r)
	}
	return records, rows.Err()
}

// ===========================
// Music Session Snapshots
// ===========================

func SaveMusicSnapshot(ctx context.Context, guildID snowflake.ID, state string, exportedAt time.Time) error {
	_, err := DB.ExecContext(ctx, `
		INSERT INTO music_sessions (guild_id, state, exported_at) VALUES (?, ?, ?)
		ON CONFLICT(guild_id) DO UPDATE SET state = excluded.state, exported_at = excluded.exported_at
	`, guildID.String(), state, exportedAt)
	return err
}

func LoadMusicSnapshots(ctx context.Context) (map[snowflake.ID]string, error) {
	rows, err := DB.QueryContext(ctx, "SELECT guild_id, state FROM music_sessions")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	snapshots := make(map[snowflake.ID]string)
	for rows.Next() {
		var gid, state string
		if err := rows.Scan(&gid, &state); err != nil {
			return nil, err
		}
		id, err := snowflake.Parse(gid)
		if err != nil {
			continue
		}
		snapshots[id] = state
	}
	return snapshots, rows.Err()
}

func DeleteMusicSnapshot(ctx context.Context, guildID snowflake.ID) error {
	_, err := DB.ExecContext(ctx, "DELETE FROM music_sessions WHERE guild_id = ?", guildID.String())
	return err
}
