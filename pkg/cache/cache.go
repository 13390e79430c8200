// Package cache persists server-confirmed messages in a local SQLite file
// so a reopened conversation renders instantly from disk while the network
// sync catches up. Only SAVED messages are written; optimistic state never
// touches the cache.
package cache

import (
	"database/sql"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"

	"github.com/voxhall/chatsync/pkg/model"

	_ "modernc.org/sqlite"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Cache is a local message cache. Safe for concurrent use; SQLite runs in
// WAL mode with a busy timeout to absorb writer contention.
type Cache struct {
	db *sql.DB
}

// Open opens (or creates) the cache database and migrates the schema.
func Open(path string) (*Cache, error) {
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open cache db")
	}
	db.SetMaxOpenConns(2)

	c := &Cache{db: db}
	if err := c.migrate(); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "migrate cache db")
	}

	return c, nil
}

func (c *Cache) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS messages (
		id              TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL,
		sender_id       TEXT NOT NULL,
		content         TEXT NOT NULL,
		created_at      TEXT NOT NULL,
		pinned          INTEGER NOT NULL DEFAULT 0,
		read_by         TEXT,
		reactions       TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_messages_conv_created
		ON messages(conversation_id, created_at);
	`

	_, err := c.db.Exec(schema)

	return err
}

// Put upserts one persisted message. Messages without a server id are
// skipped: the cache only holds confirmed state.
func (c *Cache) Put(msg model.Message) error {
	if msg.ID == "" {
		return nil
	}

	readBy, err := json.MarshalToString(msg.ReadBy)
	if err != nil {
		return errors.Wrap(err, "encode read_by")
	}

	reactions, err := json.MarshalToString(msg.Reactions)
	if err != nil {
		return errors.Wrap(err, "encode reactions")
	}

	_, err = c.db.Exec(`
		INSERT INTO messages (id, conversation_id, sender_id, content, created_at, pinned, read_by, reactions)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			content = excluded.content,
			pinned = excluded.pinned,
			read_by = excluded.read_by,
			reactions = excluded.reactions`,
		msg.ID, msg.ConversationID, msg.SenderID, msg.Content,
		msg.CreatedAt.UTC().Format(time.RFC3339Nano),
		boolToInt(msg.Pinned), readBy, reactions,
	)

	return errors.Wrap(err, "upsert message")
}

// Recent returns up to limit most recent cached messages for a
// conversation, oldest first, all with status SAVED.
func (c *Cache) Recent(conversationID string, limit int) ([]model.Message, error) {
	rows, err := c.db.Query(`
		SELECT id, conversation_id, sender_id, content, created_at, pinned, read_by, reactions
		FROM messages
		WHERE conversation_id = ?
		ORDER BY created_at DESC
		LIMIT ?`,
		conversationID, limit,
	)
	if err != nil {
		return nil, errors.Wrap(err, "query recent messages")
	}
	defer rows.Close()

	var out []model.Message

	for rows.Next() {
		var (
			msg       model.Message
			createdAt string
			pinned    int
			readBy    sql.NullString
			reactions sql.NullString
		)

		if err := rows.Scan(&msg.ID, &msg.ConversationID, &msg.SenderID, &msg.Content,
			&createdAt, &pinned, &readBy, &reactions); err != nil {
			return nil, errors.Wrap(err, "scan message")
		}

		msg.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt)
		if err != nil {
			return nil, errors.Wrap(err, "parse created_at")
		}

		msg.Pinned = pinned != 0
		msg.Status = model.StatusSaved

		if readBy.Valid && readBy.String != "" && readBy.String != "null" {
			if err := json.UnmarshalFromString(readBy.String, &msg.ReadBy); err != nil {
				return nil, errors.Wrap(err, "decode read_by")
			}
		}
		if reactions.Valid && reactions.String != "" && reactions.String != "null" {
			if err := json.UnmarshalFromString(reactions.String, &msg.Reactions); err != nil {
				return nil, errors.Wrap(err, "decode reactions")
			}
		}

		out = append(out, msg)
	}

	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate messages")
	}

	// Reverse into chronological order.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}

	return out, nil
}

// Close closes the database.
func (c *Cache) Close() error { return c.db.Close() }

func boolToInt(b bool) int {
	if b {
		return 1
	}

	return 0
}
