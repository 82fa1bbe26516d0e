package runtime

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/nextlevelbuilder/tinycrab/internal/providers"
)

// historyStore persists a session's conversation turns to a sqlite file in
// the session directory. The format is owned by this runtime; nothing else
// reads it.
type historyStore struct {
	db *sql.DB
}

func openHistory(sessionDir string) (*historyStore, error) {
	if err := os.MkdirAll(sessionDir, 0o755); err != nil {
		return nil, fmt.Errorf("history: create session dir: %w", err)
	}

	db, err := sql.Open("sqlite", filepath.Join(sessionDir, "history.db"))
	if err != nil {
		return nil, fmt.Errorf("history: open: %w", err)
	}

	const schema = `
		CREATE TABLE IF NOT EXISTS messages (
			seq        INTEGER PRIMARY KEY AUTOINCREMENT,
			role       TEXT NOT NULL,
			content    TEXT NOT NULL,
			tool_calls TEXT,
			tool_call_id TEXT,
			created_at INTEGER NOT NULL
		)`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("history: migrate: %w", err)
	}
	return &historyStore{db: db}, nil
}

// load returns all persisted messages in insertion order.
func (h *historyStore) load() ([]providers.Message, error) {
	rows, err := h.db.Query(`SELECT role, content, tool_calls, tool_call_id FROM messages ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("history: load: %w", err)
	}
	defer rows.Close()

	var msgs []providers.Message
	for rows.Next() {
		var m providers.Message
		var toolCalls, toolCallID sql.NullString
		if err := rows.Scan(&m.Role, &m.Content, &toolCalls, &toolCallID); err != nil {
			return nil, fmt.Errorf("history: scan: %w", err)
		}
		if toolCalls.Valid && toolCalls.String != "" {
			// Corrupt tool-call JSON is dropped rather than failing the
			// whole session resume.
			_ = json.Unmarshal([]byte(toolCalls.String), &m.ToolCalls)
		}
		m.ToolCallID = toolCallID.String
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// append persists one message.
func (h *historyStore) append(m providers.Message) error {
	var toolCalls string
	if len(m.ToolCalls) > 0 {
		data, err := json.Marshal(m.ToolCalls)
		if err != nil {
			return fmt.Errorf("history: marshal tool calls: %w", err)
		}
		toolCalls = string(data)
	}

	_, err := h.db.Exec(
		`INSERT INTO messages (role, content, tool_calls, tool_call_id, created_at) VALUES (?, ?, ?, ?, ?)`,
		m.Role, m.Content, toolCalls, m.ToolCallID, time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("history: append: %w", err)
	}
	return nil
}

func (h *historyStore) close() error {
	return h.db.Close()
}
