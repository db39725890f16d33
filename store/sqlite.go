package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"

	"github.com/cypherkit/cyphercore/models"
)

// DefaultDBFileName is the SQLite filename under the account data dir.
const DefaultDBFileName = "cyphercore.db"

var migrations = []string{
	`
CREATE TABLE IF NOT EXISTS conversations (
  id      TEXT PRIMARY KEY,
  payload BLOB NOT NULL
);
`,
	`
CREATE TABLE IF NOT EXISTS chat_messages (
  id               TEXT PRIMARY KEY,
  conversation_id  TEXT NOT NULL REFERENCES conversations(id),
  sender_device_id TEXT NOT NULL,
  msg_order        INTEGER NOT NULL,
  remote_id        TEXT NOT NULL UNIQUE,
  payload          BLOB NOT NULL,
  UNIQUE (conversation_id, sender_device_id, msg_order)
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_chat_messages_conversation
ON chat_messages (conversation_id, sender_device_id, msg_order);
`,
	`
CREATE TABLE IF NOT EXISTS device_identities (
  id      TEXT PRIMARY KEY,
  owner   TEXT NOT NULL,
  payload BLOB NOT NULL
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_device_identities_owner
ON device_identities (owner);
`,
	`
CREATE TABLE IF NOT EXISTS task_queue (
  seq     INTEGER PRIMARY KEY AUTOINCREMENT,
  task_id TEXT NOT NULL UNIQUE,
  payload BLOB NOT NULL
);
`,
}

// SQLiteStore is the durable Store implementation. Payload columns hold
// already-encrypted bytes; only ids, the sender device, the order and the
// identity owner are stored in the clear as query indexes.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// OpenSQLite opens (creating if necessary) the account database at dir and
// runs pending migrations.
func OpenSQLite(dir string) (*SQLiteStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	path := filepath.Join(dir, DefaultDBFileName)
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &SQLiteStore{db: db, path: path}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"function": "OpenSQLite",
		"path":     path,
	}).Info("Account database opened")

	return s, nil
}

func (s *SQLiteStore) migrate() error {
	for i, stmt := range migrations {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migration %d: %w", i, err)
		}
	}
	return nil
}

// CreateConversation implements Store.
func (s *SQLiteStore) CreateConversation(conv models.Conversation) error {
	_, err := s.db.Exec(
		`INSERT INTO conversations (id, payload) VALUES (?, ?)`,
		conv.ID, []byte(conv.Payload),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: conversation %q", ErrDuplicate, conv.ID)
		}
		return fmt.Errorf("insert conversation %q: %w", conv.ID, err)
	}
	return nil
}

// UpdateConversation implements Store.
func (s *SQLiteStore) UpdateConversation(conv models.Conversation) error {
	res, err := s.db.Exec(
		`UPDATE conversations SET payload = ? WHERE id = ?`,
		[]byte(conv.Payload), conv.ID,
	)
	if err != nil {
		return fmt.Errorf("update conversation %q: %w", conv.ID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("conversation %q not found", conv.ID)
	}
	return nil
}

// GetConversation implements Store.
func (s *SQLiteStore) GetConversation(id string) (models.Conversation, bool, error) {
	var payload []byte
	err := s.db.QueryRow(`SELECT payload FROM conversations WHERE id = ?`, id).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Conversation{}, false, nil
	}
	if err != nil {
		return models.Conversation{}, false, fmt.Errorf("get conversation %q: %w", id, err)
	}
	return models.Conversation{ID: id, Payload: payload}, true, nil
}

// ListConversations implements Store.
func (s *SQLiteStore) ListConversations() ([]models.Conversation, error) {
	rows, err := s.db.Query(`SELECT id, payload FROM conversations ORDER BY rowid`)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var out []models.Conversation
	for rows.Next() {
		var conv models.Conversation
		var payload []byte
		if err := rows.Scan(&conv.ID, &payload); err != nil {
			return nil, err
		}
		conv.Payload = payload
		out = append(out, conv)
	}
	return out, rows.Err()
}

// CreateChatMessage implements Store.
func (s *SQLiteStore) CreateChatMessage(msg models.ChatMessage) error {
	_, err := s.db.Exec(
		`INSERT INTO chat_messages (
			id,
			conversation_id,
			sender_device_id,
			msg_order,
			remote_id,
			payload
		) VALUES (?, ?, ?, ?, ?, ?)`,
		msg.ID,
		msg.ConversationID,
		string(msg.SenderDeviceID),
		msg.Order,
		msg.RemoteID,
		[]byte(msg.Payload),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: message %q", ErrDuplicate, msg.RemoteID)
		}
		return fmt.Errorf("insert message %q: %w", msg.ID, err)
	}
	return nil
}

// GetChatMessageByRemoteID implements Store.
func (s *SQLiteStore) GetChatMessageByRemoteID(remoteID string) (models.ChatMessage, bool, error) {
	row := s.db.QueryRow(
		`SELECT id, conversation_id, sender_device_id, msg_order, payload
		 FROM chat_messages WHERE remote_id = ?`, remoteID)

	msg := models.ChatMessage{RemoteID: remoteID}
	var sender string
	var payload []byte
	err := row.Scan(&msg.ID, &msg.ConversationID, &sender, &msg.Order, &payload)
	if errors.Is(err, sql.ErrNoRows) {
		return models.ChatMessage{}, false, nil
	}
	if err != nil {
		return models.ChatMessage{}, false, fmt.Errorf("get message by remote id: %w", err)
	}
	msg.SenderDeviceID = models.DeviceID(sender)
	msg.Payload = payload
	return msg, true, nil
}

// ListChatMessages implements Store.
func (s *SQLiteStore) ListChatMessages(conversationID string) ([]models.ChatMessage, error) {
	rows, err := s.db.Query(
		`SELECT id, sender_device_id, msg_order, remote_id, payload
		 FROM chat_messages
		 WHERE conversation_id = ?
		 ORDER BY sender_device_id, msg_order`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	return scanMessages(rows, conversationID)
}

// ListChatMessagesBySender implements Store.
func (s *SQLiteStore) ListChatMessagesBySender(conversationID string, sender models.DeviceID, fromOrder, toOrder int64) ([]models.ChatMessage, error) {
	query := `SELECT id, sender_device_id, msg_order, remote_id, payload
		 FROM chat_messages
		 WHERE conversation_id = ? AND sender_device_id = ? AND msg_order >= ?`
	args := []any{conversationID, string(sender), fromOrder}
	if toOrder > 0 {
		query += ` AND msg_order <= ?`
		args = append(args, toOrder)
	}
	query += ` ORDER BY msg_order`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list messages by sender: %w", err)
	}
	defer rows.Close()

	return scanMessages(rows, conversationID)
}

func scanMessages(rows *sql.Rows, conversationID string) ([]models.ChatMessage, error) {
	var out []models.ChatMessage
	for rows.Next() {
		msg := models.ChatMessage{ConversationID: conversationID}
		var sender string
		var payload []byte
		if err := rows.Scan(&msg.ID, &sender, &msg.Order, &msg.RemoteID, &payload); err != nil {
			return nil, err
		}
		msg.SenderDeviceID = models.DeviceID(sender)
		msg.Payload = payload
		out = append(out, msg)
	}
	return out, rows.Err()
}

// SaveDeviceIdentity implements Store.
func (s *SQLiteStore) SaveDeviceIdentity(rec models.StoredDeviceIdentity) error {
	_, err := s.db.Exec(
		`INSERT INTO device_identities (id, owner, payload) VALUES (?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET payload = excluded.payload`,
		rec.ID, string(rec.Owner), []byte(rec.Payload),
	)
	if err != nil {
		return fmt.Errorf("save device identity %q: %w", rec.ID, err)
	}
	return nil
}

// ListDeviceIdentities implements Store.
func (s *SQLiteStore) ListDeviceIdentities(owner models.Username) ([]models.StoredDeviceIdentity, error) {
	rows, err := s.db.Query(
		`SELECT id, payload FROM device_identities WHERE owner = ? ORDER BY rowid`,
		string(owner))
	if err != nil {
		return nil, fmt.Errorf("list device identities: %w", err)
	}
	defer rows.Close()

	var out []models.StoredDeviceIdentity
	for rows.Next() {
		rec := models.StoredDeviceIdentity{Owner: owner}
		var payload []byte
		if err := rows.Scan(&rec.ID, &payload); err != nil {
			return nil, err
		}
		rec.Payload = payload
		out = append(out, rec)
	}
	return out, rows.Err()
}

// AppendTask implements Store.
func (s *SQLiteStore) AppendTask(rec models.TaskRecord) error {
	_, err := s.db.Exec(
		`INSERT INTO task_queue (task_id, payload) VALUES (?, ?)`,
		rec.ID, []byte(rec.Payload),
	)
	if err != nil {
		return fmt.Errorf("append task %q: %w", rec.ID, err)
	}
	return nil
}

// OldestTask implements Store.
func (s *SQLiteStore) OldestTask() (models.TaskRecord, bool, error) {
	var rec models.TaskRecord
	var payload []byte
	err := s.db.QueryRow(
		`SELECT task_id, payload FROM task_queue ORDER BY seq LIMIT 1`,
	).Scan(&rec.ID, &payload)
	if errors.Is(err, sql.ErrNoRows) {
		return models.TaskRecord{}, false, nil
	}
	if err != nil {
		return models.TaskRecord{}, false, fmt.Errorf("peek task queue: %w", err)
	}
	rec.Payload = payload
	return rec, true, nil
}

// RemoveTask implements Store.
func (s *SQLiteStore) RemoveTask(id string) error {
	res, err := s.db.Exec(`DELETE FROM task_queue WHERE task_id = ?`, id)
	if err != nil {
		return fmt.Errorf("remove task %q: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("task %q not found", id)
	}
	return nil
}

// ListTasks implements Store.
func (s *SQLiteStore) ListTasks() ([]models.TaskRecord, error) {
	rows, err := s.db.Query(`SELECT task_id, payload FROM task_queue ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []models.TaskRecord
	for rows.Next() {
		var rec models.TaskRecord
		var payload []byte
		if err := rows.Scan(&rec.ID, &payload); err != nil {
			return nil, err
		}
		rec.Payload = payload
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
