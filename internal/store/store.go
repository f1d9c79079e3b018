// Package store is the narrow façade over the durable record store. The
// delivery layer calls every write here best-effort: failures are logged at
// the call site and never block or reverse a real-time effect.
package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/WiReD-nEuRoN/e2ee-chatroom/internal/models"
)

var ErrNotFound = errors.New("not found")

const currentSchemaVersion = 1

const defaultHistoryLimit = 50

type Store struct {
	*sql.DB
}

func New(dataSourceName string) (*Store, error) {
	db, err := sql.Open("sqlite", dataSourceName)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(4) // SQLite is single-writer; more connections waste FDs and increase lock contention
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(2 * time.Minute)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, err
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		return nil, err
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		return nil, err
	}

	if err := db.Ping(); err != nil {
		return nil, err
	}

	if err := runMigrations(db); err != nil {
		return nil, err
	}

	return &Store{db}, nil
}

func runMigrations(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return err
	}
	if version > currentSchemaVersion {
		return fmt.Errorf("database schema version %d is newer than supported version %d", version, currentSchemaVersion)
	}

	if version < 1 {
		tx, err := db.Begin()
		if err != nil {
			return err
		}
		defer tx.Rollback()
		if err := createTablesInTx(tx); err != nil {
			return err
		}
		if _, err := tx.Exec("PRAGMA user_version = 1"); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
	}

	return nil
}

func createTablesInTx(tx *sql.Tx) error {
	_, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			display_name TEXT NOT NULL,
			public_key BLOB,
			avatar TEXT NOT NULL DEFAULT '',
			online INTEGER NOT NULL DEFAULT 0,
			last_seen DATETIME,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);

		CREATE TABLE IF NOT EXISTS rooms (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			kind TEXT NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);

		CREATE TABLE IF NOT EXISTS room_members (
			room_id TEXT NOT NULL REFERENCES rooms(id) ON DELETE CASCADE,
			user_id TEXT NOT NULL,
			joined_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (room_id, user_id)
		);

		CREATE TABLE IF NOT EXISTS messages (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT UNIQUE NOT NULL,
			room_id TEXT NOT NULL REFERENCES rooms(id) ON DELETE CASCADE,
			sender_id TEXT NOT NULL,
			sender_name TEXT NOT NULL DEFAULT '',
			content TEXT NOT NULL DEFAULT '',
			encrypted_content TEXT NOT NULL DEFAULT '',
			kind TEXT NOT NULL DEFAULT 'text',
			status TEXT NOT NULL DEFAULT 'sent',
			file_meta TEXT,
			created_at DATETIME NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_room_members_user ON room_members(user_id);
		CREATE INDEX IF NOT EXISTS idx_messages_room_seq ON messages(room_id, seq);
	`)
	return err
}

// UpsertUser writes the full user row, overwriting profile and presence
// fields on conflict. The registry has already merged partial updates, so
// the row it hands over is authoritative.
func (s *Store) UpsertUser(u models.User) error {
	_, err := s.Exec(`
		INSERT INTO users (id, display_name, public_key, avatar, online, last_seen, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			display_name = excluded.display_name,
			public_key = CASE WHEN length(excluded.public_key) > 0 THEN excluded.public_key ELSE users.public_key END,
			avatar = CASE WHEN excluded.avatar != '' THEN excluded.avatar ELSE users.avatar END,
			online = excluded.online,
			last_seen = excluded.last_seen`,
		u.ID, u.DisplayName, []byte(u.PublicKey), u.Avatar, u.Online, nullTime(u.LastSeen), time.Now(),
	)
	return err
}

func (s *Store) UpdateUserOnline(id string, online bool, lastSeen time.Time) error {
	_, err := s.Exec("UPDATE users SET online = ?, last_seen = ? WHERE id = ?", online, nullTime(lastSeen), id)
	return err
}

// UpdateUserProfile overwrites only the supplied (non-empty) fields.
func (s *Store) UpdateUserProfile(id, displayName, avatar string) error {
	_, err := s.Exec(`
		UPDATE users SET
			display_name = CASE WHEN ? != '' THEN ? ELSE display_name END,
			avatar = CASE WHEN ? != '' THEN ? ELSE avatar END
		WHERE id = ?`,
		displayName, displayName, avatar, avatar, id,
	)
	return err
}

// CreateRoom persists the room and its member set in one transaction.
func (s *Store) CreateRoom(room models.Room) error {
	tx, err := s.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		"INSERT INTO rooms (id, name, kind, created_at) VALUES (?, ?, ?, ?)",
		room.ID, room.Name, string(room.Kind), room.CreatedAt,
	); err != nil {
		return err
	}
	for _, memberID := range room.MemberIDs {
		if _, err := tx.Exec(
			"INSERT OR IGNORE INTO room_members (room_id, user_id) VALUES (?, ?)",
			room.ID, memberID,
		); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// GetRoomsForUser returns every persisted room whose member set contains
// userID, member sets included.
func (s *Store) GetRoomsForUser(userID string) ([]models.Room, error) {
	rows, err := s.Query(`
		SELECT r.id, r.name, r.kind, r.created_at
		FROM rooms r
		JOIN room_members m ON m.room_id = r.id
		WHERE m.user_id = ?`, userID)
	if err != nil {
		return nil, err
	}
	return s.collectRooms(rows)
}

// LoadRooms returns every persisted room; used to rehydrate the in-memory
// directory at boot.
func (s *Store) LoadRooms() ([]models.Room, error) {
	rows, err := s.Query("SELECT id, name, kind, created_at FROM rooms")
	if err != nil {
		return nil, err
	}
	return s.collectRooms(rows)
}

func (s *Store) collectRooms(rows *sql.Rows) ([]models.Room, error) {
	defer rows.Close()

	var rooms []models.Room
	for rows.Next() {
		var r models.Room
		var kind string
		if err := rows.Scan(&r.ID, &r.Name, &kind, &r.CreatedAt); err != nil {
			return nil, err
		}
		r.Kind = models.RoomKind(kind)
		rooms = append(rooms, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range rooms {
		members, err := s.roomMembers(rooms[i].ID)
		if err != nil {
			return nil, err
		}
		rooms[i].MemberIDs = members
	}
	return rooms, nil
}

func (s *Store) roomMembers(roomID string) ([]string, error) {
	rows, err := s.Query("SELECT user_id FROM room_members WHERE room_id = ? ORDER BY joined_at", roomID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var members []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		members = append(members, id)
	}
	return members, rows.Err()
}

// AppendMessage persists one message. Append order within a room is the
// autoincrement seq, which GetRoomMessages replays identically.
func (s *Store) AppendMessage(m models.Message) error {
	var fileMeta any
	if m.FileMeta != nil {
		raw, err := json.Marshal(m.FileMeta)
		if err != nil {
			return fmt.Errorf("marshal file meta: %w", err)
		}
		fileMeta = string(raw)
	}

	_, err := s.Exec(`
		INSERT INTO messages (id, room_id, sender_id, sender_name, content, encrypted_content, kind, status, file_meta, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.RoomID, m.SenderID, m.SenderName, m.Content, m.EncryptedContent,
		string(m.Kind), string(m.Status), fileMeta, m.Timestamp,
	)
	return err
}

func (s *Store) UpdateMessageStatus(roomID, messageID string, status models.MessageStatus) error {
	res, err := s.Exec(
		"UPDATE messages SET status = ? WHERE id = ? AND room_id = ?",
		string(status), messageID, roomID,
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// GetMessage returns one persisted message by id.
func (s *Store) GetMessage(roomID, messageID string) (models.Message, error) {
	row := s.QueryRow(`
		SELECT id, room_id, sender_id, sender_name, content, encrypted_content, kind, status, file_meta, created_at
		FROM messages WHERE id = ? AND room_id = ?`, messageID, roomID)

	var m models.Message
	var kind, status string
	var fileMeta sql.NullString
	if err := row.Scan(&m.ID, &m.RoomID, &m.SenderID, &m.SenderName, &m.Content,
		&m.EncryptedContent, &kind, &status, &fileMeta, &m.Timestamp); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Message{}, ErrNotFound
		}
		return models.Message{}, err
	}
	m.Kind = models.MessageKind(kind)
	m.Status = models.MessageStatus(status)
	if fileMeta.Valid && fileMeta.String != "" {
		var fm models.FileMeta
		if err := json.Unmarshal([]byte(fileMeta.String), &fm); err == nil {
			m.FileMeta = &fm
		}
	}
	return m, nil
}

// GetRoomMessages returns the newest limit messages of a room in server
// append order (oldest of the page first).
func (s *Store) GetRoomMessages(roomID string, limit int) ([]models.Message, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}

	rows, err := s.Query(`
		SELECT id, room_id, sender_id, sender_name, content, encrypted_content, kind, status, file_meta, created_at
		FROM (
			SELECT seq, id, room_id, sender_id, sender_name, content, encrypted_content, kind, status, file_meta, created_at
			FROM messages WHERE room_id = ? ORDER BY seq DESC LIMIT ?
		) ORDER BY seq ASC`, roomID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := make([]models.Message, 0, limit)
	for rows.Next() {
		var m models.Message
		var kind, status string
		var fileMeta sql.NullString
		if err := rows.Scan(&m.ID, &m.RoomID, &m.SenderID, &m.SenderName, &m.Content,
			&m.EncryptedContent, &kind, &status, &fileMeta, &m.Timestamp); err != nil {
			return nil, err
		}
		m.Kind = models.MessageKind(kind)
		m.Status = models.MessageStatus(status)
		if fileMeta.Valid && fileMeta.String != "" {
			var fm models.FileMeta
			if err := json.Unmarshal([]byte(fileMeta.String), &fm); err == nil {
				m.FileMeta = &fm
			}
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
