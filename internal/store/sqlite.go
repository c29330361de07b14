package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"estateops.com/assistant/internal/audit"
)

type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(dataSourceName string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err = db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err = store.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// DB exposes the handle so the sqlite vector backend can share the database file.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

func (s *SQLiteStore) initSchema() error {
	schema := `
    CREATE TABLE IF NOT EXISTS users (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        external_user_id TEXT UNIQUE NOT NULL,
        tenant_id TEXT NOT NULL,
        scopes TEXT NOT NULL DEFAULT '[]',
        password_hash TEXT NOT NULL,
        created_at DATETIME DEFAULT CURRENT_TIMESTAMP
    );

    CREATE TABLE IF NOT EXISTS chats (
        id TEXT PRIMARY KEY, -- UUID
        user_id INTEGER NOT NULL,
        tenant_id TEXT NOT NULL,
        title TEXT,
        created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
        FOREIGN KEY (user_id) REFERENCES users (id)
    );

    CREATE TABLE IF NOT EXISTS messages (
        id TEXT PRIMARY KEY, -- UUID
        chat_id TEXT NOT NULL,
        sender TEXT NOT NULL CHECK (sender IN ('user', 'assistant')),
        content TEXT NOT NULL,
        details TEXT,
        timestamp DATETIME DEFAULT CURRENT_TIMESTAMP,
        negative_feedback BOOLEAN DEFAULT FALSE,
        FOREIGN KEY (chat_id) REFERENCES chats (id)
    );

    CREATE TABLE IF NOT EXISTS properties (
        id TEXT PRIMARY KEY,
        tenant_id TEXT NOT NULL,
        title TEXT NOT NULL,
        status TEXT NOT NULL DEFAULT 'active',
        archived_at DATETIME,
        archived_by TEXT,
        created_at DATETIME DEFAULT CURRENT_TIMESTAMP
    );
    CREATE INDEX IF NOT EXISTS properties_tenant_idx ON properties (tenant_id);

    CREATE TABLE IF NOT EXISTS audit_events (
        id TEXT PRIMARY KEY,
        tenant_id TEXT NOT NULL,
        actor_id TEXT,
        type TEXT NOT NULL,
        action TEXT NOT NULL,
        resource TEXT,
        outcome TEXT NOT NULL,
        timestamp DATETIME NOT NULL,
        metadata TEXT
    );
    CREATE INDEX IF NOT EXISTS audit_events_tenant_idx ON audit_events (tenant_id, timestamp);
    `
	_, err := s.db.Exec(schema)
	return err
}

// User methods
const userColumns = "id, external_user_id, tenant_id, scopes, password_hash, created_at"

func scanUser(row interface{ Scan(...any) error }) (*User, error) {
	var user User
	var scopes string
	if err := row.Scan(&user.ID, &user.ExternalUserID, &user.TenantID, &scopes, &user.PasswordHash, &user.CreatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(scopes), &user.Scopes); err != nil {
		return nil, fmt.Errorf("failed to decode scopes of user %s: %w", user.ExternalUserID, err)
	}
	return &user, nil
}

// GetUserByExternalID returns nil, nil when the user does not exist.
func (s *SQLiteStore) GetUserByExternalID(ctx context.Context, externalUserID string) (*User, error) {
	user, err := scanUser(s.db.QueryRowContext(ctx, "SELECT "+userColumns+" FROM users WHERE external_user_id = ?", externalUserID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // User not found
		}
		return nil, fmt.Errorf("failed to query user: %w", err)
	}
	return user, nil
}

func (s *SQLiteStore) CreateUser(ctx context.Context, externalUserID, tenantID string, scopes []string, passwordHash string) (*User, error) {
	if scopes == nil {
		scopes = []string{}
	}
	scopesJSON, err := json.Marshal(scopes)
	if err != nil {
		return nil, fmt.Errorf("failed to encode scopes: %w", err)
	}
	res, err := s.db.ExecContext(ctx, "INSERT INTO users (external_user_id, tenant_id, scopes, password_hash) VALUES (?, ?, ?, ?)",
		externalUserID, tenantID, string(scopesJSON), passwordHash)
	if err != nil {
		return nil, fmt.Errorf("failed to insert user: %w", err)
	}
	id, _ := res.LastInsertId()
	user, err := scanUser(s.db.QueryRowContext(ctx, "SELECT "+userColumns+" FROM users WHERE id = ?", id))
	if err != nil {
		return nil, fmt.Errorf("failed to get user by id: %w", err)
	}
	return user, nil
}

// Chat methods
func (s *SQLiteStore) CreateChat(ctx context.Context, userID int64, tenantID string, title *string) (*Chat, error) {
	chatID := uuid.NewString()
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, "INSERT INTO chats (id, user_id, tenant_id, title, created_at) VALUES (?, ?, ?, ?, ?)",
		chatID, userID, tenantID, title, now)
	if err != nil {
		return nil, fmt.Errorf("failed to execute chat insert: %w", err)
	}
	return &Chat{ID: chatID, UserID: userID, TenantID: tenantID, Title: title, CreatedAt: now}, nil
}

func (s *SQLiteStore) GetChatByID(ctx context.Context, chatID string, userID int64) (*Chat, error) {
	var chat Chat
	var title sql.NullString
	err := s.db.QueryRowContext(ctx, "SELECT id, user_id, tenant_id, title, created_at FROM chats WHERE id = ? AND user_id = ?", chatID, userID).
		Scan(&chat.ID, &chat.UserID, &chat.TenantID, &title, &chat.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get chat: %w", err)
	}
	if title.Valid {
		chat.Title = &title.String
	}
	return &chat, nil
}

func (s *SQLiteStore) GetChatsByUserID(ctx context.Context, userID int64) ([]Chat, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id, user_id, tenant_id, title, created_at FROM chats WHERE user_id = ? ORDER BY created_at DESC", userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query chats: %w", err)
	}
	defer rows.Close()

	chats := []Chat{}
	for rows.Next() {
		var chat Chat
		var title sql.NullString
		if err := rows.Scan(&chat.ID, &chat.UserID, &chat.TenantID, &title, &chat.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan chat row: %w", err)
		}
		if title.Valid {
			chat.Title = &title.String
		}
		chats = append(chats, chat)
	}
	return chats, rows.Err()
}

func (s *SQLiteStore) UpdateChatTitle(ctx context.Context, chatID string, userID int64, title string) error {
	res, err := s.db.ExecContext(ctx, "UPDATE chats SET title = ? WHERE id = ? AND user_id = ?", title, chatID, userID)
	if err != nil {
		return fmt.Errorf("failed to execute chat title update: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// Message methods
func (s *SQLiteStore) CreateMessage(ctx context.Context, msg *Message) error {
	msg.ID = uuid.NewString() // Ensure ID is set
	msg.Timestamp = time.Now().UTC()

	var details any
	if len(msg.Details) > 0 {
		details = string(msg.Details)
	}
	_, err := s.db.ExecContext(ctx, "INSERT INTO messages (id, chat_id, sender, content, details, timestamp, negative_feedback) VALUES (?, ?, ?, ?, ?, ?, ?)",
		msg.ID, msg.ChatID, msg.Sender, msg.Content, details, msg.Timestamp, msg.NegativeFeedback)
	if err != nil {
		return fmt.Errorf("failed to execute message insert: %w", err)
	}
	return nil
}

const messageColumns = "id, chat_id, sender, content, details, timestamp, negative_feedback"

func scanMessages(rows *sql.Rows) ([]Message, error) {
	defer rows.Close()
	messages := []Message{}
	for rows.Next() {
		var msg Message
		var details sql.NullString
		if err := rows.Scan(&msg.ID, &msg.ChatID, &msg.Sender, &msg.Content, &details, &msg.Timestamp, &msg.NegativeFeedback); err != nil {
			return nil, fmt.Errorf("failed to scan message row: %w", err)
		}
		if details.Valid && details.String != "" {
			msg.Details = json.RawMessage(details.String)
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

func (s *SQLiteStore) GetMessagesByChatID(ctx context.Context, chatID string, limit int, offset int) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+messageColumns+" FROM messages WHERE chat_id = ? ORDER BY timestamp ASC, rowid ASC LIMIT ? OFFSET ?", chatID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	return scanMessages(rows)
}

// GetLastNMessagesByChatID returns the newest n messages, oldest first.
func (s *SQLiteStore) GetLastNMessagesByChatID(ctx context.Context, chatID string, n int) ([]Message, error) {
	query := `
        SELECT ` + messageColumns + ` FROM (
            SELECT rowid AS rid, ` + messageColumns + `
            FROM messages
            WHERE chat_id = ?
            ORDER BY timestamp DESC, rowid DESC
            LIMIT ?
        ) ORDER BY timestamp ASC, rid ASC
    `
	rows, err := s.db.QueryContext(ctx, query, chatID, n)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	return scanMessages(rows)
}

// UpdateMessageFeedback only touches messages in chats owned by userID.
func (s *SQLiteStore) UpdateMessageFeedback(ctx context.Context, messageID string, userID int64, negativeFeedback bool) error {
	res, err := s.db.ExecContext(ctx, `
        UPDATE messages SET negative_feedback = ?
        WHERE id = ? AND chat_id IN (SELECT id FROM chats WHERE user_id = ?)`,
		negativeFeedback, messageID, userID)
	if err != nil {
		return fmt.Errorf("failed to execute feedback update: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// Property methods
func (s *SQLiteStore) CreateProperty(ctx context.Context, tenantID, title string) (*Property, error) {
	p := &Property{
		ID:        uuid.NewString(),
		TenantID:  tenantID,
		Title:     title,
		Status:    PropertyActive,
		CreatedAt: time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx, "INSERT INTO properties (id, tenant_id, title, status, created_at) VALUES (?, ?, ?, ?, ?)",
		p.ID, p.TenantID, p.Title, p.Status, p.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert property: %w", err)
	}
	return p, nil
}

func (s *SQLiteStore) GetProperty(ctx context.Context, tenantID, id string) (*Property, error) {
	var p Property
	var archivedAt sql.NullTime
	var archivedBy sql.NullString
	err := s.db.QueryRowContext(ctx, "SELECT id, tenant_id, title, status, archived_at, archived_by, created_at FROM properties WHERE id = ? AND tenant_id = ?", id, tenantID).
		Scan(&p.ID, &p.TenantID, &p.Title, &p.Status, &archivedAt, &archivedBy, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get property: %w", err)
	}
	if archivedAt.Valid {
		p.ArchivedAt = &archivedAt.Time
	}
	p.ArchivedBy = archivedBy.String
	return &p, nil
}

// ArchiveProperty marks an active property archived. It returns ErrNotFound for a
// property outside the tenant and ErrAlreadyArchived when there is nothing to do.
func (s *SQLiteStore) ArchiveProperty(ctx context.Context, tenantID, id, actor string) (*Property, error) {
	res, err := s.db.ExecContext(ctx, `
        UPDATE properties SET status = ?, archived_at = ?, archived_by = ?
        WHERE id = ? AND tenant_id = ? AND status != ?`,
		PropertyArchived, time.Now().UTC(), actor, id, tenantID, PropertyArchived)
	if err != nil {
		return nil, fmt.Errorf("failed to archive property: %w", err)
	}
	affected, _ := res.RowsAffected()
	p, err := s.GetProperty(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return p, ErrAlreadyArchived
	}
	return p, nil
}

// Record implements audit.Sink.
func (s *SQLiteStore) Record(ctx context.Context, e audit.Event) error {
	var metadata any
	if len(e.Metadata) > 0 {
		b, err := json.Marshal(e.Metadata)
		if err != nil {
			return fmt.Errorf("failed to encode audit metadata: %w", err)
		}
		metadata = string(b)
	}
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO audit_events (id, tenant_id, actor_id, type, action, resource, outcome, timestamp, metadata)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.TenantID, e.ActorID, string(e.Type), e.Action, e.Resource, e.Outcome, e.Timestamp, metadata)
	if err != nil {
		return fmt.Errorf("failed to insert audit event: %w", err)
	}
	return nil
}

// ListAuditEvents returns the tenant's newest events first.
func (s *SQLiteStore) ListAuditEvents(ctx context.Context, tenantID string, limit int) ([]audit.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT id, tenant_id, actor_id, type, action, resource, outcome, timestamp, metadata
        FROM audit_events WHERE tenant_id = ? ORDER BY timestamp DESC LIMIT ?`, tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit events: %w", err)
	}
	defer rows.Close()

	var events []audit.Event
	for rows.Next() {
		var e audit.Event
		var eventType string
		var actor, resource, metadata sql.NullString
		if err := rows.Scan(&e.ID, &e.TenantID, &actor, &eventType, &e.Action, &resource, &e.Outcome, &e.Timestamp, &metadata); err != nil {
			return nil, fmt.Errorf("failed to scan audit event: %w", err)
		}
		e.Type = audit.EventType(eventType)
		e.ActorID = actor.String
		e.Resource = resource.String
		if metadata.Valid && metadata.String != "" {
			if err := json.Unmarshal([]byte(metadata.String), &e.Metadata); err != nil {
				return nil, fmt.Errorf("failed to decode audit metadata: %w", err)
			}
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
