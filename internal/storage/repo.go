package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
)

var ErrNotFound = errors.New("not found")

const maxTitleRunes = 50

// TitleFromPrompt derives a conversation title from the opening prompt.
func TitleFromPrompt(prompt string) string {
	title := strings.TrimSpace(prompt)
	if r := []rune(title); len(r) > maxTitleRunes {
		title = strings.TrimSpace(string(r[:maxTitleRunes]))
	}
	if title == "" {
		return "New conversation"
	}
	return title
}

func (s *Store) CreateConversation(ctx context.Context, c Conversation) (Conversation, error) {
	if strings.TrimSpace(c.UserID) == "" {
		return Conversation{}, fmt.Errorf("conversation user id is empty")
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = s.now()
	}
	q := s.sql.Insert("conversations").
		Columns("id", "user_id", "title", "created_at").
		Values(c.ID, c.UserID, c.Title, c.CreatedAt)

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return Conversation{}, fmt.Errorf("build create conversation query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return Conversation{}, fmt.Errorf("create conversation: %w", err)
	}
	return c, nil
}

func (s *Store) GetConversation(ctx context.Context, userID, id string) (Conversation, error) {
	q := s.sql.Select("id", "user_id", "title", "created_at").
		From("conversations").
		Where(sq.Eq{"id": id, "user_id": userID})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return Conversation{}, fmt.Errorf("build get conversation query: %w", err)
	}

	var c Conversation
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(&c.ID, &c.UserID, &c.Title, &c.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Conversation{}, ErrNotFound
		}
		return Conversation{}, fmt.Errorf("get conversation: %w", err)
	}
	return c, nil
}

func (s *Store) ListConversations(ctx context.Context, userID string, limit uint64) ([]Conversation, error) {
	q := s.sql.Select("id", "user_id", "title", "created_at").
		From("conversations").
		Where(sq.Eq{"user_id": userID}).
		OrderBy("created_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list conversations query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	out := make([]Conversation, 0)
	for rows.Next() {
		var c Conversation
		if err := rows.Scan(&c.ID, &c.UserID, &c.Title, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan conversation row: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conversation rows: %w", err)
	}
	return out, nil
}

func (s *Store) RenameConversation(ctx context.Context, userID, id, title string) error {
	q := s.sql.Update("conversations").
		Set("title", title).
		Where(sq.Eq{"id": id, "user_id": userID})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build rename conversation query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("rename conversation: %w", err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteConversation removes the conversation and its messages.
func (s *Store) DeleteConversation(ctx context.Context, userID, id string) error {
	if _, err := s.GetConversation(ctx, userID, id); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete conversation: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, q := range []sq.DeleteBuilder{
		s.sql.Delete("messages").Where(sq.Eq{"conversation_id": id}),
		s.sql.Delete("conversations").Where(sq.Eq{"id": id, "user_id": userID}),
	} {
		sqlStr, args, err := q.ToSql()
		if err != nil {
			return fmt.Errorf("build delete conversation query: %w", err)
		}
		if _, err := tx.ExecContext(ctx, sqlStr, args...); err != nil {
			return fmt.Errorf("delete conversation: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete conversation: %w", err)
	}
	return nil
}

func (s *Store) AppendMessage(ctx context.Context, m Message) (Message, error) {
	if m.Role != RoleUser && m.Role != RoleModel {
		return Message{}, fmt.Errorf("invalid message role %q", m.Role)
	}
	if m.Parts == nil {
		m.Parts = []Part{}
	}
	parts, err := json.Marshal(m.Parts)
	if err != nil {
		return Message{}, fmt.Errorf("marshal message parts: %w", err)
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = s.now()
	}

	q := s.sql.Insert("messages").
		Columns("conversation_id", "role", "parts", "image_url", "code", "created_at").
		Values(m.ConversationID, m.Role, string(parts), m.ImageURL, m.Code, m.CreatedAt).
		Suffix("RETURNING id")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return Message{}, fmt.Errorf("build append message query: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(&m.ID); err != nil {
		return Message{}, fmt.Errorf("append message: %w", err)
	}
	return m, nil
}

// ListMessages returns the conversation transcript oldest first.
func (s *Store) ListMessages(ctx context.Context, conversationID string) ([]Message, error) {
	q := s.sql.Select("id", "conversation_id", "role", "parts", "image_url", "code", "created_at").
		From("messages").
		Where(sq.Eq{"conversation_id": conversationID}).
		OrderBy("created_at ASC", "id ASC")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list messages query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	out := make([]Message, 0)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate message rows: %w", err)
	}
	return out, nil
}

// GetMessage loads one message, checking that its conversation belongs to
// userID.
func (s *Store) GetMessage(ctx context.Context, userID string, id int64) (Message, error) {
	q := s.sql.Select("m.id", "m.conversation_id", "m.role", "m.parts", "m.image_url", "m.code", "m.created_at").
		From("messages m").
		Join("conversations c ON c.id = m.conversation_id").
		Where(sq.Eq{"m.id": id, "c.user_id": userID})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return Message{}, fmt.Errorf("build get message query: %w", err)
	}

	m, err := scanMessage(s.db.QueryRowContext(ctx, sqlStr, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Message{}, ErrNotFound
		}
		return Message{}, err
	}
	return m, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (Message, error) {
	var m Message
	var parts string
	var imageURL, code sql.NullString
	if err := row.Scan(&m.ID, &m.ConversationID, &m.Role, &parts, &imageURL, &code, &m.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Message{}, err
		}
		return Message{}, fmt.Errorf("scan message row: %w", err)
	}
	if err := json.Unmarshal([]byte(parts), &m.Parts); err != nil {
		// A hand-edited row should not break the transcript.
		m.Parts = []Part{{Text: parts}}
	}
	if imageURL.Valid {
		m.ImageURL = &imageURL.String
	}
	if code.Valid {
		m.Code = &code.String
	}
	return m, nil
}

func (s *Store) now() time.Time {
	return time.Now().UTC()
}

func nowExpr(driver string) any {
	if driver == "postgres" {
		return sq.Expr("NOW()")
	}
	return sq.Expr("CURRENT_TIMESTAMP")
}
