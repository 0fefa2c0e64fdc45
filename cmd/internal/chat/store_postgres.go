package chat

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	v1 "parley/shared/contracts/realtime/v1"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is a Store backed by PostgreSQL.
//
// Ownership model:
// - PostgresStore does NOT own the pgx pool. The caller must close the pool.
//
// Concurrency model:
//   - Direct conversation creation takes a transactional advisory lock on the pair key, so two
//     users opening each other at the same time converge on one row.
//   - Message idempotency rides on the messages primary key (INSERT .. ON CONFLICT DO NOTHING).
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// WithSchema sets the DB schema used by this store (default: "parley").
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("chat: empty schema")
		}
		if !pgIdentRE.MatchString(schema) {
			return errors.New("chat: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed Store.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: "parley",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("chat: nil pool")
	}
	return st, nil
}

type queryRower interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *PostgresStore) t(name string) string { return pgIdent(s.schema, name) }

func (s *PostgresStore) conversationColumns() string {
	return `c.id, c.kind, COALESCE(c.name, ''), c.created_at, c.updated_at, c.archived_at,
	        ARRAY(SELECT p.user_id FROM ` + s.t("conversation_participants") + ` p
	               WHERE p.conversation_id = c.id
	               ORDER BY p.joined_at, p.user_id)`
}

func (s *PostgresStore) conversationSelect() string {
	return `SELECT ` + s.conversationColumns() + ` FROM ` + s.t("conversations") + ` c`
}

func scanConversation(row pgx.Row, extra ...any) (Conversation, error) {
	var (
		c    Conversation
		kind string
	)
	dst := append([]any{&c.ID, &kind, &c.Name, &c.CreatedAt, &c.UpdatedAt, &c.ArchivedAt, &c.ParticipantIDs}, extra...)
	if err := row.Scan(dst...); err != nil {
		return Conversation{}, err
	}
	c.Kind = Kind(kind)
	return c, nil
}

func (s *PostgresStore) getConversation(ctx context.Context, q queryRower, op, id string) (Conversation, error) {
	c, err := scanConversation(q.QueryRow(ctx, s.conversationSelect()+` WHERE c.id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Conversation{}, notFound(op, "conversation")
	}
	return c, err
}

// CreateOrGetDirect implements Store.
func (s *PostgresStore) CreateOrGetDirect(ctx context.Context, in CreateDirectInput) (Conversation, bool, error) {
	const op = "chat.CreateOrGetDirect"

	if in.UserA == "" || in.UserB == "" || in.UserA == in.UserB {
		return Conversation{}, false, invalid(op, "two distinct users are required")
	}
	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}
	key := directKey(in.UserA, in.UserB)

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted, AccessMode: pgx.ReadWrite})
	if err != nil {
		return Conversation{}, false, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, "direct:"+key); err != nil {
		return Conversation{}, false, fmt.Errorf("advisory lock: %w", err)
	}

	var (
		id      string
		created bool
	)
	err = tx.QueryRow(ctx, `SELECT id FROM `+s.t("conversations")+` WHERE direct_key = $1`, key).Scan(&id)
	switch {
	case err == nil:
		if _, err := tx.Exec(ctx,
			`UPDATE `+s.t("conversations")+` SET archived_at = NULL WHERE id = $1 AND archived_at IS NOT NULL`, id,
		); err != nil {
			return Conversation{}, false, err
		}
	case errors.Is(err, pgx.ErrNoRows):
		if in.ID == "" {
			return Conversation{}, false, invalid(op, "missing id")
		}
		id, created = in.ID, true
		if _, err := tx.Exec(ctx,
			`INSERT INTO `+s.t("conversations")+` (id, kind, direct_key, created_at, updated_at)
			 VALUES ($1, 'direct', $2, $3, $3)`,
			id, key, now,
		); err != nil {
			return Conversation{}, false, classifyWriteErr(op, err)
		}
	default:
		return Conversation{}, false, err
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO `+s.t("conversation_participants")+` (conversation_id, user_id, joined_at)
		 SELECT $1::text, u, $3::timestamptz FROM unnest($2::text[]) AS u
		 ON CONFLICT (conversation_id, user_id) DO NOTHING`,
		id, []string{in.UserA, in.UserB}, now,
	); err != nil {
		return Conversation{}, false, classifyWriteErr(op, err)
	}

	c, err := s.getConversation(ctx, tx, op, id)
	if err != nil {
		return Conversation{}, false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Conversation{}, false, err
	}
	return c, created, nil
}

// CreateGroup implements Store.
func (s *PostgresStore) CreateGroup(ctx context.Context, in CreateGroupInput) (Conversation, error) {
	const op = "chat.CreateGroup"

	if in.ID == "" || in.Name == "" || len(in.ParticipantIDs) < 3 {
		return Conversation{}, invalid(op, "group needs an id, a name and at least three participants")
	}
	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted, AccessMode: pgx.ReadWrite})
	if err != nil {
		return Conversation{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx,
		`INSERT INTO `+s.t("conversations")+` (id, kind, name, created_at, updated_at)
		 VALUES ($1, 'group', $2, $3, $3)`,
		in.ID, in.Name, now,
	); err != nil {
		return Conversation{}, classifyWriteErr(op, err)
	}

	// WITH ORDINALITY keeps joined_at ties ordered like the input.
	if _, err := tx.Exec(ctx,
		`INSERT INTO `+s.t("conversation_participants")+` (conversation_id, user_id, joined_at)
		 SELECT $1::text, u.id, $3::timestamptz + (u.n - 1) * interval '1 microsecond'
		   FROM unnest($2::text[]) WITH ORDINALITY AS u(id, n)
		 ON CONFLICT (conversation_id, user_id) DO NOTHING`,
		in.ID, in.ParticipantIDs, now,
	); err != nil {
		return Conversation{}, classifyWriteErr(op, err)
	}

	c, err := s.getConversation(ctx, tx, op, in.ID)
	if err != nil {
		return Conversation{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Conversation{}, err
	}
	return c, nil
}

// GetConversation implements Store.
func (s *PostgresStore) GetConversation(ctx context.Context, id string) (Conversation, error) {
	return s.getConversation(ctx, s.pool, "chat.GetConversation", id)
}

// ListConversations implements Store.
func (s *PostgresStore) ListConversations(ctx context.Context, userID string, kind Kind) ([]Summary, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+s.conversationColumns()+`, lm.*
		  FROM `+s.t("conversations")+` c
		  JOIN `+s.t("conversation_participants")+` me
		    ON me.conversation_id = c.id AND me.user_id = $1
		  LEFT JOIN LATERAL (`+s.messageSelect("$1")+`
		          WHERE m.conversation_id = c.id
		          ORDER BY m.sent_at DESC, m.id DESC
		          LIMIT 1) lm ON true
		 WHERE c.archived_at IS NULL
		   AND ($2::text = '' OR c.kind = $2::text)
		 ORDER BY c.updated_at DESC, c.id ASC`,
		userID, string(kind),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		var lm nullableMessage
		c, err := scanConversation(rows, lm.dest()...)
		if err != nil {
			return nil, err
		}
		sum := Summary{Conversation: c}
		if m, ok := lm.message(); ok {
			sum.LastMessage = &m
		}
		out = append(out, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// A second pass keeps the list query free of per-row aggregates.
	for i := range out {
		n, err := s.UnreadCount(ctx, out[i].Conversation.ID, userID)
		if err != nil {
			return nil, err
		}
		out[i].Unread = n
	}
	return out, nil
}

// LeaveConversation implements Store.
func (s *PostgresStore) LeaveConversation(ctx context.Context, conversationID, userID string, now time.Time) (Conversation, error) {
	const op = "chat.LeaveConversation"

	if now.IsZero() {
		now = time.Now().UTC()
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted, AccessMode: pgx.ReadWrite})
	if err != nil {
		return Conversation{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var locked string
	err = tx.QueryRow(ctx, `SELECT id FROM `+s.t("conversations")+` WHERE id = $1 FOR UPDATE`, conversationID).Scan(&locked)
	if errors.Is(err, pgx.ErrNoRows) {
		return Conversation{}, notFound(op, "conversation")
	}
	if err != nil {
		return Conversation{}, err
	}

	tag, err := tx.Exec(ctx,
		`DELETE FROM `+s.t("conversation_participants")+` WHERE conversation_id = $1 AND user_id = $2`,
		conversationID, userID,
	)
	if err != nil {
		return Conversation{}, err
	}
	if tag.RowsAffected() == 0 {
		return Conversation{}, forbidden(op, "not a participant")
	}

	if _, err := tx.Exec(ctx,
		`UPDATE `+s.t("conversations")+` c
		    SET archived_at = COALESCE(c.archived_at, $2)
		  WHERE c.id = $1
		    AND (SELECT count(*) FROM `+s.t("conversation_participants")+` p WHERE p.conversation_id = c.id) < 2`,
		conversationID, now,
	); err != nil {
		return Conversation{}, err
	}

	c, err := s.getConversation(ctx, tx, op, conversationID)
	if err != nil {
		return Conversation{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Conversation{}, err
	}
	return c, nil
}

// AppendMessage implements Store.
func (s *PostgresStore) AppendMessage(ctx context.Context, msg Message, now time.Time) (AppendResult, error) {
	const op = "chat.AppendMessage"

	if msg.ID == "" || msg.ConversationID == "" || msg.SenderID == "" {
		return AppendResult{}, invalid(op, "missing id, conversation or sender")
	}
	if err := ctx.Err(); err != nil {
		return AppendResult{}, err
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted, AccessMode: pgx.ReadWrite})
	if err != nil {
		return AppendResult{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	c := msg.Content
	tag, err := tx.Exec(ctx,
		`INSERT INTO `+s.t("messages")+` (
		     id, conversation_id, sender_id, content_kind, body, url, mime, file_name, sent_at
		   ) VALUES ($1, $2, $3, $4, NULLIF($5, ''), NULLIF($6, ''), NULLIF($7, ''), NULLIF($8, ''), $9)
		 ON CONFLICT (id) DO NOTHING`,
		msg.ID, msg.ConversationID, msg.SenderID, c.Kind, c.Body, c.URL, c.MIME, c.Name, msg.SentAt,
	)
	if err != nil {
		return AppendResult{}, classifyWriteErr(op, err)
	}

	if tag.RowsAffected() == 0 {
		existing, err := s.readMessage(ctx, tx, msg.ID, msg.SenderID)
		if err != nil {
			return AppendResult{}, err
		}
		if existing.ConversationID != msg.ConversationID || existing.SenderID != msg.SenderID {
			return AppendResult{}, conflict(op, "message id in use")
		}
		if err := tx.Commit(ctx); err != nil {
			return AppendResult{}, err
		}
		return AppendResult{Stored: existing, Duplicated: true}, nil
	}

	if len(msg.RecipientIDs) > 0 {
		if _, err := tx.Exec(ctx,
			`INSERT INTO `+s.t("message_recipients")+` (message_id, user_id)
			 SELECT $1::text, u FROM unnest($2::text[]) AS u
			 ON CONFLICT DO NOTHING`,
			msg.ID, msg.RecipientIDs,
		); err != nil {
			return AppendResult{}, classifyWriteErr(op, err)
		}
	}

	if _, err := tx.Exec(ctx,
		`UPDATE `+s.t("conversations")+` SET updated_at = GREATEST(updated_at, $2) WHERE id = $1`,
		msg.ConversationID, now,
	); err != nil {
		return AppendResult{}, err
	}

	stored, err := s.readMessage(ctx, tx, msg.ID, msg.SenderID)
	if err != nil {
		return AppendResult{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return AppendResult{}, err
	}
	return AppendResult{Stored: stored}, nil
}

// ListMessages implements Store.
func (s *PostgresStore) ListMessages(ctx context.Context, conversationID, viewerID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 1 << 20
	}

	rows, err := s.pool.Query(ctx,
		`SELECT * FROM (`+s.messageSelect("$2")+`
		   WHERE m.conversation_id = $1
		   ORDER BY m.sent_at DESC, m.id DESC
		   LIMIT $3) recent
		 ORDER BY recent.sent_at ASC, recent.id ASC`,
		conversationID, viewerID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// UnreadCount implements Store.
func (s *PostgresStore) UnreadCount(ctx context.Context, conversationID, userID string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT count(*)
		   FROM `+s.t("message_recipients")+` r
		   JOIN `+s.t("messages")+` m ON m.id = r.message_id
		  WHERE m.conversation_id = $1 AND r.user_id = $2 AND r.read_at IS NULL`,
		conversationID, userID,
	).Scan(&n)
	return n, err
}

// MarkRead implements Store.
func (s *PostgresStore) MarkRead(ctx context.Context, conversationID, userID string, now time.Time) (int, error) {
	if now.IsZero() {
		now = time.Now().UTC()
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE `+s.t("message_recipients")+` r
		    SET read_at = $3
		   FROM `+s.t("messages")+` m
		  WHERE m.id = r.message_id
		    AND m.conversation_id = $1
		    AND r.user_id = $2
		    AND r.read_at IS NULL`,
		conversationID, userID, now,
	)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

// ---- message projection ----

// messageSelect projects a message for viewer (a placeholder such as "$2").
func (s *PostgresStore) messageSelect(viewer string) string {
	rc := s.t("message_recipients")
	return `SELECT m.id, m.conversation_id, m.sender_id, m.content_kind,
	               COALESCE(m.body, ''), COALESCE(m.url, ''), COALESCE(m.mime, ''), COALESCE(m.file_name, ''),
	               m.sent_at,
	               ARRAY(SELECT r.user_id FROM ` + rc + ` r WHERE r.message_id = m.id ORDER BY r.user_id) AS recipient_ids,
	               CASE WHEN m.sender_id = ` + viewer + `
	                    THEN EXISTS (SELECT 1 FROM ` + rc + ` r WHERE r.message_id = m.id)
	                         AND NOT EXISTS (SELECT 1 FROM ` + rc + ` r WHERE r.message_id = m.id AND r.read_at IS NULL)
	                    ELSE EXISTS (SELECT 1 FROM ` + rc + ` r
	                                  WHERE r.message_id = m.id AND r.user_id = ` + viewer + ` AND r.read_at IS NOT NULL)
	               END AS is_read
	          FROM ` + s.t("messages") + ` m`
}

func scanMessage(row pgx.Row) (Message, error) {
	var m Message
	err := row.Scan(
		&m.ID, &m.ConversationID, &m.SenderID, &m.Content.Kind,
		&m.Content.Body, &m.Content.URL, &m.Content.MIME, &m.Content.Name,
		&m.SentAt, &m.RecipientIDs, &m.IsRead,
	)
	return m, err
}

func (s *PostgresStore) readMessage(ctx context.Context, q queryRower, id, viewerID string) (Message, error) {
	return scanMessage(q.QueryRow(ctx, s.messageSelect("$2")+` WHERE m.id = $1`, id, viewerID))
}

// nullableMessage scans the LEFT JOIN LATERAL side of the conversation list.
type nullableMessage struct {
	id, convID, senderID, kind *string
	body, url, mime, name      *string
	sentAt                     *time.Time
	recipients                 []string
	isRead                     *bool
}

func (n *nullableMessage) dest() []any {
	return []any{&n.id, &n.convID, &n.senderID, &n.kind, &n.body, &n.url, &n.mime, &n.name, &n.sentAt, &n.recipients, &n.isRead}
}

func (n *nullableMessage) message() (Message, bool) {
	if n.id == nil {
		return Message{}, false
	}
	m := Message{
		ID:             *n.id,
		ConversationID: deref(n.convID),
		SenderID:       deref(n.senderID),
		Content: v1.Content{
			Kind: deref(n.kind),
			Body: deref(n.body),
			URL:  deref(n.url),
			MIME: deref(n.mime),
			Name: deref(n.name),
		},
		RecipientIDs: n.recipients,
	}
	if n.sentAt != nil {
		m.SentAt = *n.sentAt
	}
	if n.isRead != nil {
		m.IsRead = *n.isRead
	}
	return m, true
}

// ---- helpers ----

func deref(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

func pgIdent(schema, table string) string {
	return pgx.Identifier{schema, table}.Sanitize()
}

func classifyWriteErr(op string, err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case "23505": // unique_violation
		return conflict(op, "already exists")
	case "23503": // foreign_key_violation
		if strings.Contains(pgErr.ConstraintName, "conversation_id") {
			return notFound(op, "conversation")
		}
		return invalid(op, "unknown user")
	case "23514": // check_violation
		return invalid(op, "constraint "+pgErr.ConstraintName)
	default:
		return err
	}
}
