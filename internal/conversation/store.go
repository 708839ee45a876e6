package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// ErrNotFound is returned when a conversation does not exist for the
// given user.
var ErrNotFound = errors.New("conversation not found")

// querier is the common interface satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// conversationCols is the standard SELECT column list for scanning.
const conversationCols = `id, title, participant_ids, status, status_updated_at,
	error_message, messages, created_at, updated_at, last_message_at`

// Patch is a partial update of a conversation document. Nil fields are
// left untouched; the write is an upsert so patching a missing
// conversation creates it.
type Patch struct {
	Title          *string
	ParticipantIDs []string
	Status         *Status
	Messages       []Message
	LastMessageAt  *time.Time
}

// Store persists conversation documents in PostgreSQL, one row per
// (user, conversation).
//
// Store is safe for concurrent use by multiple goroutines.
type Store struct {
	db     querier
	logger *slog.Logger
}

// New creates a conversation Store.
func New(db querier, logger *slog.Logger) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("db is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, logger: logger}, nil
}

// Get fetches one conversation owned by userID.
func (s *Store) Get(ctx context.Context, userID string, id uuid.UUID) (*Document, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+conversationCols+` FROM conversations WHERE user_id = $1 AND id = $2`,
		userID, id)

	doc, err := scanDocument(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("getting conversation: %w", err)
	}
	return doc, nil
}

// Patch upserts the provided fields of a conversation. updated_at and
// last_message_at only ever move forward, so replaying an older write
// cannot clobber a newer one.
func (s *Store) Patch(ctx context.Context, userID string, id uuid.UUID, p Patch) error {
	var messagesJSON []byte
	if p.Messages != nil {
		var err error
		messagesJSON, err = json.Marshal(p.Messages)
		if err != nil {
			return fmt.Errorf("encoding messages: %w", err)
		}
	}

	var statusState, statusErr *string
	var statusUpdatedAt *time.Time
	if p.Status != nil {
		state := string(p.Status.State)
		statusState = &state
		statusUpdatedAt = &p.Status.UpdatedAt
		statusErr = &p.Status.ErrorMessage
	}

	// COALESCE keeps the stored value for fields the patch does not set.
	_, err := s.db.Exec(ctx, `
		INSERT INTO conversations
			(user_id, id, title, participant_ids, status, status_updated_at,
			 error_message, messages, last_message_at)
		VALUES
			($1, $2, COALESCE($3, ''), COALESCE($4, '{}'), COALESCE($5, 'idle'),
			 COALESCE($6, now()), COALESCE($7, ''),
			 COALESCE($8, '[]'::jsonb), COALESCE($9, now()))
		ON CONFLICT (user_id, id) DO UPDATE SET
			title             = COALESCE($3, conversations.title),
			participant_ids   = COALESCE($4, conversations.participant_ids),
			status            = COALESCE($5, conversations.status),
			status_updated_at = GREATEST(conversations.status_updated_at, COALESCE($6, conversations.status_updated_at)),
			error_message     = COALESCE($7, conversations.error_message),
			messages          = COALESCE($8, conversations.messages),
			updated_at        = GREATEST(conversations.updated_at, now()),
			last_message_at   = GREATEST(conversations.last_message_at, COALESCE($9, conversations.last_message_at))`,
		userID, id, p.Title, p.ParticipantIDs, statusState, statusUpdatedAt,
		statusErr, messagesJSON, p.LastMessageAt)
	if err != nil {
		return fmt.Errorf("patching conversation: %w", err)
	}
	return nil
}

// List returns the caller's conversations ordered by last_message_at
// descending.
func (s *Store) List(ctx context.Context, userID string, limit int) ([]*Document, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+conversationCols+` FROM conversations
		 WHERE user_id = $1
		 ORDER BY last_message_at DESC
		 LIMIT $2`,
		userID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing conversations: %w", err)
	}
	defer rows.Close()

	var docs []*Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning conversation: %w", err)
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing conversations: %w", err)
	}
	return docs, nil
}

// scanDocument scans one row in conversationCols order.
func scanDocument(row pgx.Row) (*Document, error) {
	var (
		doc          Document
		state        string
		statusAt     time.Time
		errorMessage string
		messagesJSON []byte
	)

	err := row.Scan(&doc.ID, &doc.Title, &doc.ParticipantIDs, &state, &statusAt,
		&errorMessage, &messagesJSON, &doc.CreatedAt, &doc.UpdatedAt, &doc.LastMessageAt)
	if err != nil {
		return nil, err
	}

	doc.Status = &Status{
		State:        State(state),
		UpdatedAt:    statusAt,
		ErrorMessage: errorMessage,
	}
	if err := json.Unmarshal(messagesJSON, &doc.Messages); err != nil {
		return nil, fmt.Errorf("decoding messages: %w", err)
	}
	return &doc, nil
}
