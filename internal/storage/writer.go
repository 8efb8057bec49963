package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/rafimumtaz/ChitChat/contracts"
	"github.com/rafimumtaz/ChitChat/internal/pool"
)

// errAlreadyApplied aborts a transaction that lost a race to an identical
// delivery. The row exists, so the envelope counts as applied.
var errAlreadyApplied = errors.New("storage: already applied")

// Writer applies envelopes to storage
type Writer struct {
	pool   *Pool
	logger *slog.Logger
	now    func() time.Time
}

// WriterOption configures a Writer
type WriterOption func(*Writer)

// WithWriterLogger sets the logger
func WithWriterLogger(logger *slog.Logger) WriterOption {
	return func(w *Writer) {
		w.logger = logger
	}
}

// WithClock overrides the clock used for messages without a timestamp
func WithClock(now func() time.Time) WriterOption {
	return func(w *Writer) {
		w.now = now
	}
}

// NewWriter creates a writer drawing sessions from p
func NewWriter(p *Pool, options ...WriterOption) *Writer {
	w := &Writer{
		pool:   p,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range options {
		opt(w)
	}
	return w
}

// Apply dispatches env to the handler for its type
func (w *Writer) Apply(ctx context.Context, env contracts.Envelope) contracts.Result {
	if err := contracts.Validate(env); err != nil {
		w.logger.Error("invalid envelope", "error", err)
		return contracts.Failure(contracts.Validation, err)
	}

	switch e := env.(type) {
	case contracts.ChatMessage:
		return w.WriteMessage(ctx, e)
	case contracts.FriendRequest:
		return w.WriteFriendRequest(ctx, e)
	case contracts.FriendAccepted:
		return w.WriteFriendAccepted(ctx, e)
	case contracts.GroupInvite:
		return w.WriteGroupInvite(ctx, e)
	case contracts.GroupJoined:
		return w.WriteGroupJoined(ctx, e)
	}

	// unreachable once Validate passed
	return contracts.Failure(contracts.Validation, fmt.Errorf("%w: %T", contracts.ErrInvalidEnvelope, env))
}

// WriteMessage stores a chat message once per publisher message id
func (w *Writer) WriteMessage(ctx context.Context, m contracts.ChatMessage) contracts.Result {
	if err := contracts.Validate(m); err != nil {
		return contracts.Failure(contracts.Validation, err)
	}

	sentAt := float64(w.now().UnixNano()) / float64(time.Second)
	if m.SentAt != nil {
		sentAt = *m.SentAt
	}

	var url, mimeType, name *string
	if a := m.Attachment; a != nil {
		url, mimeType, name = nullable(a.URL), nullable(a.MimeType), nullable(a.OriginalName)
	}

	return w.inTx(ctx, "write_message", m, func(ctx context.Context, tx Tx) error {
		_, err := tx.Exec(ctx, insertMessageSQL,
			m.Key, m.RoomID, m.SenderID, m.Seq, m.Content, sentAt,
			url, mimeType, name,
		)
		return err
	})
}

// WriteFriendRequest creates a pending friendship and its notification
func (w *Writer) WriteFriendRequest(ctx context.Context, r contracts.FriendRequest) contracts.Result {
	if err := contracts.Validate(r); err != nil {
		return contracts.Failure(contracts.Validation, err)
	}

	return w.inTx(ctx, "write_friend_request", r, func(ctx context.Context, tx Tx) error {
		found, err := exists(ctx, tx, selectFriendshipSQL, r.SenderID, r.ReceiverID)
		if err != nil || found {
			return err
		}
		if _, err := tx.Exec(ctx, insertFriendshipSQL, r.SenderID, r.ReceiverID); err != nil {
			return err
		}
		// the notification references the sender's profile
		_, err = tx.Exec(ctx, insertNotificationSQL, notifFriendRequest, r.SenderID, r.ReceiverID, r.SenderID)
		return err
	})
}

// WriteFriendAccepted marks a friendship accepted and optionally reads its notification
func (w *Writer) WriteFriendAccepted(ctx context.Context, a contracts.FriendAccepted) contracts.Result {
	if err := contracts.Validate(a); err != nil {
		return contracts.Failure(contracts.Validation, err)
	}

	return w.inTx(ctx, "write_friend_accept", a, func(ctx context.Context, tx Tx) error {
		if _, err := tx.Exec(ctx, acceptFriendshipSQL, a.InitiatorID, a.AcceptorID); err != nil {
			return err
		}
		return markRead(ctx, tx, a.NotifID)
	})
}

// WriteGroupInvite notifies the receiver unless an identical invite is still unread
func (w *Writer) WriteGroupInvite(ctx context.Context, i contracts.GroupInvite) contracts.Result {
	if err := contracts.Validate(i); err != nil {
		return contracts.Failure(contracts.Validation, err)
	}

	return w.inTx(ctx, "write_group_invite", i, func(ctx context.Context, tx Tx) error {
		found, err := exists(ctx, tx, selectUnreadInviteSQL, i.SenderID, i.ReceiverID, i.RoomID)
		if err != nil || found {
			return err
		}
		_, err = tx.Exec(ctx, insertNotificationSQL, notifGroupInvite, i.SenderID, i.ReceiverID, i.RoomID)
		return err
	})
}

// WriteGroupJoined adds a room member and optionally reads the invite
func (w *Writer) WriteGroupJoined(ctx context.Context, j contracts.GroupJoined) contracts.Result {
	if err := contracts.Validate(j); err != nil {
		return contracts.Failure(contracts.Validation, err)
	}

	return w.inTx(ctx, "write_group_join", j, func(ctx context.Context, tx Tx) error {
		found, err := exists(ctx, tx, selectMemberSQL, j.RoomID, j.UserID)
		if err != nil {
			return err
		}
		if !found {
			if _, err := tx.Exec(ctx, insertMemberSQL, j.RoomID, j.UserID); err != nil {
				return err
			}
		}
		return markRead(ctx, tx, j.NotifID)
	})
}

// Ping checks that a session can be borrowed and answers a query
func (w *Writer) Ping(ctx context.Context) error {
	return w.pool.With(ctx, func(s Session) error {
		tx, err := s.Begin(ctx)
		if err != nil {
			return err
		}
		defer tx.Rollback(ctx)

		var one int
		return tx.QueryRow(ctx, pingSQL).Scan(&one)
	})
}

// Stats reports the session pool accounting
func (w *Writer) Stats() pool.Stats {
	return w.pool.Stats()
}

// Close releases every pooled session
func (w *Writer) Close() error {
	return w.pool.CloseAll()
}

// inTx borrows a session and runs fn in one transaction. Any error rolls
// the transaction back; the session always goes back to the pool.
func (w *Writer) inTx(ctx context.Context, op string, env contracts.Envelope, fn func(context.Context, Tx) error) contracts.Result {
	err := w.pool.With(ctx, func(s Session) error {
		tx, err := s.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin: %w", err)
		}

		if err := fn(ctx, tx); err != nil {
			if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
				w.logger.Debug("rollback failed", "op", op, "error", rbErr)
			}
			if isUniqueViolation(err) && op != "write_message" {
				return errAlreadyApplied
			}
			return err
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit: %w", err)
		}
		return nil
	})

	switch {
	case err == nil:
		return contracts.Success()
	case errors.Is(err, errAlreadyApplied):
		w.logger.Debug("concurrent delivery already applied", "op", op, "messageId", env.IdempotencyKey())
		return contracts.Success()
	}

	kind := Classify(err)
	level := slog.LevelError
	if isCancellation(err) {
		level = slog.LevelWarn
	}
	w.logger.Log(ctx, level, "storage operation failed",
		"op", op,
		"type", env.Kind(),
		"messageId", env.IdempotencyKey(),
		"kind", kind.String(),
		"error", err,
	)
	return contracts.Failure(kind, err)
}

func exists(ctx context.Context, tx Tx, sql string, args ...any) (bool, error) {
	var one int
	err := tx.QueryRow(ctx, sql, args...).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func markRead(ctx context.Context, tx Tx, notifID *int64) error {
	if notifID == nil || *notifID == 0 {
		return nil
	}
	_, err := tx.Exec(ctx, markNotificationReadSQL, *notifID)
	return err
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
