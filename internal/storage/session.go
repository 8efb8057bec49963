package storage

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/rafimumtaz/ChitChat/internal/pool"
)

// Tx is the part of pgx.Tx the handlers use
type Tx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Session is one pooled storage connection
type Session interface {
	Begin(ctx context.Context) (Tx, error)
	Ping(ctx context.Context) error
	Close() error
}

// Pool lends storage sessions
type Pool = pool.Pool[Session]

const closeTimeout = 5 * time.Second

var errSessionClosed = errors.New("storage: session is closed")

type pgSession struct {
	conn *pgx.Conn
}

func (s *pgSession) Begin(ctx context.Context) (Tx, error) {
	tx, err := s.conn.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return tx, nil
}

func (s *pgSession) Ping(ctx context.Context) error {
	if s.conn.IsClosed() {
		return errSessionClosed
	}
	return s.conn.Ping(ctx)
}

func (s *pgSession) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	return s.conn.Close(ctx)
}

// Dialer opens PostgreSQL sessions for a pool
func Dialer(dsn string) pool.DialFunc[Session] {
	return func(ctx context.Context) (Session, error) {
		conn, err := pgx.Connect(ctx, dsn)
		if err != nil {
			return nil, err
		}
		return &pgSession{conn: conn}, nil
	}
}

// NewPool creates a session pool over dsn
func NewPool(dsn string, options ...pool.Option) (*Pool, error) {
	return pool.New(Dialer(dsn), append([]pool.Option{pool.WithName("storage")}, options...)...)
}
