package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type messageRow struct {
	key      string
	roomID   int64
	senderID *int64
	content  string
	sentAt   float64
	url      *string
}

type notificationRow struct {
	id          int64
	kind        string
	senderID    int64
	receiverID  int64
	referenceID int64
	status      string
}

type tables struct {
	messages      map[string]messageRow
	friendships   map[[2]int64]string
	notifications []notificationRow
	members       map[[2]int64]bool
	nextNotifID   int64
}

func (t tables) clone() tables {
	c := tables{
		messages:      make(map[string]messageRow, len(t.messages)),
		friendships:   make(map[[2]int64]string, len(t.friendships)),
		notifications: append([]notificationRow(nil), t.notifications...),
		members:       make(map[[2]int64]bool, len(t.members)),
		nextNotifID:   t.nextNotifID,
	}
	for k, v := range t.messages {
		c.messages[k] = v
	}
	for k, v := range t.friendships {
		c.friendships[k] = v
	}
	for k, v := range t.members {
		c.members[k] = v
	}
	return c
}

// memDB is an in-memory stand-in for PostgreSQL that understands the
// handler statements and gives each transaction a private copy of the tables.
type memDB struct {
	mu       sync.Mutex
	data     tables
	down     bool
	failOn   map[string]error
	sessions int
}

func newMemDB() *memDB {
	return &memDB{
		data: tables{
			messages:    map[string]messageRow{},
			friendships: map[[2]int64]string{},
			members:     map[[2]int64]bool{},
			nextNotifID: 1,
		},
		failOn: map[string]error{},
	}
}

func (db *memDB) dial(ctx context.Context) (Session, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.down {
		return nil, errors.New("dial tcp 127.0.0.1:5432: connect: connection refused")
	}
	db.sessions++
	return &memSession{db: db}, nil
}

func (db *memDB) setDown(down bool) {
	db.mu.Lock()
	db.down = down
	db.mu.Unlock()
}

// failStatement makes every execution of sql return err
func (db *memDB) failStatement(sql string, err error) {
	db.mu.Lock()
	db.failOn[sql] = err
	db.mu.Unlock()
}

func (db *memDB) snapshot() tables {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.data.clone()
}

type memSession struct {
	db     *memDB
	closed bool
}

func (s *memSession) Begin(ctx context.Context) (Tx, error) {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if s.db.down || s.closed {
		return nil, errors.New("conn closed")
	}
	return &memTx{db: s.db, data: s.db.data.clone()}, nil
}

func (s *memSession) Ping(ctx context.Context) error {
	s.db.mu.Lock()
	defer s.db.mu.Unlock()
	if s.db.down || s.closed {
		return errors.New("conn closed")
	}
	return nil
}

func (s *memSession) Close() error {
	s.closed = true
	return nil
}

type memTx struct {
	db   *memDB
	data tables
	done bool
}

func (tx *memTx) fail(sql string) error {
	tx.db.mu.Lock()
	defer tx.db.mu.Unlock()
	if tx.db.down {
		return errors.New("unexpected EOF")
	}
	return tx.db.failOn[sql]
}

func (tx *memTx) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if tx.done {
		return pgconn.CommandTag{}, pgx.ErrTxClosed
	}
	if err := tx.fail(sql); err != nil {
		return pgconn.CommandTag{}, err
	}

	switch sql {
	case insertMessageSQL:
		key := args[0].(string)
		if _, dup := tx.data.messages[key]; dup {
			return pgconn.NewCommandTag("INSERT 0 1"), nil
		}
		tx.data.messages[key] = messageRow{
			key:      key,
			roomID:   args[1].(int64),
			senderID: args[2].(*int64),
			content:  args[4].(string),
			sentAt:   args[5].(float64),
			url:      args[6].(*string),
		}
		return pgconn.NewCommandTag("INSERT 0 1"), nil

	case insertFriendshipSQL:
		k := [2]int64{args[0].(int64), args[1].(int64)}
		if _, dup := tx.data.friendships[k]; dup {
			return pgconn.CommandTag{}, &pgconn.PgError{Code: "23505", Message: "duplicate key"}
		}
		tx.data.friendships[k] = "PENDING"
		return pgconn.NewCommandTag("INSERT 0 1"), nil

	case acceptFriendshipSQL:
		k := [2]int64{args[0].(int64), args[1].(int64)}
		if _, ok := tx.data.friendships[k]; !ok {
			return pgconn.NewCommandTag("UPDATE 0"), nil
		}
		tx.data.friendships[k] = "ACCEPTED"
		return pgconn.NewCommandTag("UPDATE 1"), nil

	case insertNotificationSQL:
		tx.data.notifications = append(tx.data.notifications, notificationRow{
			id:          tx.data.nextNotifID,
			kind:        args[0].(string),
			senderID:    args[1].(int64),
			receiverID:  args[2].(int64),
			referenceID: args[3].(int64),
			status:      "unread",
		})
		tx.data.nextNotifID++
		return pgconn.NewCommandTag("INSERT 0 1"), nil

	case markNotificationReadSQL:
		id := args[0].(int64)
		for i := range tx.data.notifications {
			if tx.data.notifications[i].id == id {
				tx.data.notifications[i].status = "read"
				return pgconn.NewCommandTag("UPDATE 1"), nil
			}
		}
		return pgconn.NewCommandTag("UPDATE 0"), nil

	case insertMemberSQL:
		k := [2]int64{args[0].(int64), args[1].(int64)}
		if tx.data.members[k] {
			return pgconn.CommandTag{}, &pgconn.PgError{Code: "23505", Message: "duplicate key"}
		}
		tx.data.members[k] = true
		return pgconn.NewCommandTag("INSERT 0 1"), nil
	}

	return pgconn.CommandTag{}, fmt.Errorf("memdb: unsupported statement %q", sql)
}

func (tx *memTx) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	if tx.done {
		return memRow{err: pgx.ErrTxClosed}
	}
	if err := tx.fail(sql); err != nil {
		return memRow{err: err}
	}

	var found bool
	switch sql {
	case selectFriendshipSQL:
		_, found = tx.data.friendships[[2]int64{args[0].(int64), args[1].(int64)}]
	case selectMemberSQL:
		found = tx.data.members[[2]int64{args[0].(int64), args[1].(int64)}]
	case selectUnreadInviteSQL:
		for _, n := range tx.data.notifications {
			if n.kind == notifGroupInvite && n.senderID == args[0].(int64) &&
				n.receiverID == args[1].(int64) && n.referenceID == args[2].(int64) && n.status == "unread" {
				found = true
			}
		}
	case pingSQL:
		found = true
	default:
		return memRow{err: fmt.Errorf("memdb: unsupported query %q", sql)}
	}
	if !found {
		return memRow{err: pgx.ErrNoRows}
	}
	return memRow{}
}

func (tx *memTx) Commit(ctx context.Context) error {
	if tx.done {
		return pgx.ErrTxClosed
	}
	tx.done = true
	tx.db.mu.Lock()
	defer tx.db.mu.Unlock()
	if tx.db.down {
		return errors.New("unexpected EOF")
	}
	tx.db.data = tx.data
	return nil
}

func (tx *memTx) Rollback(ctx context.Context) error {
	if tx.done {
		return pgx.ErrTxClosed
	}
	tx.done = true
	return nil
}

type memRow struct {
	err error
}

func (r memRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	if len(dest) == 1 {
		if p, ok := dest[0].(*int); ok {
			*p = 1
		}
	}
	return nil
}
