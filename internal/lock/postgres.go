package lock

import (
	"context"
	"database/sql"
	"fmt"
	"hash/fnv"
	"sync"
	"time"
)

// Postgres uses a session-level advisory lock held on one pinned
// connection. The lock dies with the connection if the process does.
type Postgres struct {
	db  *sql.DB
	key int64
}

func NewPostgres(db *sql.DB, name string) *Postgres {
	h := fnv.New64a()
	_, _ = h.Write([]byte(name))
	return &Postgres{db: db, key: int64(h.Sum64())}
}

func (p *Postgres) TryLock(ctx context.Context, timeout time.Duration) (context.Context, func(), error) {
	conn, err := p.db.Conn(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("advisory lock connection: %w", err)
	}

	err = poll(ctx, timeout, func(ctx context.Context) (bool, error) {
		var ok bool
		if err := conn.QueryRowContext(ctx, `SELECT pg_try_advisory_lock($1)`, p.key).Scan(&ok); err != nil {
			return false, fmt.Errorf("pg_try_advisory_lock: %w", err)
		}
		return ok, nil
	})
	if err != nil {
		conn.Close()
		return nil, nil, err
	}

	held, cancelHeld := context.WithCancel(ctx)
	var once sync.Once
	return held, func() {
		once.Do(func() {
			cancelHeld()
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_, _ = conn.ExecContext(ctx, `SELECT pg_advisory_unlock($1)`, p.key)
			conn.Close()
		})
	}, nil
}
