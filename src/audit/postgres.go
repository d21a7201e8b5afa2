package audit

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrations embed.FS

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Postgres stores events in the guard_events table.
type Postgres struct {
	db    execer
	close func()
}

const insertEvent = `INSERT INTO guard_events
	(id, exchange_id, direction, is_valid, early_exit, scores, rejected, failed, created_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

// Connect opens a pgx pool for url and verifies it with a ping.
func Connect(ctx context.Context, url string, maxConns int32) (*Postgres, error) {
	poolCfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if maxConns > 0 {
		poolCfg.MaxConns = maxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pgx pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &Postgres{db: pool, close: pool.Close}, nil
}

func (p *Postgres) Record(ctx context.Context, e Event) error {
	rejected, failed := e.Rejected, e.Failed
	if rejected == nil {
		rejected = []string{}
	}
	if failed == nil {
		failed = []string{}
	}
	_, err := p.db.Exec(ctx, insertEvent,
		e.ID, e.ExchangeID, string(e.Direction), e.Valid, e.EarlyExit,
		e.Scores, rejected, failed, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert guard event: %w", err)
	}
	return nil
}

func (p *Postgres) Close() {
	if p.close != nil {
		p.close()
	}
}

// Migrate applies the embedded goose migrations to the database at url.
func Migrate(ctx context.Context, url string) error {
	db, err := sql.Open("pgx", url)
	if err != nil {
		return fmt.Errorf("open database for migrations: %w", err)
	}
	defer db.Close()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping database for migrations: %w", err)
	}

	goose.SetBaseFS(migrations)
	defer goose.SetBaseFS(nil)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set goose dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}
