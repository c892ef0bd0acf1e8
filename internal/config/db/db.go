// Package db открывает ограниченные пулы соединений к PostgreSQL через драйвер pgx.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/levinOo/go-shard-monitor/internal/models"
)

// PoolOptions задаёт границы пула соединений.
type PoolOptions struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// DefaultPoolOptions возвращает границы пула по умолчанию.
func DefaultPoolOptions() PoolOptions {
	return PoolOptions{
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: 30 * time.Minute,
		ConnMaxIdleTime: 5 * time.Minute,
	}
}

// Apply применяет границы к пулу.
func (o PoolOptions) Apply(conn *sql.DB) {
	conn.SetMaxOpenConns(o.MaxOpenConns)
	conn.SetMaxIdleConns(o.MaxIdleConns)
	conn.SetConnMaxLifetime(o.ConnMaxLifetime)
	conn.SetConnMaxIdleTime(o.ConnMaxIdleTime)
}

// ShardDSN собирает строку подключения по координатам шарда.
func ShardDSN(shard models.ShardDescriptor) string {
	port := shard.Port
	if port == 0 {
		port = 5432
	}

	u := url.URL{
		Scheme: "postgres",
		Host:   net.JoinHostPort(shard.Host, strconv.Itoa(port)),
		Path:   "/" + shard.Database,
	}
	if shard.User != "" {
		if shard.Password != "" {
			u.User = url.UserPassword(shard.User, shard.Password)
		} else {
			u.User = url.User(shard.User)
		}
	}

	return u.String()
}

// Open открывает пул по строке подключения, применяет границы и один раз проверяет связь.
// При неудачной проверке пул закрывается.
func Open(ctx context.Context, dsn string, opts PoolOptions) (*sql.DB, error) {
	conn, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open pool: %w", err)
	}
	opts.Apply(conn)

	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	return conn, nil
}

// ShardOpener возвращает функцию открытия пула шарда с заданными границами.
func ShardOpener(opts PoolOptions) func(ctx context.Context, shard models.ShardDescriptor) (*sql.DB, error) {
	return func(ctx context.Context, shard models.ShardDescriptor) (*sql.DB, error) {
		conn, err := Open(ctx, ShardDSN(shard), opts)
		if err != nil {
			return nil, fmt.Errorf("shard %d (%s): %w", shard.ID, shard.Host, err)
		}
		return conn, nil
	}
}
