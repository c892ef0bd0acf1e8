// Package repository реализует пробу реляционного хранилища: проверку связи,
// выполнение запросов, статистику пула соединений и накопительные счётчики сервера.
package repository

import (
	"context"
	"database/sql"
	"fmt"
)

const (
	pingQuery          = `SELECT 1`
	activeConnsQuery   = `SELECT count(*) FROM pg_stat_activity WHERE state = 'active'`
	databaseStatsQuery = `SELECT xact_commit, xact_rollback, deadlocks FROM pg_stat_database WHERE datname = current_database()`
	liveTuplesQuery    = `SELECT COALESCE(SUM(n_live_tup), 0) FROM pg_stat_user_tables`
	transactionsQuery  = `SELECT xact_commit + xact_rollback FROM pg_stat_database WHERE datname = current_database()`
)

// PoolStats содержит состояние пула соединений.
type PoolStats struct {
	// Active содержит число соединений, занятых в данный момент.
	Active int
	Idle   int
	// Waiting содержит накопительное число ожиданий свободного соединения.
	Waiting int
	Max     int
	Total   int
}

// Utilization возвращает долю занятых соединений: (total-idle)/max.
func (s PoolStats) Utilization() float64 {
	if s.Max <= 0 {
		return 0
	}
	return float64(s.Total-s.Idle) / float64(s.Max)
}

// Counters содержит накопительные счётчики уровня базы данных.
type Counters struct {
	Commits   int64
	Rollbacks int64
	Deadlocks int64
}

// Storage определяет операции пробы хранилища.
type Storage interface {
	Ping(ctx context.Context) error
	Query(ctx context.Context, query string, args ...any) ([]map[string]any, error)
	PoolStats() PoolStats
	ActiveConnections(ctx context.Context) (int, error)
	Counters(ctx context.Context) (Counters, error)
}

// DBStorage реализует Storage поверх *sql.DB.
type DBStorage struct {
	db *sql.DB
}

func NewDBStorage(db *sql.DB) *DBStorage {
	return &DBStorage{db: db}
}

// Ping выполняет тривиальный запрос проверки связи.
func (d *DBStorage) Ping(ctx context.Context) error {
	var one int
	if err := d.db.QueryRowContext(ctx, pingQuery).Scan(&one); err != nil {
		return fmt.Errorf("liveness query: %w", err)
	}
	return nil
}

func (d *DBStorage) Query(ctx context.Context, query string, args ...any) ([]map[string]any, error) {
	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return ScanRows(rows)
}

func (d *DBStorage) PoolStats() PoolStats {
	return StatsOf(d.db)
}

// ActiveConnections возвращает число активных серверных сессий.
func (d *DBStorage) ActiveConnections(ctx context.Context) (int, error) {
	var n int
	if err := d.db.QueryRowContext(ctx, activeConnsQuery).Scan(&n); err != nil {
		return 0, fmt.Errorf("connection activity query: %w", err)
	}
	return n, nil
}

func (d *DBStorage) Counters(ctx context.Context) (Counters, error) {
	var c Counters
	err := d.db.QueryRowContext(ctx, databaseStatsQuery).Scan(&c.Commits, &c.Rollbacks, &c.Deadlocks)
	if err == sql.ErrNoRows {
		return Counters{}, nil
	}
	if err != nil {
		return Counters{}, fmt.Errorf("database counters query: %w", err)
	}
	return c, nil
}

// StatsOf переводит sql.DBStats в PoolStats.
func StatsOf(db *sql.DB) PoolStats {
	st := db.Stats()
	return PoolStats{
		Active:  st.InUse,
		Idle:    st.Idle,
		Waiting: int(st.WaitCount),
		Max:     st.MaxOpenConnections,
		Total:   st.OpenConnections,
	}
}

// LoadCounts возвращает число живых строк и накопительное число транзакций базы.
// Используется для оценки нагрузки шарда.
func LoadCounts(ctx context.Context, db *sql.DB) (rows int64, queries int64, err error) {
	if err := db.QueryRowContext(ctx, liveTuplesQuery).Scan(&rows); err != nil {
		return 0, 0, fmt.Errorf("row count: %w", err)
	}
	if err := db.QueryRowContext(ctx, transactionsQuery).Scan(&queries); err != nil {
		return 0, 0, fmt.Errorf("query count: %w", err)
	}
	return rows, queries, nil
}

// ScanRows читает все строки результата в срезы map[колонка]значение и закрывает rows.
func ScanRows(rows *sql.Rows) ([]map[string]any, error) {
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var result []map[string]any
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}

		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}

		row := make(map[string]any, len(cols))
		for i, col := range cols {
			if b, ok := values[i].([]byte); ok {
				row[col] = string(b)
				continue
			}
			row[col] = values[i]
		}
		result = append(result, row)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}
