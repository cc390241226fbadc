// Package repository содержит реализацию доступа к данным в PostgreSQL.
package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/mmeshcher/servicefinder/internal/model"
	"github.com/mmeshcher/servicefinder/internal/session"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

var (
	// ErrOrderExists возвращается при повторной записи платёжного заказа.
	ErrOrderExists = errors.New("payment order already recorded")
	// ErrOrderNotFound возвращается, если платёжный заказ не найден.
	ErrOrderNotFound = errors.New("payment order not found")
)

// PostgresRepository хранит сессии и журнал платёжных заказов в PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{pool: pool}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

var retryDelays = []time.Duration{1 * time.Second, 3 * time.Second, 5 * time.Second}

func withRetry(ctx context.Context, fn func() error) error {
	var err error

	for i := 0; i <= len(retryDelays); i++ {
		err = fn()
		if err == nil {
			return nil
		}

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		if !isRetryable(err) || i == len(retryDelays) {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryDelays[i]):
		}
	}
	return err
}

func isRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgerrcode.SerializationFailure ||
			pgErr.Code == pgerrcode.DeadlockDetected ||
			pgerrcode.IsConnectionException(pgErr.Code)
	}
	return isConnectionError(err)
}

func isConnectionError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "connection reset by peer")
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// LoadSessions возвращает все сохранённые сессии.
func (r *PostgresRepository) LoadSessions(ctx context.Context) ([]session.Stored, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, token, role, name, user_id, created_at
		 FROM sessions
		 ORDER BY created_at`,
	)
	if err != nil {
		return nil, fmt.Errorf("select sessions: %w", err)
	}
	defer rows.Close()

	var res []session.Stored
	for rows.Next() {
		var (
			s    session.Stored
			role string
		)
		if err := rows.Scan(&s.ID, &s.Credentials.Token, &role, &s.Credentials.Name, &s.Credentials.UserID, &s.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}

		s.Credentials.Role, err = model.ParseRole(role)
		if err != nil {
			return nil, fmt.Errorf("session %s: %w", s.ID, err)
		}
		res = append(res, s)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// SaveSession сохраняет сессию.
func (r *PostgresRepository) SaveSession(ctx context.Context, s session.Stored) error {
	return withRetry(ctx, func() error {
		_, err := r.pool.Exec(ctx,
			`INSERT INTO sessions (id, token, role, name, user_id, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6)
			 ON CONFLICT (id) DO UPDATE
			 SET token = EXCLUDED.token, role = EXCLUDED.role, name = EXCLUDED.name, user_id = EXCLUDED.user_id`,
			s.ID, s.Credentials.Token, s.Credentials.Role.String(), s.Credentials.Name, s.Credentials.UserID, s.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert session: %w", err)
		}
		return nil
	})
}

// DeleteSession удаляет сессию.
func (r *PostgresRepository) DeleteSession(ctx context.Context, id string) error {
	return withRetry(ctx, func() error {
		if _, err := r.pool.Exec(ctx, `DELETE FROM sessions WHERE id = $1`, id); err != nil {
			return fmt.Errorf("delete session: %w", err)
		}
		return nil
	})
}

// RecordOrder сохраняет созданный платёжный заказ.
func (r *PostgresRepository) RecordOrder(ctx context.Context, o model.PaymentOrder) error {
	return withRetry(ctx, func() error {
		_, err := r.pool.Exec(ctx,
			`INSERT INTO payment_orders (order_id, attempt_id, user_id, provider_id, amount_minor, currency, status)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			o.OrderID, o.AttemptID, o.UserID, o.ProviderID, o.AmountMinor, o.Currency, string(o.Status),
		)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
				return fmt.Errorf("%w: %s", ErrOrderExists, o.OrderID)
			}
			return fmt.Errorf("insert payment order: %w", err)
		}
		return nil
	})
}

// UpdateOrder фиксирует итог платёжного заказа.
func (r *PostgresRepository) UpdateOrder(ctx context.Context, orderID string, status model.PaymentOrderStatus, paymentID, detail string) error {
	return withRetry(ctx, func() error {
		tag, err := r.pool.Exec(ctx,
			`UPDATE payment_orders
			 SET status = $2,
			     payment_id = COALESCE(NULLIF($3, ''), payment_id),
			     detail = $4,
			     updated_at = now()
			 WHERE order_id = $1`,
			orderID, string(status), paymentID, detail,
		)
		if err != nil {
			return fmt.Errorf("update payment order: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
		}
		return nil
	})
}

// UnconfirmedOrders возвращает заказы, оплата которых не подтверждена бэкендом.
func (r *PostgresRepository) UnconfirmedOrders(ctx context.Context) ([]model.PaymentOrder, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT order_id, attempt_id, user_id, provider_id, amount_minor, currency, status,
		        COALESCE(payment_id, ''), COALESCE(detail, ''), created_at, updated_at
		 FROM payment_orders
		 WHERE status = $1
		 ORDER BY updated_at DESC`,
		string(model.PaymentOrderUnconfirmed),
	)
	if err != nil {
		return nil, fmt.Errorf("select payment orders: %w", err)
	}
	defer rows.Close()

	orders, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.PaymentOrder, error) {
		var (
			o      model.PaymentOrder
			status string
		)
		err := row.Scan(&o.OrderID, &o.AttemptID, &o.UserID, &o.ProviderID, &o.AmountMinor, &o.Currency, &status,
			&o.PaymentID, &o.Detail, &o.CreatedAt, &o.UpdatedAt)
		o.Status = model.PaymentOrderStatus(status)
		return o, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan payment orders: %w", err)
	}

	return orders, nil
}
