package repository

import (
	"context"
	"embed"
	"encoding/json"
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

	"github.com/mmeshcher/splitbill/internal/metrics"
	"github.com/mmeshcher/splitbill/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// PostgresRepository хранит счета в PostgreSQL в виде JSONB-документов.
type PostgresRepository struct {
	pool       *pgxpool.Pool
	maxRetries int
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string, maxRetries int) (*PostgresRepository, error) {
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

	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	r := &PostgresRepository{pool: pool, maxRetries: maxRetries}

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

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// CreateBill сохраняет новый счёт.
func (r *PostgresRepository) CreateBill(ctx context.Context, bill *model.Bill) error {
	if err := bill.Validate(); err != nil {
		return err
	}

	doc, err := json.Marshal(bill)
	if err != nil {
		return fmt.Errorf("encode bill: %w", err)
	}

	_, err = r.pool.Exec(ctx,
		`INSERT INTO bills (id, document, phase, created_at, updated_at) VALUES ($1, $2, $3, $4, $5)`,
		bill.ID, doc, string(bill.Phase), bill.CreatedAt, bill.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return fmt.Errorf("%w: %s", ErrBillExists, bill.ID)
		}
		return fmt.Errorf("insert bill: %w", err)
	}

	return nil
}

// GetBill возвращает счёт по идентификатору.
func (r *PostgresRepository) GetBill(ctx context.Context, id string) (*model.Bill, error) {
	var doc []byte
	err := r.pool.QueryRow(ctx, `SELECT document FROM bills WHERE id = $1`, id).Scan(&doc)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrBillNotFound
		}
		return nil, fmt.Errorf("get bill: %w", err)
	}

	return decodeBill(doc)
}

// UpdateBill выполняет атомарное чтение-изменение-запись счёта. Строка блокируется
// на время транзакции, запись выполняется только при неизменной версии документа.
// При конфликте, ошибке сериализации или взаимной блокировке цикл повторяется целиком.
func (r *PostgresRepository) UpdateBill(ctx context.Context, id string, fn UpdateFunc) (*model.Bill, error) {
	var updated *model.Bill
	err := withRetry(ctx, r.maxRetries, r.isRetryable, func() error {
		b, err := r.updateOnce(ctx, id, fn)
		if err != nil {
			if r.isRetryable(err) {
				metrics.ObserveConflict("postgres")
			}
			return err
		}
		updated = b
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (r *PostgresRepository) updateOnce(ctx context.Context, id string, fn UpdateFunc) (*model.Bill, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var (
		doc     []byte
		version int64
	)
	err = tx.QueryRow(ctx, `SELECT document, version FROM bills WHERE id = $1 FOR UPDATE`, id).Scan(&doc, &version)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrBillNotFound
		}
		return nil, fmt.Errorf("lock bill for update: %w", err)
	}

	b, err := decodeBill(doc)
	if err != nil {
		return nil, err
	}

	if err := fn(b); err != nil {
		return nil, err
	}

	b.UpdatedAt = time.Now().UTC()
	if err := b.Validate(); err != nil {
		return nil, err
	}

	doc, err = json.Marshal(b)
	if err != nil {
		return nil, fmt.Errorf("encode bill: %w", err)
	}

	tag, err := tx.Exec(ctx,
		`UPDATE bills SET document = $2, phase = $3, version = version + 1, updated_at = $4
		 WHERE id = $1 AND version = $5`,
		id, doc, string(b.Phase), b.UpdatedAt, version,
	)
	if err != nil {
		return nil, fmt.Errorf("update bill: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return nil, ErrConflict
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("%w: commit tx: %w", ErrCommitUnknown, err)
	}

	return b, nil
}

func (r *PostgresRepository) isRetryable(err error) bool {
	if errors.Is(err, ErrCommitUnknown) {
		return false
	}
	if errors.Is(err, ErrConflict) {
		return true
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected
	}

	return isConnectionError(err)
}

func isConnectionError(err error) bool {
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

func decodeBill(doc []byte) (*model.Bill, error) {
	var b model.Bill
	if err := json.Unmarshal(doc, &b); err != nil {
		return nil, fmt.Errorf("decode bill: %w", err)
	}
	return &b, nil
}
