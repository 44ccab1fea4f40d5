package db

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"

	"github.com/Dhoini/coach-billing/pkg/logger"
)

const driverName = "pgx"

// Options параметры пула соединений
type Options struct {
	DSN            string
	MaxOpenConns   int
	MaxIdleConns   int
	ConnectTimeout time.Duration
}

// DBClient представляет клиент для работы с базой данных.
type DBClient struct {
	db  *sqlx.DB
	log *logger.Logger
}

// NewDBClient подключается к базе, повторяя попытки с экспоненциальной задержкой
// в пределах ConnectTimeout.
func NewDBClient(ctx context.Context, opts Options, log *logger.Logger) (*DBClient, error) {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = opts.ConnectTimeout
	if bo.MaxElapsedTime <= 0 {
		bo.MaxElapsedTime = 30 * time.Second
	}

	var db *sqlx.DB
	connect := func() error {
		conn, err := sqlx.ConnectContext(ctx, driverName, opts.DSN)
		if err != nil {
			log.Warnw("Database not ready, retrying", "error", err)
			return err
		}
		db = conn
		return nil
	}
	if err := backoff.Retry(connect, backoff.WithContext(bo, ctx)); err != nil {
		log.Errorw("Failed to connect to database", "error", err)
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if opts.MaxOpenConns > 0 {
		db.SetMaxOpenConns(opts.MaxOpenConns)
	}
	if opts.MaxIdleConns > 0 {
		db.SetMaxIdleConns(opts.MaxIdleConns)
	}
	db.SetConnMaxLifetime(time.Hour)

	log.Infow("Connected to PostgreSQL")
	return &DBClient{db: db, log: log}, nil
}

// NewFromDB оборачивает уже открытое соединение (тесты, sqlmock)
func NewFromDB(db *sqlx.DB, log *logger.Logger) *DBClient {
	return &DBClient{db: db, log: log}
}

// DB возвращает пул sqlx
func (dc *DBClient) DB() *sqlx.DB {
	return dc.db
}

// Ping проверяет доступность базы
func (dc *DBClient) Ping(ctx context.Context) error {
	return dc.db.PingContext(ctx)
}

// Close закрывает соединение с базой данных.
func (dc *DBClient) Close() error {
	err := dc.db.Close()
	if err != nil {
		dc.log.Errorw("Failed to close database connection", "error", err)
		return fmt.Errorf("failed to close database connection: %w", err)
	}
	return nil
}

// WithTx выполняет fn в транзакции. Ошибка или паника в fn откатывают транзакцию.
func (dc *DBClient) WithTx(ctx context.Context, fn func(tx *sqlx.Tx) error) (err error) {
	tx, err := dc.db.BeginTxx(ctx, nil)
	if err != nil {
		dc.log.Errorw("Failed to begin transaction", "error", err)
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				dc.log.Errorw("Failed to rollback transaction", "error", rbErr)
			}
		}
	}()

	if err = fn(tx); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		dc.log.Errorw("Failed to commit transaction", "error", err)
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
