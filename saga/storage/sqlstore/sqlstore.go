package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	trmsql "github.com/avito-tech/go-transaction-manager/drivers/sql/v2"
	"github.com/go-sql-driver/mysql"
	"go.uber.org/zap"

	"github.com/overtonx/sagaflow"
	"github.com/overtonx/sagaflow/saga/storage"
)

const tableExecutions = "saga_executions"

const (
	createQuery = `
		INSERT INTO %s (id, saga_type, order_id, state, context, retry_count, version, deadline_at, deadline_state, started_at, last_activity_at, completed_at, result)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	getByOrderQuery = `
		SELECT id, saga_type, order_id, state, context, retry_count, version, deadline_at, deadline_state, started_at, last_activity_at, completed_at, result
		FROM %s
		WHERE order_id = ?`

	updateQuery = `
		UPDATE %s
		SET state = ?, context = ?, retry_count = ?, version = version + 1, deadline_at = ?, deadline_state = ?, last_activity_at = ?, completed_at = ?, result = ?
		WHERE id = ? AND version = ?`

	expiredDeadlinesQuery = `
		SELECT id, saga_type, order_id, state, context, retry_count, version, deadline_at, deadline_state, started_at, last_activity_at, completed_at, result
		FROM %s
		WHERE deadline_at IS NOT NULL AND deadline_at <= ? AND state = deadline_state
		ORDER BY deadline_at
		LIMIT ?`
)

// SQLStore is the MySQL implementation of storage.Store. Creates and
// updates join the transaction carried by the context so a saga transition
// and the commands it appends to the outbox commit atomically.
type SQLStore struct {
	db     *sql.DB
	getter *trmsql.CtxGetter
	logger *zap.Logger
}

// NewSQLStore creates a store over db.
func NewSQLStore(db *sql.DB, getter *trmsql.CtxGetter, logger *zap.Logger) *SQLStore {
	if getter == nil {
		getter = trmsql.DefaultCtxGetter
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SQLStore{
		db:     db,
		getter: getter,
		logger: logger,
	}
}

func (s *SQLStore) CreateExecution(ctx context.Context, record *storage.ExecutionRecord) error {
	query := fmt.Sprintf(createQuery, tableExecutions)
	_, err := s.getter.DefaultTrOrDB(ctx, s.db).ExecContext(ctx, query,
		record.ID,
		record.SagaType,
		record.OrderID,
		record.State,
		record.Context,
		record.RetryCount,
		record.Version,
		record.DeadlineAt,
		record.DeadlineState,
		record.StartedAt,
		record.LastActivityAt,
		record.CompletedAt,
		record.Result,
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if errors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return storage.ErrDuplicateExecution
		}
		return fmt.Errorf("failed to create saga execution: %w", err)
	}
	return nil
}

func (s *SQLStore) GetByOrderID(ctx context.Context, orderID string) (*storage.ExecutionRecord, error) {
	query := fmt.Sprintf(getByOrderQuery, tableExecutions)
	row := s.getter.DefaultTrOrDB(ctx, s.db).QueryRowContext(ctx, query, orderID)

	record, err := scanExecution(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("failed to load saga execution: %w", err)
	}
	return record, nil
}

func (s *SQLStore) UpdateExecution(ctx context.Context, record *storage.ExecutionRecord) error {
	query := fmt.Sprintf(updateQuery, tableExecutions)
	res, err := s.getter.DefaultTrOrDB(ctx, s.db).ExecContext(ctx, query,
		record.State,
		record.Context,
		record.RetryCount,
		record.DeadlineAt,
		record.DeadlineState,
		record.LastActivityAt,
		record.CompletedAt,
		record.Result,
		record.ID,
		record.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to update saga execution: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if affected == 0 {
		return sagaflow.ErrVersionConflict
	}
	record.Version++
	return nil
}

func (s *SQLStore) FetchExpiredDeadlines(ctx context.Context, now time.Time, batchSize int) ([]storage.ExecutionRecord, error) {
	query := fmt.Sprintf(expiredDeadlinesQuery, tableExecutions)
	rows, err := s.db.QueryContext(ctx, query, now, batchSize)
	if err != nil {
		return nil, fmt.Errorf("failed to query expired deadlines: %w", err)
	}
	defer rows.Close()

	var records []storage.ExecutionRecord
	for rows.Next() {
		record, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan saga execution: %w", err)
		}
		records = append(records, *record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error reading saga execution rows: %w", err)
	}
	return records, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanExecution(row rowScanner) (*storage.ExecutionRecord, error) {
	var record storage.ExecutionRecord
	var deadlineState sql.NullString
	err := row.Scan(
		&record.ID,
		&record.SagaType,
		&record.OrderID,
		&record.State,
		&record.Context,
		&record.RetryCount,
		&record.Version,
		&record.DeadlineAt,
		&deadlineState,
		&record.StartedAt,
		&record.LastActivityAt,
		&record.CompletedAt,
		&record.Result,
	)
	if err != nil {
		return nil, err
	}
	record.DeadlineState = deadlineState.String
	return &record, nil
}

// EnsureTables creates the saga table if it does not exist.
func (s *SQLStore) EnsureTables(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS saga_executions (
			id               CHAR(36)     NOT NULL PRIMARY KEY,
			saga_type        VARCHAR(64)  NOT NULL,
			order_id         VARCHAR(255) NOT NULL UNIQUE,
			state            VARCHAR(32)  NOT NULL,
			context          JSON         NOT NULL,
			retry_count      INT          NOT NULL DEFAULT 0,
			version          BIGINT       NOT NULL DEFAULT 0,
			deadline_at      TIMESTAMP(6) NULL,
			deadline_state   VARCHAR(32)  NULL,
			started_at       TIMESTAMP(6) NOT NULL,
			last_activity_at TIMESTAMP(6) NOT NULL,
			completed_at     TIMESTAMP(6) NULL,
			result           VARCHAR(32)  NOT NULL,
			INDEX idx_deadline (deadline_at),
			INDEX idx_state (state)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci
	`
	_, err := s.db.ExecContext(ctx, query)
	if err != nil {
		return fmt.Errorf("failed to create saga_executions table: %w", err)
	}
	return nil
}
