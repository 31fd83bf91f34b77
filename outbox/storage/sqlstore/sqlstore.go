package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	trmsql "github.com/avito-tech/go-transaction-manager/drivers/sql/v2"
	"github.com/go-sql-driver/mysql"
	"go.uber.org/zap"

	"github.com/overtonx/sagaflow/outbox/storage"
)

const tableEvents = "outbox_events"

// SQL queries
const (
	createQuery = `
		INSERT INTO %s (event_id, event_type, aggregate_type, aggregate_id, topic, payload, headers, correlation_id, causation_id, schema_version, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	fetchPendingQuery = `
		SELECT id, event_id, event_type, aggregate_type, aggregate_id, topic, payload, headers, correlation_id, causation_id, schema_version, retry_count, created_at
		FROM %s
		WHERE status = ? AND (next_attempt_at IS NULL OR next_attempt_at <= ?)
		ORDER BY id
		LIMIT ?`

	claimQuery = `UPDATE %s SET status = ?, updated_at = CURRENT_TIMESTAMP(6) WHERE id IN (%s) AND status = ?`

	markPublishedQuery = `UPDATE %s SET status = ?, published_at = CURRENT_TIMESTAMP(6) WHERE id = ? AND status <> ?`

	markFailedQuery = `
		UPDATE %s
		SET status = ?, retry_count = retry_count + 1, last_retry_at = CURRENT_TIMESTAMP(6), next_attempt_at = ?, last_error = ?
		WHERE id = ?`

	markFailedPermanentQuery = `
		UPDATE %s
		SET status = ?, retry_count = ?, last_retry_at = CURRENT_TIMESTAMP(6), next_attempt_at = NULL, last_error = ?
		WHERE id = ?`

	fetchRetryableQuery = `
		SELECT id, event_id, event_type, aggregate_type, aggregate_id, topic, payload, headers, correlation_id, causation_id, schema_version, retry_count, created_at
		FROM %s
		WHERE status = ? AND retry_count < ? AND last_retry_at < ? AND (next_attempt_at IS NULL OR next_attempt_at <= ?)
		ORDER BY id
		LIMIT ?`

	resetForRetryQuery = `UPDATE %s SET status = ? WHERE id IN (%s) AND status = ?`

	fetchStuckQuery = `
		SELECT id, event_id, event_type, aggregate_type, aggregate_id, topic, payload, headers, correlation_id, causation_id, schema_version, retry_count, created_at, status
		FROM %s
		WHERE (status = ? AND created_at < ?) OR (status = ? AND updated_at < ?)
		ORDER BY id
		LIMIT ?`

	releaseStuckQuery = `UPDATE %s SET status = ? WHERE id IN (%s) AND status = ?`

	deletePublishedQuery = `DELETE FROM %s WHERE status = ? AND published_at < ?`
)

const (
	StatusPending    = 0
	StatusPublished  = 1
	StatusFailed     = 2
	StatusProcessing = 3
)

// SQLStore is the MySQL implementation of storage.Store. Writes made by
// CreateEvent join the transaction carried by the context, if any.
type SQLStore struct {
	db     *sql.DB
	getter *trmsql.CtxGetter
	logger *zap.Logger
}

// NewSQLStore creates a store over db. getter may be nil, in which case
// CreateEvent always runs against the base connection.
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

func (s *SQLStore) CreateEvent(ctx context.Context, event *storage.EventRecord) error {
	query := fmt.Sprintf(createQuery, tableEvents)
	_, err := s.getter.DefaultTrOrDB(ctx, s.db).ExecContext(ctx, query,
		event.EventID,
		event.EventType,
		event.AggregateType,
		event.AggregateID,
		event.Topic,
		event.Payload,
		event.Headers,
		event.CorrelationID,
		event.CausationID,
		event.SchemaVersion,
		StatusPending,
	)

	if err != nil {
		var mysqlErr *mysql.MySQLError
		if errors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return storage.ErrDuplicateEvent
		}
		return fmt.Errorf("failed to save outbox event: %w", err)
	}
	return nil
}

func (s *SQLStore) FetchPending(ctx context.Context, batchSize int) ([]storage.EventRecord, error) {
	query := fmt.Sprintf(fetchPendingQuery, tableEvents)
	rows, err := s.db.QueryContext(ctx, query, StatusPending, time.Now().UTC(), batchSize)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending events: %w", err)
	}
	defer rows.Close()

	return s.scanEvents(rows, false)
}

func (s *SQLStore) ClaimEvents(ctx context.Context, eventIDs []int64) error {
	if len(eventIDs) == 0 {
		return nil
	}
	query := fmt.Sprintf(claimQuery, tableEvents, placeholders(len(eventIDs)))

	args := make([]interface{}, 0, len(eventIDs)+2)
	args = append(args, StatusProcessing)
	for _, id := range eventIDs {
		args = append(args, id)
	}
	args = append(args, StatusPending)

	_, err := s.db.ExecContext(ctx, query, args...)
	return err
}

func (s *SQLStore) MarkPublished(ctx context.Context, eventID int64) error {
	query := fmt.Sprintf(markPublishedQuery, tableEvents)
	_, err := s.db.ExecContext(ctx, query, StatusPublished, eventID, StatusPublished)
	return err
}

func (s *SQLStore) MarkFailed(ctx context.Context, eventID int64, nextAttemptAt time.Time, lastError string) error {
	query := fmt.Sprintf(markFailedQuery, tableEvents)
	_, err := s.db.ExecContext(ctx, query, StatusFailed, nextAttemptAt, lastError, eventID)
	return err
}

func (s *SQLStore) MarkFailedPermanent(ctx context.Context, eventID int64, maxAttempts int, lastError string) error {
	query := fmt.Sprintf(markFailedPermanentQuery, tableEvents)
	_, err := s.db.ExecContext(ctx, query, StatusFailed, maxAttempts, lastError, eventID)
	return err
}

func (s *SQLStore) FetchRetryable(ctx context.Context, maxAttempts int, retryDelay time.Duration, batchSize int) ([]storage.EventRecord, error) {
	now := time.Now().UTC()
	query := fmt.Sprintf(fetchRetryableQuery, tableEvents)
	rows, err := s.db.QueryContext(ctx, query, StatusFailed, maxAttempts, now.Add(-retryDelay), now, batchSize)
	if err != nil {
		return nil, fmt.Errorf("failed to query retryable events: %w", err)
	}
	defer rows.Close()

	return s.scanEvents(rows, false)
}

func (s *SQLStore) ResetForRetry(ctx context.Context, eventIDs []int64) error {
	if len(eventIDs) == 0 {
		return nil
	}
	query := fmt.Sprintf(resetForRetryQuery, tableEvents, placeholders(len(eventIDs)))

	args := make([]interface{}, 0, len(eventIDs)+2)
	args = append(args, StatusPending)
	for _, id := range eventIDs {
		args = append(args, id)
	}
	args = append(args, StatusFailed)

	_, err := s.db.ExecContext(ctx, query, args...)
	return err
}

// FetchStuck returns old pending events by their creation time and claimed
// events whose lease, the updated_at stamp written by ClaimEvents, has
// expired. A fresh claim on a long-retried event is not stuck.
func (s *SQLStore) FetchStuck(ctx context.Context, stuckThreshold time.Duration, batchSize int) ([]storage.EventRecord, error) {
	stuckTime := time.Now().UTC().Add(-stuckThreshold)
	query := fmt.Sprintf(fetchStuckQuery, tableEvents)
	rows, err := s.db.QueryContext(ctx, query, StatusPending, stuckTime, StatusProcessing, stuckTime, batchSize)
	if err != nil {
		return nil, fmt.Errorf("failed to query stuck events: %w", err)
	}
	defer rows.Close()

	return s.scanEvents(rows, true)
}

func (s *SQLStore) ReleaseStuckClaims(ctx context.Context, eventIDs []int64) error {
	if len(eventIDs) == 0 {
		return nil
	}
	query := fmt.Sprintf(releaseStuckQuery, tableEvents, placeholders(len(eventIDs)))

	args := make([]interface{}, 0, len(eventIDs)+2)
	args = append(args, StatusPending)
	for _, id := range eventIDs {
		args = append(args, id)
	}
	args = append(args, StatusProcessing)

	_, err := s.db.ExecContext(ctx, query, args...)
	return err
}

func (s *SQLStore) DeletePublished(ctx context.Context, retention time.Duration) (int64, error) {
	deleteTime := time.Now().UTC().Add(-retention)
	query := fmt.Sprintf(deletePublishedQuery, tableEvents)
	res, err := s.db.ExecContext(ctx, query, StatusPublished, deleteTime)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *SQLStore) scanEvents(rows *sql.Rows, withStatus bool) ([]storage.EventRecord, error) {
	var events []storage.EventRecord
	for rows.Next() {
		var event storage.EventRecord
		var headers sql.RawBytes
		dest := []interface{}{
			&event.ID,
			&event.EventID,
			&event.EventType,
			&event.AggregateType,
			&event.AggregateID,
			&event.Topic,
			&event.Payload,
			&headers,
			&event.CorrelationID,
			&event.CausationID,
			&event.SchemaVersion,
			&event.RetryCount,
			&event.CreatedAt,
		}
		if withStatus {
			dest = append(dest, &event.Status)
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("failed to scan event row: %w", err)
		}
		if headers != nil {
			event.Headers = append([]byte(nil), headers...)
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error reading event rows: %w", err)
	}
	return events, nil
}

func placeholders(n int) string {
	return strings.Repeat("?,", n-1) + "?"
}

// EnsureTables creates the outbox table if it does not exist.
func (s *SQLStore) EnsureTables(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS outbox_events (
			id              BIGINT AUTO_INCREMENT PRIMARY KEY,
			event_id        CHAR(36)     NOT NULL UNIQUE,
			event_type      VARCHAR(255) NOT NULL,
			aggregate_type  VARCHAR(255) NOT NULL,
			aggregate_id    VARCHAR(255) NOT NULL,
			topic           VARCHAR(255) NOT NULL,
			payload         JSON         NOT NULL,
			headers         JSON         NULL,
			correlation_id  VARCHAR(255) NOT NULL DEFAULT '',
			causation_id    VARCHAR(255) NOT NULL DEFAULT '',
			schema_version  VARCHAR(32)  NOT NULL DEFAULT '1',
			status          INT          NOT NULL DEFAULT 0 COMMENT '0 - pending, 1 - published, 2 - failed, 3 - processing',
			retry_count     INT          NOT NULL DEFAULT 0,
			last_retry_at   TIMESTAMP(6) NULL,
			next_attempt_at TIMESTAMP    NULL,
			last_error      TEXT         NULL,
			published_at    TIMESTAMP(6) NULL,
			created_at      TIMESTAMP(6) NOT NULL DEFAULT CURRENT_TIMESTAMP(6),
			updated_at      TIMESTAMP(6) NOT NULL DEFAULT CURRENT_TIMESTAMP(6) ON UPDATE CURRENT_TIMESTAMP(6),
			INDEX idx_status_next_attempt (status, next_attempt_at),
			INDEX idx_aggregate (aggregate_type, aggregate_id),
			INDEX idx_created_at (created_at)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci
	`
	_, err := s.db.ExecContext(ctx, query)
	if err != nil {
		return fmt.Errorf("failed to create outbox_events table: %w", err)
	}
	return nil
}
