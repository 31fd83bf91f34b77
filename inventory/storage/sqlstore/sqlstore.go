package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	trmsql "github.com/avito-tech/go-transaction-manager/drivers/sql/v2"
	"go.uber.org/zap"

	"github.com/overtonx/sagaflow"
	"github.com/overtonx/sagaflow/inventory/storage"
)

const (
	tableProducts     = "product_stock"
	tableReservations = "stock_reservations"
)

const (
	createProductQuery = `
		INSERT INTO %s (product_id, total, available, reserved, version)
		VALUES (?, ?, ?, ?, ?)`

	getProductQuery = `
		SELECT product_id, total, available, reserved, version
		FROM %s
		WHERE product_id = ?`

	updateProductQuery = `
		UPDATE %s
		SET total = ?, available = ?, reserved = ?, version = version + 1
		WHERE product_id = ? AND version = ?`

	createReservationQuery = `
		INSERT INTO %s (id, product_id, order_id, quantity, status, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`

	getReservationQuery = `
		SELECT id, product_id, order_id, quantity, status, created_at, expires_at
		FROM %s
		WHERE id = ?`

	findActiveByOrderProductQuery = `
		SELECT id, product_id, order_id, quantity, status, created_at, expires_at
		FROM %s
		WHERE order_id = ? AND product_id = ? AND status = ?`

	findByOrderQuery = `
		SELECT id, product_id, order_id, quantity, status, created_at, expires_at
		FROM %s
		WHERE order_id = ?
		ORDER BY created_at`

	updateReservationStatusQuery = `UPDATE %s SET status = ? WHERE id = ? AND status = ?`

	fetchExpiredQuery = `
		SELECT id, product_id, order_id, quantity, status, created_at, expires_at
		FROM %s
		WHERE status = ? AND expires_at <= ?
		ORDER BY expires_at
		LIMIT ?`
)

// SQLStore is the MySQL implementation of storage.Store. Every statement
// joins the transaction carried by the context so ledger mutations commit
// together with the outbox events describing them.
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

func (s *SQLStore) CreateProduct(ctx context.Context, record *storage.ProductRecord) error {
	query := fmt.Sprintf(createProductQuery, tableProducts)
	_, err := s.getter.DefaultTrOrDB(ctx, s.db).ExecContext(ctx, query,
		record.ProductID,
		record.Total,
		record.Available,
		record.Reserved,
		record.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to create product stock: %w", err)
	}
	return nil
}

func (s *SQLStore) GetProduct(ctx context.Context, productID string) (*storage.ProductRecord, error) {
	query := fmt.Sprintf(getProductQuery, tableProducts)
	row := s.getter.DefaultTrOrDB(ctx, s.db).QueryRowContext(ctx, query, productID)

	var record storage.ProductRecord
	err := row.Scan(&record.ProductID, &record.Total, &record.Available, &record.Reserved, &record.Version)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrProductNotFound
		}
		return nil, fmt.Errorf("failed to load product stock: %w", err)
	}
	return &record, nil
}

func (s *SQLStore) UpdateProduct(ctx context.Context, record *storage.ProductRecord) error {
	query := fmt.Sprintf(updateProductQuery, tableProducts)
	res, err := s.getter.DefaultTrOrDB(ctx, s.db).ExecContext(ctx, query,
		record.Total,
		record.Available,
		record.Reserved,
		record.ProductID,
		record.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to update product stock: %w", err)
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

func (s *SQLStore) CreateReservation(ctx context.Context, record *storage.ReservationRecord) error {
	query := fmt.Sprintf(createReservationQuery, tableReservations)
	_, err := s.getter.DefaultTrOrDB(ctx, s.db).ExecContext(ctx, query,
		record.ID,
		record.ProductID,
		record.OrderID,
		record.Quantity,
		record.Status,
		record.CreatedAt,
		record.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create reservation: %w", err)
	}
	return nil
}

func (s *SQLStore) GetReservation(ctx context.Context, id string) (*storage.ReservationRecord, error) {
	query := fmt.Sprintf(getReservationQuery, tableReservations)
	row := s.getter.DefaultTrOrDB(ctx, s.db).QueryRowContext(ctx, query, id)
	return scanReservationRow(row)
}

func (s *SQLStore) FindActiveByOrderProduct(ctx context.Context, orderID, productID string) (*storage.ReservationRecord, error) {
	query := fmt.Sprintf(findActiveByOrderProductQuery, tableReservations)
	row := s.getter.DefaultTrOrDB(ctx, s.db).QueryRowContext(ctx, query, orderID, productID, "ACTIVE")
	return scanReservationRow(row)
}

func (s *SQLStore) FindByOrder(ctx context.Context, orderID string) ([]storage.ReservationRecord, error) {
	query := fmt.Sprintf(findByOrderQuery, tableReservations)
	rows, err := s.getter.DefaultTrOrDB(ctx, s.db).QueryContext(ctx, query, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to query reservations by order: %w", err)
	}
	defer rows.Close()

	return scanReservations(rows)
}

func (s *SQLStore) UpdateReservationStatus(ctx context.Context, id string, from, to string) (bool, error) {
	query := fmt.Sprintf(updateReservationStatusQuery, tableReservations)
	res, err := s.getter.DefaultTrOrDB(ctx, s.db).ExecContext(ctx, query, to, id, from)
	if err != nil {
		return false, fmt.Errorf("failed to update reservation status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return affected > 0, nil
}

func (s *SQLStore) FetchExpired(ctx context.Context, now time.Time, batchSize int) ([]storage.ReservationRecord, error) {
	query := fmt.Sprintf(fetchExpiredQuery, tableReservations)
	rows, err := s.db.QueryContext(ctx, query, "ACTIVE", now, batchSize)
	if err != nil {
		return nil, fmt.Errorf("failed to query expired reservations: %w", err)
	}
	defer rows.Close()

	return scanReservations(rows)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanReservationRow(row rowScanner) (*storage.ReservationRecord, error) {
	var record storage.ReservationRecord
	err := row.Scan(
		&record.ID,
		&record.ProductID,
		&record.OrderID,
		&record.Quantity,
		&record.Status,
		&record.CreatedAt,
		&record.ExpiresAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrReservationNotFound
		}
		return nil, fmt.Errorf("failed to scan reservation: %w", err)
	}
	return &record, nil
}

func scanReservations(rows *sql.Rows) ([]storage.ReservationRecord, error) {
	var records []storage.ReservationRecord
	for rows.Next() {
		record, err := scanReservationRow(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error reading reservation rows: %w", err)
	}
	return records, nil
}

// EnsureTables creates the ledger tables if they do not exist.
func (s *SQLStore) EnsureTables(ctx context.Context) error {
	productQuery := `
		CREATE TABLE IF NOT EXISTS product_stock (
			product_id VARCHAR(255) NOT NULL PRIMARY KEY,
			total      INT          NOT NULL,
			available  INT          NOT NULL,
			reserved   INT          NOT NULL DEFAULT 0,
			version    BIGINT       NOT NULL DEFAULT 0
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci
	`
	if _, err := s.db.ExecContext(ctx, productQuery); err != nil {
		return fmt.Errorf("failed to create product_stock table: %w", err)
	}

	reservationQuery := `
		CREATE TABLE IF NOT EXISTS stock_reservations (
			id         CHAR(36)     NOT NULL PRIMARY KEY,
			product_id VARCHAR(255) NOT NULL,
			order_id   VARCHAR(255) NOT NULL,
			quantity   INT          NOT NULL,
			status     VARCHAR(16)  NOT NULL,
			created_at TIMESTAMP(6) NOT NULL,
			expires_at TIMESTAMP(6) NOT NULL,
			INDEX idx_order (order_id),
			INDEX idx_status_expiry (status, expires_at)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci
	`
	if _, err := s.db.ExecContext(ctx, reservationQuery); err != nil {
		return fmt.Errorf("failed to create stock_reservations table: %w", err)
	}
	return nil
}
