package inventory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/joao-fontenele/solestore/internal/domain"
)

var (
	ErrInsufficientStock   = errors.New("insufficient stock")
	ErrUnknownStock        = errors.New("no stock for product and size")
	ErrReservationNotFound = errors.New("reservation not found")
	// ErrReservationSettled is returned when releasing a committed
	// reservation or committing a released one.
	ErrReservationSettled = errors.New("reservation already settled")
)

type InventoryRepository struct {
	db *sql.DB
}

func NewInventoryRepository(db *sql.DB) *InventoryRepository {
	return &InventoryRepository{db: db}
}

func (r *InventoryRepository) ListAll(ctx context.Context) ([]domain.StockLevel, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT product_id, size, available, reserved
		FROM stock
		ORDER BY product_id, size
	`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	levels := []domain.StockLevel{}
	for rows.Next() {
		var stock domain.StockLevel
		if err := rows.Scan(&stock.ProductID, &stock.Size, &stock.Available, &stock.Reserved); err != nil {
			return nil, err
		}
		levels = append(levels, stock)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return levels, nil
}

func (r *InventoryRepository) GetStock(ctx context.Context, productID, size string) (*domain.StockLevel, error) {
	stock := &domain.StockLevel{}

	err := r.db.QueryRowContext(ctx, `
		SELECT product_id, size, available, reserved
		FROM stock
		WHERE product_id = $1 AND size = $2
	`, productID, size).Scan(&stock.ProductID, &stock.Size, &stock.Available, &stock.Reserved)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	return stock, nil
}

// Reserve holds stock for an order item. Reserving the same order item again
// returns the existing reservation and created=false.
func (r *InventoryRepository) Reserve(ctx context.Context, res domain.Reservation) (reservation *domain.Reservation, created bool, err error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, err
	}
	defer func() { _ = tx.Rollback() }()

	existing, err := getReservation(ctx, tx, res.OrderItemID, false)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		return existing, false, nil
	}

	result, err := tx.ExecContext(ctx, `
		UPDATE stock
		SET available = available - $3, reserved = reserved + $3
		WHERE product_id = $1 AND size = $2 AND available >= $3
	`, res.ProductID, res.Size, res.Quantity)
	if err != nil {
		return nil, false, err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return nil, false, err
	}

	if rowsAffected == 0 {
		var exists bool
		err := tx.QueryRowContext(ctx, `
			SELECT EXISTS (SELECT 1 FROM stock WHERE product_id = $1 AND size = $2)
		`, res.ProductID, res.Size).Scan(&exists)
		if err != nil {
			return nil, false, err
		}
		if !exists {
			return nil, false, fmt.Errorf("%w: %s/%s", ErrUnknownStock, res.ProductID, res.Size)
		}
		return nil, false, fmt.Errorf("%w: %s/%s", ErrInsufficientStock, res.ProductID, res.Size)
	}

	res.State = domain.ReservationHeld
	_, err = tx.ExecContext(ctx, `
		INSERT INTO reservations (order_item_id, product_id, size, quantity, state)
		VALUES ($1, $2, $3, $4, $5)
	`, res.OrderItemID, res.ProductID, res.Size, res.Quantity, res.State)
	if err != nil {
		return nil, false, err
	}

	if err := tx.Commit(); err != nil {
		return nil, false, err
	}
	return &res, true, nil
}

// Release returns held stock to available. Releasing twice is a no-op.
func (r *InventoryRepository) Release(ctx context.Context, orderItemID string) (*domain.Reservation, error) {
	return r.settle(ctx, orderItemID, domain.ReservationReleased, `
		UPDATE stock
		SET available = available + $3, reserved = reserved - $3
		WHERE product_id = $1 AND size = $2
	`)
}

// Commit consumes held stock once the item ships. Committing twice is a no-op.
func (r *InventoryRepository) Commit(ctx context.Context, orderItemID string) (*domain.Reservation, error) {
	return r.settle(ctx, orderItemID, domain.ReservationCommitted, `
		UPDATE stock
		SET reserved = reserved - $3
		WHERE product_id = $1 AND size = $2
	`)
}

func (r *InventoryRepository) settle(ctx context.Context, orderItemID string, to domain.ReservationState, stockUpdate string) (*domain.Reservation, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := getReservation(ctx, tx, orderItemID, true)
	if err != nil {
		return nil, err
	}
	if res == nil {
		return nil, fmt.Errorf("%w: %s", ErrReservationNotFound, orderItemID)
	}
	switch res.State {
	case to:
		return res, nil
	case domain.ReservationHeld:
	default:
		return res, fmt.Errorf("%w: %s is %s", ErrReservationSettled, orderItemID, res.State)
	}

	if _, err := tx.ExecContext(ctx, stockUpdate, res.ProductID, res.Size, res.Quantity); err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE reservations SET state = $2, updated_at = NOW()
		WHERE order_item_id = $1
	`, orderItemID, to); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	res.State = to
	return res, nil
}

func getReservation(ctx context.Context, tx *sql.Tx, orderItemID string, forUpdate bool) (*domain.Reservation, error) {
	query := `
		SELECT order_item_id, product_id, size, quantity, state
		FROM reservations
		WHERE order_item_id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}

	var res domain.Reservation
	err := tx.QueryRowContext(ctx, query, orderItemID).
		Scan(&res.OrderItemID, &res.ProductID, &res.Size, &res.Quantity, &res.State)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &res, nil
}
