package orders

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/joao-fontenele/solestore/internal/domain"
	"github.com/joao-fontenele/solestore/internal/lifecycle"
)

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

const orderColumns = `
	id, COALESCE(user_id, ''), COALESCE(guest_session_id, ''), contact_name, contact_email, contact_phone,
	shipping_address, status, payment_method, payment_status, payment_reference, currency,
	subtotal, discount, delivery_charge, cod_fee, total_amount,
	created_at, updated_at, shipped_at, delivered_at, cancelled_at, aggregates_synced_at,
	item_revision, aggregates_revision, reconcile_attempted_at`

const itemColumns = `
	id, order_id, product_id, size, quantity, price_at_purchase, item_status,
	cancel_reason, return_reason, return_evidence_url, refund_amount,
	shipping_partner, tracking_id, tracking_url,
	shipped_at, delivered_at, cancelled_at, refunded_at, return_requested_at, return_approved_at,
	updated_at`

const returnColumns = `
	id, order_id, order_item_id, status, reason, evidence_url, resolution_note,
	requested_at, approved_at, rejected_at, completed_at`

// OrderRepository is the Postgres record store for orders, their items and
// return requests.
type OrderRepository struct {
	db *sql.DB
}

var _ lifecycle.Store = (*OrderRepository)(nil)

func NewOrderRepository(db *sql.DB) *OrderRepository {
	return &OrderRepository{db: db}
}

func (r *OrderRepository) Create(ctx context.Context, order *domain.Order) error {
	address, err := json.Marshal(order.ShippingAddress)
	if err != nil {
		return err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	order.ID = uuid.New().String()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO orders (
			id, user_id, guest_session_id, contact_name, contact_email, contact_phone,
			shipping_address, status, payment_method, payment_status, currency,
			subtotal, discount, delivery_charge, cod_fee, total_amount, created_at, updated_at
		)
		VALUES ($1, NULLIF($2, ''), NULLIF($3, ''), $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $17)
	`, order.ID, order.UserID, order.GuestSessionID, order.ContactName, order.ContactEmail, order.ContactPhone,
		address, order.Status, order.PaymentMethod, order.PaymentStatus, order.Currency,
		order.Subtotal, order.Discount, order.DeliveryCharge, order.CODFee, order.TotalAmount, order.CreatedAt)
	if err != nil {
		return err
	}

	for i := range order.Items {
		item := &order.Items[i]
		item.ID = uuid.New().String()
		item.OrderID = order.ID
		item.Status = domain.ItemStatusPending

		err = tx.QueryRowContext(ctx, `
			INSERT INTO order_items (id, order_id, position, product_id, size, quantity, price_at_purchase, item_status)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			RETURNING updated_at
		`, item.ID, order.ID, i, item.ProductID, item.Size, item.Quantity, item.PriceAtPurchase, item.Status).
			Scan(&item.UpdatedAt)
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

// GetByID returns the order with its items, or nil when it does not exist.
func (r *OrderRepository) GetByID(ctx context.Context, id string) (*domain.Order, error) {
	order, err := r.GetOrder(ctx, id)
	if err != nil || order == nil {
		return order, err
	}

	items, err := r.ListItems(ctx, id)
	if err != nil {
		return nil, err
	}
	order.Items = items

	return order, nil
}

// List returns orders newest first, optionally filtered by status. Items are
// loaded with one extra query for the whole page.
func (r *OrderRepository) List(ctx context.Context, status domain.OrderStatus, limit int) ([]domain.Order, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE $1 = '' OR status = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, status, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	orderMap := make(map[string]*domain.Order)
	var orderIDs []string

	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		order.Items = []domain.OrderItem{}
		orderMap[order.ID] = order
		orderIDs = append(orderIDs, order.ID)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(orderIDs) == 0 {
		return []domain.Order{}, nil
	}

	itemRows, err := r.db.QueryContext(ctx, `
		SELECT `+itemColumns+`
		FROM order_items
		WHERE order_id = ANY($1)
		ORDER BY order_id, position
	`, pq.Array(orderIDs))
	if err != nil {
		return nil, err
	}
	defer func() { _ = itemRows.Close() }()

	for itemRows.Next() {
		item, err := scanItem(itemRows)
		if err != nil {
			return nil, err
		}
		order := orderMap[item.OrderID]
		order.Items = append(order.Items, *item)
	}

	if err := itemRows.Err(); err != nil {
		return nil, err
	}

	orders := make([]domain.Order, 0, len(orderIDs))
	for _, id := range orderIDs {
		orders = append(orders, *orderMap[id])
	}

	return orders, nil
}

// GetOrder returns the order row without items.
func (r *OrderRepository) GetOrder(ctx context.Context, id string) (*domain.Order, error) {
	order, err := scanOrder(r.db.QueryRowContext(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE id = $1
	`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return order, nil
}

func (r *OrderRepository) GetItem(ctx context.Context, itemID string) (*domain.OrderItem, error) {
	item, err := scanItem(r.db.QueryRowContext(ctx, `
		SELECT `+itemColumns+`
		FROM order_items
		WHERE id = $1
	`, itemID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return item, nil
}

func (r *OrderRepository) ListItems(ctx context.Context, orderID string) ([]domain.OrderItem, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+itemColumns+`
		FROM order_items
		WHERE order_id = $1
		ORDER BY position
	`, orderID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	items := []domain.OrderItem{}
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, *item)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return items, nil
}

// UpdateItem applies patch only while the item is still in patch.ExpectStatus.
// A return request in the patch is inserted in the same transaction.
func (r *OrderRepository) UpdateItem(ctx context.Context, itemID string, patch lifecycle.ItemPatch) (*domain.OrderItem, error) {
	if patch.Return == nil {
		return updateItem(ctx, r.db, itemID, patch)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	item, err := updateItem(ctx, tx, itemID, patch)
	if err != nil {
		return nil, err
	}

	ret := patch.Return
	_, err = tx.ExecContext(ctx, `
		INSERT INTO returns (id, order_id, order_item_id, status, reason, evidence_url, requested_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, ret.ID, ret.OrderID, ret.OrderItemID, ret.Status, ret.Reason, ret.EvidenceURL, ret.RequestedAt)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return item, nil
}

func updateItem(ctx context.Context, q querier, itemID string, patch lifecycle.ItemPatch) (*domain.OrderItem, error) {
	set := &setClause{args: []any{itemID, patch.ExpectStatus}}
	set.add("item_status", patch.Status)
	set.addString("cancel_reason", patch.CancelReason)
	set.addString("return_reason", patch.ReturnReason)
	set.addString("return_evidence_url", patch.ReturnEvidenceURL)
	set.addString("shipping_partner", patch.ShippingPartner)
	set.addString("tracking_id", patch.TrackingID)
	set.addString("tracking_url", patch.TrackingURL)
	if patch.RefundAmount != nil {
		set.add("refund_amount", *patch.RefundAmount)
	}
	set.addTime("shipped_at", patch.ShippedAt)
	set.addTime("delivered_at", patch.DeliveredAt)
	set.addTime("cancelled_at", patch.CancelledAt)
	set.addTime("refunded_at", patch.RefundedAt)
	set.addTime("return_requested_at", patch.ReturnRequestedAt)
	set.addTime("return_approved_at", patch.ReturnApprovedAt)
	set.cols = append(set.cols, "updated_at = clock_timestamp()")

	item, err := scanItem(q.QueryRowContext(ctx, `
		UPDATE order_items
		SET `+strings.Join(set.cols, ", ")+`
		WHERE id = $1 AND item_status = $2
		RETURNING `+itemColumns,
		set.args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: item %s is no longer %s", lifecycle.ErrItemConflict, itemID, patch.ExpectStatus)
	}
	if err != nil {
		return nil, err
	}
	return item, nil
}

// setClause accumulates "col = $n" assignments after the fixed WHERE arguments.
type setClause struct {
	cols []string
	args []any
}

func (s *setClause) add(col string, v any) {
	s.args = append(s.args, v)
	s.cols = append(s.cols, fmt.Sprintf("%s = $%d", col, len(s.args)))
}

func (s *setClause) addString(col string, v *string) {
	if v != nil {
		s.add(col, *v)
	}
}

func (s *setClause) addTime(col string, v *time.Time) {
	if v != nil {
		s.add(col, *v)
	}
}

// UpdateOrderStatus overwrites the derived status. Order-level timestamps are
// set the first time the order reaches the matching status.
func (r *OrderRepository) UpdateOrderStatus(ctx context.Context, orderID string, status domain.OrderStatus, at time.Time) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE orders
		SET status = $2,
			updated_at = $3,
			shipped_at = CASE WHEN $2 = 'shipped' THEN COALESCE(shipped_at, $3) ELSE shipped_at END,
			delivered_at = CASE WHEN $2 = 'delivered' THEN COALESCE(delivered_at, $3) ELSE delivered_at END,
			cancelled_at = CASE WHEN $2 = 'cancelled' THEN COALESCE(cancelled_at, $3) ELSE cancelled_at END
		WHERE id = $1
	`, orderID, status, at)
	if err != nil {
		return err
	}
	return expectRow(result, lifecycle.ErrOrderNotFound, orderID)
}

func (r *OrderRepository) UpdatePaymentStatus(ctx context.Context, orderID string, status domain.PaymentStatus) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE orders SET payment_status = $2, updated_at = NOW()
		WHERE id = $1
	`, orderID, status)
	if err != nil {
		return err
	}
	return expectRow(result, lifecycle.ErrOrderNotFound, orderID)
}

// MarkAggregatesSynced records that the aggregates reflect every item write
// counted up to revision. The mark never moves backwards.
func (r *OrderRepository) MarkAggregatesSynced(ctx context.Context, orderID string, revision int64) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE orders
		SET aggregates_revision = GREATEST(aggregates_revision, $2),
			aggregates_synced_at = NOW()
		WHERE id = $1
	`, orderID, revision)
	return err
}

func (r *OrderRepository) MarkReconcileAttempt(ctx context.Context, orderID string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `UPDATE orders SET reconcile_attempted_at = $2 WHERE id = $1`, orderID, at)
	return err
}

// ListStaleOrders returns orders whose item revision is ahead of the revision
// their aggregates were derived from. Orders never attempted come first.
func (r *OrderRepository) ListStaleOrders(ctx context.Context, limit int) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id
		FROM orders
		WHERE item_revision > aggregates_revision
		ORDER BY reconcile_attempted_at NULLS FIRST, id
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return ids, nil
}

func (r *OrderRepository) GetReturn(ctx context.Context, returnID string) (*domain.Return, error) {
	ret, err := scanReturn(r.db.QueryRowContext(ctx, `
		SELECT `+returnColumns+`
		FROM returns
		WHERE id = $1
	`, returnID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return ret, nil
}

func (r *OrderRepository) ListReturns(ctx context.Context, status domain.ReturnStatus) ([]domain.Return, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+returnColumns+`
		FROM returns
		WHERE $1 = '' OR status = $1
		ORDER BY requested_at
	`, status)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	returns := []domain.Return{}
	for rows.Next() {
		ret, err := scanReturn(rows)
		if err != nil {
			return nil, err
		}
		returns = append(returns, *ret)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return returns, nil
}

// UpdateReturn moves a return out of patch.ExpectStatus and applies the
// item patch it carries, atomically.
func (r *OrderRepository) UpdateReturn(ctx context.Context, returnID string, patch lifecycle.ReturnPatch) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `
		UPDATE returns
		SET status = $3,
			resolution_note = $4,
			approved_at = COALESCE($5, approved_at),
			rejected_at = COALESCE($6, rejected_at),
			completed_at = COALESCE($7, completed_at)
		WHERE id = $1 AND status = $2
	`, returnID, patch.ExpectStatus, patch.Status, patch.ResolutionNote,
		nullTime(patch.ApprovedAt), nullTime(patch.RejectedAt), nullTime(patch.CompletedAt))
	if err != nil {
		return err
	}
	if err := expectRow(result, lifecycle.ErrItemConflict, "return "+returnID); err != nil {
		return err
	}

	if patch.Item != nil {
		if _, err := updateItem(ctx, tx, patch.ItemID, *patch.Item); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// RecordPayment stores a checkout outcome. Orders whose payment is already
// settled are left untouched so late or replayed webhooks cannot undo a refund.
func (r *OrderRepository) RecordPayment(ctx context.Context, orderID string, status domain.PaymentStatus, reference string) (bool, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE orders
		SET payment_status = $2,
			payment_reference = COALESCE(NULLIF($3, ''), payment_reference),
			updated_at = NOW()
		WHERE id = $1 AND payment_method = 'online' AND payment_status IN ('pending', 'failed')
	`, orderID, status, reference)
	if err != nil {
		return false, err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rowsAffected > 0, nil
}

func expectRow(result sql.Result, notFound error, id string) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return fmt.Errorf("%w: %s", notFound, id)
	}
	return nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func scanOrder(row scanner) (*domain.Order, error) {
	var order domain.Order
	var address []byte
	err := row.Scan(
		&order.ID, &order.UserID, &order.GuestSessionID, &order.ContactName, &order.ContactEmail, &order.ContactPhone,
		&address, &order.Status, &order.PaymentMethod, &order.PaymentStatus, &order.PaymentReference, &order.Currency,
		&order.Subtotal, &order.Discount, &order.DeliveryCharge, &order.CODFee, &order.TotalAmount,
		&order.CreatedAt, &order.UpdatedAt, &order.ShippedAt, &order.DeliveredAt, &order.CancelledAt, &order.AggregatesSyncedAt,
		&order.ItemRevision, &order.AggregatesRevision, &order.ReconcileAttemptedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(address) > 0 {
		if err := json.Unmarshal(address, &order.ShippingAddress); err != nil {
			return nil, fmt.Errorf("decode shipping address of order %s: %w", order.ID, err)
		}
	}
	return &order, nil
}

func scanItem(row scanner) (*domain.OrderItem, error) {
	var item domain.OrderItem
	err := row.Scan(
		&item.ID, &item.OrderID, &item.ProductID, &item.Size, &item.Quantity, &item.PriceAtPurchase, &item.Status,
		&item.CancelReason, &item.ReturnReason, &item.ReturnEvidenceURL, &item.RefundAmount,
		&item.ShippingPartner, &item.TrackingID, &item.TrackingURL,
		&item.ShippedAt, &item.DeliveredAt, &item.CancelledAt, &item.RefundedAt, &item.ReturnRequestedAt, &item.ReturnApprovedAt,
		&item.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func scanReturn(row scanner) (*domain.Return, error) {
	var ret domain.Return
	err := row.Scan(
		&ret.ID, &ret.OrderID, &ret.OrderItemID, &ret.Status, &ret.Reason, &ret.EvidenceURL, &ret.ResolutionNote,
		&ret.RequestedAt, &ret.ApprovedAt, &ret.RejectedAt, &ret.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	return &ret, nil
}
