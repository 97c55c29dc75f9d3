package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/storefront/internal/domain/apperr"
	"github.com/xenking/storefront/internal/domain/order"
	"github.com/xenking/storefront/internal/events"
)

// DefaultLowStockThreshold is the remaining inventory at or below which an
// INVENTORY_LOW event is recorded.
const DefaultLowStockThreshold = 5

const (
	orderColumns = `id, customer_id, items, shipping_address, billing_address, payment_method, currency,
		subtotal, shipping, tax, discounts, discount_total, total, status, payment_status, notes,
		created_at, updated_at`

	insertOrderSQL = `INSERT INTO orders (` + orderColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`

	getOrderSQL = `SELECT ` + orderColumns + ` FROM orders WHERE id = $1`

	listOrdersSQL = `SELECT ` + orderColumns + ` FROM orders
		WHERE ($1 = '' OR customer_id = $1) AND ($2 = '' OR status = $2)
		ORDER BY created_at DESC, id
		LIMIT $3 OFFSET $4`

	decrementInventorySQL = `UPDATE variants SET inventory = inventory - $3
		WHERE id = $1 AND product_id = $2 AND inventory >= $3
		RETURNING inventory, sku`

	restoreInventorySQL = `UPDATE variants SET inventory = inventory + $3
		WHERE id = $1 AND product_id = $2`

	consumeDiscountSQL = `UPDATE discounts SET usage_count = usage_count + 1
		WHERE id = $1 AND (usage_limit IS NULL OR usage_count < usage_limit)`

	updateOrderStatusSQL = `UPDATE orders SET status = $2, payment_status = $3, updated_at = $4
		WHERE id = $1 AND status = $5`
)

var _ order.Repository = (*OrderRepository)(nil)

// OrderRepository implements order.Repository backed by PostgreSQL. Every
// write records its events in the outbox within the same transaction.
type OrderRepository struct {
	pool     *pgxpool.Pool
	lowStock int
}

// OrderOption configures an OrderRepository.
type OrderOption func(*OrderRepository)

// WithLowStockThreshold sets the INVENTORY_LOW threshold. Negative values
// disable the event.
func WithLowStockThreshold(n int) OrderOption {
	return func(r *OrderRepository) {
		r.lowStock = n
	}
}

// NewOrderRepository returns an OrderRepository that uses the given pool.
func NewOrderRepository(pool *pgxpool.Pool, opts ...OrderOption) *OrderRepository {
	r := &OrderRepository{pool: pool, lowStock: DefaultLowStockThreshold}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Create persists a new order, decrements inventory item by item in input
// order and consumes one use of every applied discount. A shortage fails
// with *apperr.InsufficientInventoryError and a discount that reached its
// usage limit with *apperr.ConflictError; either rolls everything back.
func (r *OrderRepository) Create(ctx context.Context, o *order.Order) error {
	args, err := orderArgs(o)
	if err != nil {
		return err
	}

	return inTx(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, insertOrderSQL, args...); err != nil {
			return fmt.Errorf("creating order %q: %w", o.ID, err)
		}

		var low []events.Envelope
		for _, it := range o.Items {
			var (
				remaining int32
				sku       string
			)
			err := tx.QueryRow(ctx, decrementInventorySQL, it.VariantID, it.ProductID, it.Quantity).Scan(&remaining, &sku)
			if errors.Is(err, pgx.ErrNoRows) {
				return &apperr.InsufficientInventoryError{
					ProductID: it.ProductID,
					VariantID: it.VariantID,
					Requested: it.Quantity,
					Available: -1,
				}
			}
			if err != nil {
				return fmt.Errorf("reserving inventory for variant %q: %w", it.VariantID, err)
			}
			if r.lowStock >= 0 && int(remaining) <= r.lowStock {
				low = append(low, events.InventoryLow(it.ProductID, it.VariantID, sku, int(remaining), r.lowStock, o.CreatedAt))
			}
		}

		for _, d := range o.Discounts {
			tag, err := tx.Exec(ctx, consumeDiscountSQL, d.ID)
			if err != nil {
				return fmt.Errorf("consuming discount %q: %w", d.ID, err)
			}
			if tag.RowsAffected() == 0 {
				return &apperr.ConflictError{Reason: fmt.Sprintf("discount %s reached its usage limit", discountName(d.Code, d.ID))}
			}
		}

		return appendOutbox(ctx, tx, append([]events.Envelope{events.OrderCreated(o, o.CreatedAt)}, low...)...)
	})
}

// Get returns the order with id.
func (r *OrderRepository) Get(ctx context.Context, id string) (*order.Order, error) {
	rows, err := r.pool.Query(ctx, getOrderSQL, id)
	if err != nil {
		return nil, fmt.Errorf("getting order %q: %w", id, err)
	}
	o, err := pgx.CollectExactlyOneRow(rows, scanOrder)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &apperr.NotFoundError{Entity: "order", ID: id}
		}
		return nil, fmt.Errorf("getting order %q: %w", id, err)
	}
	return &o, nil
}

// List returns orders newest first.
func (r *OrderRepository) List(ctx context.Context, f order.ListFilter) ([]order.Order, error) {
	rows, err := r.pool.Query(ctx, listOrdersSQL, f.CustomerID, string(f.Status), f.Limit, f.Offset)
	if err != nil {
		return nil, fmt.Errorf("listing orders: %w", err)
	}
	orders, err := pgx.CollectRows(rows, scanOrder)
	if err != nil {
		return nil, fmt.Errorf("listing orders: %w", err)
	}
	return orders, nil
}

// Cancel moves o from status from to its new status and puts the reserved
// inventory back. It fails with order.ErrStatusChanged when the stored
// status is no longer from.
func (r *OrderRepository) Cancel(ctx context.Context, o *order.Order, from order.Status) error {
	return inTx(ctx, r.pool, func(tx pgx.Tx) error {
		if err := setStatus(ctx, tx, o, from); err != nil {
			return err
		}
		for _, it := range o.Items {
			if _, err := tx.Exec(ctx, restoreInventorySQL, it.VariantID, it.ProductID, it.Quantity); err != nil {
				return fmt.Errorf("restoring inventory for variant %q: %w", it.VariantID, err)
			}
		}
		return appendOutbox(ctx, tx, events.OrderStatusChanged(o, from, o.UpdatedAt))
	})
}

// UpdateStatus compare-and-sets the status and payment status of o.
func (r *OrderRepository) UpdateStatus(ctx context.Context, o *order.Order, from order.Status) error {
	return inTx(ctx, r.pool, func(tx pgx.Tx) error {
		if err := setStatus(ctx, tx, o, from); err != nil {
			return err
		}
		return appendOutbox(ctx, tx, events.OrderStatusChanged(o, from, o.UpdatedAt))
	})
}

func setStatus(ctx context.Context, tx pgx.Tx, o *order.Order, from order.Status) error {
	tag, err := tx.Exec(ctx, updateOrderStatusSQL, o.ID, string(o.Status), string(o.PaymentStatus), o.UpdatedAt, string(from))
	if err != nil {
		return fmt.Errorf("updating order %q: %w", o.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return order.ErrStatusChanged
	}
	return nil
}

func discountName(code, id string) string {
	if code != "" {
		return code
	}
	return id
}

func orderArgs(o *order.Order) ([]any, error) {
	blobs := make([][]byte, 0, 5)
	for _, v := range []any{o.Items, o.ShippingAddress, o.BillingAddress, o.Shipping, o.Discounts} {
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("marshaling order %q: %w", o.ID, err)
		}
		blobs = append(blobs, b)
	}
	return []any{
		o.ID, o.CustomerID, blobs[0], blobs[1], blobs[2], string(o.PaymentMethod), o.Currency,
		o.Subtotal, blobs[3], o.Tax, blobs[4], o.DiscountTotal, o.Total,
		string(o.Status), string(o.PaymentStatus), o.Notes, o.CreatedAt, o.UpdatedAt,
	}, nil
}

func scanOrder(row pgx.CollectableRow) (order.Order, error) {
	var (
		o                                      order.Order
		items, ship, bill, shipping, discounts []byte
		method, status, paymentStatus          string
		createdAt, updatedAt                   time.Time
	)
	err := row.Scan(
		&o.ID, &o.CustomerID, &items, &ship, &bill, &method, &o.Currency,
		&o.Subtotal, &shipping, &o.Tax, &discounts, &o.DiscountTotal, &o.Total,
		&status, &paymentStatus, &o.Notes, &createdAt, &updatedAt,
	)
	if err != nil {
		return o, err
	}
	o.PaymentMethod = order.PaymentMethod(method)
	o.Status = order.Status(status)
	o.PaymentStatus = order.PaymentStatus(paymentStatus)
	o.CreatedAt = createdAt.UTC()
	o.UpdatedAt = updatedAt.UTC()

	for _, f := range []struct {
		raw []byte
		dst any
	}{
		{items, &o.Items},
		{ship, &o.ShippingAddress},
		{bill, &o.BillingAddress},
		{shipping, &o.Shipping},
		{discounts, &o.Discounts},
	} {
		if err := json.Unmarshal(f.raw, f.dst); err != nil {
			return o, fmt.Errorf("decoding order %q: %w", o.ID, err)
		}
	}
	return o, nil
}
