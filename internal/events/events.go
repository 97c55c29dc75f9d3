// Package events carries domain events from the order store to consumers.
//
// Events are written to an outbox table in the same transaction as the state
// change, relayed to a broker by Relay and consumed by the notifier. Delivery
// is at-least-once; consumers deduplicate by Envelope.ID.
package events

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/xenking/storefront/internal/domain/order"
)

// Type names an event.
type Type string

const (
	TypeOrderCreated       Type = "ORDER_CREATED"
	TypeOrderStatusChanged Type = "ORDER_STATUS_CHANGED"
	TypeInventoryLow       Type = "INVENTORY_LOW"
	TypePaymentReceived    Type = "PAYMENT_RECEIVED"
)

// Envelope wraps an event payload. Payload is a JSON object.
type Envelope struct {
	ID          string
	Type        Type
	AggregateID string
	OccurredAt  time.Time
	Payload     []byte
}

// Publisher sends envelopes to a broker.
type Publisher interface {
	Publish(ctx context.Context, env Envelope) error
}

// Handler processes one consumed envelope.
type Handler func(ctx context.Context, env Envelope) error

// Consumer delivers envelopes to a Handler until ctx is done.
type Consumer interface {
	Consume(ctx context.Context, h Handler) error
}

// Encode renders env as JSON.
func Encode(env Envelope) []byte {
	e := jx.GetEncoder()
	defer jx.PutEncoder(e)

	e.Obj(func(e *jx.Encoder) {
		e.Field("id", func(e *jx.Encoder) { e.Str(env.ID) })
		e.Field("type", func(e *jx.Encoder) { e.Str(string(env.Type)) })
		e.Field("aggregateId", func(e *jx.Encoder) { e.Str(env.AggregateID) })
		e.Field("occurredAt", func(e *jx.Encoder) { e.Str(env.OccurredAt.UTC().Format(time.RFC3339Nano)) })
		e.Field("payload", func(e *jx.Encoder) {
			if len(env.Payload) == 0 {
				e.Null()
				return
			}
			e.Raw(env.Payload)
		})
	})
	return append([]byte(nil), e.Bytes()...)
}

// Decode parses an envelope produced by Encode. Unknown fields are skipped.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	d := jx.DecodeBytes(data)
	err := d.Obj(func(d *jx.Decoder, key string) error {
		switch key {
		case "id":
			v, err := d.Str()
			env.ID = v
			return err
		case "type":
			v, err := d.Str()
			env.Type = Type(v)
			return err
		case "aggregateId":
			v, err := d.Str()
			env.AggregateID = v
			return err
		case "occurredAt":
			v, err := d.Str()
			if err != nil {
				return err
			}
			env.OccurredAt, err = time.Parse(time.RFC3339Nano, v)
			return err
		case "payload":
			if d.Next() == jx.Null {
				return d.Null()
			}
			raw, err := d.Raw()
			env.Payload = append([]byte(nil), raw...)
			return err
		default:
			return d.Skip()
		}
	})
	if err != nil {
		return Envelope{}, errors.Wrap(err, "decode envelope")
	}
	if env.ID == "" || env.Type == "" {
		return Envelope{}, errors.New("decode envelope: missing id or type")
	}
	return env, nil
}

// DecodeFields parses a JSON object payload into nested maps. Numbers
// become decimal.Decimal, arrays []any.
func DecodeFields(payload []byte) (map[string]any, error) {
	if len(payload) == 0 {
		return map[string]any{}, nil
	}
	v, err := decodeAny(jx.DecodeBytes(payload))
	if err != nil {
		return nil, errors.Wrap(err, "decode payload")
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, errors.New("decode payload: not an object")
	}
	return m, nil
}

func decodeAny(d *jx.Decoder) (any, error) {
	switch d.Next() {
	case jx.Object:
		m := map[string]any{}
		err := d.Obj(func(d *jx.Decoder, key string) error {
			v, err := decodeAny(d)
			m[key] = v
			return err
		})
		return m, err
	case jx.Array:
		list := []any{}
		err := d.Arr(func(d *jx.Decoder) error {
			v, err := decodeAny(d)
			list = append(list, v)
			return err
		})
		return list, err
	case jx.String:
		return d.Str()
	case jx.Number:
		n, err := d.Num()
		if err != nil {
			return nil, err
		}
		return decimal.NewFromString(n.String())
	case jx.Bool:
		return d.Bool()
	case jx.Null:
		return nil, d.Null()
	default:
		return nil, errors.Errorf("unexpected token %s", d.Next())
	}
}

// OrderCreated builds the envelope recorded when o is placed.
func OrderCreated(o *order.Order, now time.Time) Envelope {
	return newEnvelope(TypeOrderCreated, o.ID, now, orderPayload(o, ""))
}

// OrderStatusChanged builds the envelope recorded when o leaves from.
func OrderStatusChanged(o *order.Order, from order.Status, now time.Time) Envelope {
	return newEnvelope(TypeOrderStatusChanged, o.ID, now, orderPayload(o, from))
}

// InventoryLow builds the envelope recorded when a variant drops to or below
// threshold.
func InventoryLow(productID, variantID, sku string, remaining, threshold int, now time.Time) Envelope {
	e := jx.GetEncoder()
	defer jx.PutEncoder(e)

	e.Obj(func(e *jx.Encoder) {
		e.Field("inventory", func(e *jx.Encoder) {
			e.Obj(func(e *jx.Encoder) {
				e.Field("productId", func(e *jx.Encoder) { e.Str(productID) })
				e.Field("variantId", func(e *jx.Encoder) { e.Str(variantID) })
				e.Field("sku", func(e *jx.Encoder) { e.Str(sku) })
				e.Field("remaining", func(e *jx.Encoder) { e.Int(remaining) })
				e.Field("threshold", func(e *jx.Encoder) { e.Int(threshold) })
			})
		})
	})
	return newEnvelope(TypeInventoryLow, variantID, now, append([]byte(nil), e.Bytes()...))
}

func newEnvelope(t Type, aggregate string, now time.Time, payload []byte) Envelope {
	return Envelope{
		ID:          uuid.NewString(),
		Type:        t,
		AggregateID: aggregate,
		OccurredAt:  now.UTC(),
		Payload:     payload,
	}
}

func orderPayload(o *order.Order, from order.Status) []byte {
	e := jx.GetEncoder()
	defer jx.PutEncoder(e)

	str := func(name, v string) {
		e.Field(name, func(e *jx.Encoder) { e.Str(v) })
	}
	money := func(name string, v decimal.Decimal) {
		e.Field(name, func(e *jx.Encoder) { e.Str(v.StringFixed(2)) })
	}

	units := 0
	for _, it := range o.Items {
		units += it.Quantity
	}

	e.Obj(func(e *jx.Encoder) {
		e.Field("order", func(e *jx.Encoder) {
			e.Obj(func(e *jx.Encoder) {
				str("id", o.ID)
				str("customerId", o.CustomerID)
				str("status", string(o.Status))
				if from != "" {
					str("previousStatus", string(from))
				}
				str("paymentStatus", string(o.PaymentStatus))
				str("paymentMethod", string(o.PaymentMethod))
				str("currency", o.Currency)
				money("subtotal", o.Subtotal)
				money("discountTotal", o.DiscountTotal)
				money("shippingCost", o.Shipping.Cost)
				money("tax", o.Tax)
				money("total", o.Total)
				e.Field("itemCount", func(e *jx.Encoder) { e.Int(units) })
				e.Field("country", func(e *jx.Encoder) { e.Str(o.ShippingAddress.Country) })
				e.Field("items", func(e *jx.Encoder) {
					e.Arr(func(e *jx.Encoder) {
						for _, it := range o.Items {
							e.Obj(func(e *jx.Encoder) {
								str("productId", it.ProductID)
								str("variantId", it.VariantID)
								str("sku", it.SKU)
								e.Field("quantity", func(e *jx.Encoder) { e.Int(it.Quantity) })
							})
						}
					})
				})
			})
		})
	})
	return append([]byte(nil), e.Bytes()...)
}
