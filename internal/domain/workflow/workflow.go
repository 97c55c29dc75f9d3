// Package workflow runs configurable automations when order events occur.
package workflow

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

// Event triggers workflows.
type Event string

const (
	EventOrderCreated       Event = "ORDER_CREATED"
	EventOrderStatusChanged Event = "ORDER_STATUS_CHANGED"
	EventInventoryLow       Event = "INVENTORY_LOW"
	EventPaymentReceived    Event = "PAYMENT_RECEIVED"
)

// Operator compares a context field against a condition value.
type Operator string

const (
	OpEquals      Operator = "EQUALS"
	OpNotEquals   Operator = "NOT_EQUALS"
	OpGreaterThan Operator = "GREATER_THAN"
	OpLessThan    Operator = "LESS_THAN"
	OpContains    Operator = "CONTAINS"
)

// ActionType names what an action does.
type ActionType string

const (
	ActionEmail        ActionType = "EMAIL"
	ActionSMS          ActionType = "SMS"
	ActionWebhook      ActionType = "WEBHOOK"
	ActionUpdateStatus ActionType = "UPDATE_STATUS"
	ActionNotifyAdmin  ActionType = "NOTIFY_ADMIN"
)

// Condition must hold for a workflow to run.
type Condition struct {
	Field    string   `json:"field"`
	Operator Operator `json:"operator"`
	Value    string   `json:"value"`
}

// ActionConfig carries per-type parameters. Template, Recipient, Payload
// and Message may contain {{field}} placeholders.
type ActionConfig struct {
	Template  string            `json:"template,omitempty"`
	Recipient string            `json:"recipient,omitempty"`
	URL       string            `json:"url,omitempty"`
	Method    string            `json:"method,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`
	Payload   string            `json:"payload,omitempty"`
	Status    string            `json:"status,omitempty"`
	Message   string            `json:"message,omitempty"`
}

// Action is one step of a workflow.
type Action struct {
	Type   ActionType   `json:"type"`
	Config ActionConfig `json:"config"`
}

// Workflow is an automation bound to an event.
type Workflow struct {
	ID         string
	Name       string
	Event      Event
	Conditions []Condition
	Actions    []Action
	Active     bool
}

// Repository loads workflows.
type Repository interface {
	ListActive(ctx context.Context, event Event) ([]Workflow, error)
}

// Data is the context a workflow evaluates against, usually
// {"order": {...}} or {"inventory": {...}}. Nested maps are addressed with
// dotted paths.
type Data map[string]any

// Lookup resolves a dotted path such as "order.total".
func (d Data) Lookup(path string) (any, bool) {
	var cur any = map[string]any(d)
	for _, key := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		if cur, ok = m[key]; !ok {
			return nil, false
		}
	}
	return cur, true
}

// String resolves path and renders the value, or "" when absent.
func (d Data) String(path string) string {
	v, ok := d.Lookup(path)
	if !ok || v == nil {
		return ""
	}
	return stringify(v)
}

func stringify(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case decimal.Decimal:
		return x.String()
	case fmt.Stringer:
		return x.String()
	default:
		return fmt.Sprint(x)
	}
}

var placeholder = regexp.MustCompile(`\{\{\s*([^{}]*?)\s*\}\}`)

// Interpolate replaces every {{path}} in tmpl with its value in data.
// Missing fields render as an empty string.
func Interpolate(tmpl string, data Data) string {
	return placeholder.ReplaceAllStringFunc(tmpl, func(m string) string {
		return data.String(placeholder.FindStringSubmatch(m)[1])
	})
}
