package workflow

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/go-faster/sdk/zctx"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/xenking/storefront/internal/domain/apperr"
	"github.com/xenking/storefront/internal/domain/auth"
	"github.com/xenking/storefront/internal/domain/order"
	"github.com/xenking/storefront/internal/notify"
)

// DefaultAdminRecipient receives NOTIFY_ADMIN messages when none is configured.
const DefaultAdminRecipient = "admin"

// Webhooks performs outbound webhook calls.
type Webhooks interface {
	Call(ctx context.Context, req notify.WebhookRequest) error
}

// StatusUpdater advances orders. Implemented by order.Service.
type StatusUpdater interface {
	UpdateOrderStatus(ctx context.Context, id string, to order.Status, actor auth.Principal) (*order.Order, error)
}

// Engine evaluates workflows for events and executes their actions.
type Engine struct {
	repo     Repository
	sender   notify.Sender
	webhooks Webhooks
	orders   StatusUpdater
	admin    string
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithAdminRecipient overrides DefaultAdminRecipient.
func WithAdminRecipient(r string) EngineOption {
	return func(e *Engine) {
		if r != "" {
			e.admin = r
		}
	}
}

// NewEngine creates a workflow Engine.
func NewEngine(repo Repository, sender notify.Sender, webhooks Webhooks, orders StatusUpdater, opts ...EngineOption) *Engine {
	e := &Engine{
		repo:     repo,
		sender:   sender,
		webhooks: webhooks,
		orders:   orders,
		admin:    DefaultAdminRecipient,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run executes every active workflow for event whose conditions hold on
// data and returns how many ran. A workflow with an unsupported operator
// is skipped. Action failures are logged and do not stop later actions.
func (e *Engine) Run(ctx context.Context, event Event, data Data) (int, error) {
	workflows, err := e.repo.ListActive(ctx, event)
	if err != nil {
		return 0, errors.Wrapf(err, "list workflows for %s", event)
	}

	lg := zctx.From(ctx).With(zap.String("event", string(event)))
	ran := 0
	for _, wf := range workflows {
		ok, err := Matches(wf.Conditions, data)
		if err != nil {
			lg.Error("Workflow misconfigured",
				zap.String("workflow_id", wf.ID),
				zap.Error(err),
			)
			continue
		}
		if !ok {
			continue
		}
		ran++
		for i, a := range wf.Actions {
			if err := e.execute(ctx, wf, a, data); err != nil {
				lvl := lg.Warn
				var cfgErr *apperr.ConfigurationError
				if errors.As(err, &cfgErr) {
					lvl = lg.Error
				}
				lvl("Workflow action failed",
					zap.String("workflow_id", wf.ID),
					zap.Int("action", i),
					zap.String("type", string(a.Type)),
					zap.Error(err),
				)
			}
		}
	}
	return ran, nil
}

func (e *Engine) execute(ctx context.Context, wf Workflow, a Action, data Data) error {
	cfg := a.Config
	switch a.Type {
	case ActionEmail, ActionSMS:
		channel := notify.ChannelEmail
		if a.Type == ActionSMS {
			channel = notify.ChannelSMS
		}
		return e.sender.Send(ctx, notify.Message{
			Channel:   channel,
			Recipient: Interpolate(cfg.Recipient, data),
			Subject:   wf.Name,
			Body:      Interpolate(cfg.Template, data),
			Metadata:  map[string]string{"workflow_id": wf.ID},
		})
	case ActionWebhook:
		if cfg.URL == "" {
			return &apperr.ConfigurationError{Component: "workflow", Detail: "webhook action without url"}
		}
		body := []byte(Interpolate(cfg.Payload, data))
		if cfg.Payload == "" {
			body = EncodeData(data)
		}
		return e.webhooks.Call(ctx, notify.WebhookRequest{
			Method:  strings.ToUpper(cfg.Method),
			URL:     Interpolate(cfg.URL, data),
			Headers: cfg.Headers,
			Body:    body,
		})
	case ActionUpdateStatus:
		id := data.String("order.id")
		if id == "" {
			return errors.New("no order in workflow context")
		}
		_, err := e.orders.UpdateOrderStatus(ctx, id, order.Status(strings.ToUpper(cfg.Status)), auth.System())
		return err
	case ActionNotifyAdmin:
		return e.sender.Send(ctx, notify.Message{
			Channel:   notify.ChannelSystem,
			Recipient: e.admin,
			Subject:   "System Notification",
			Body:      Interpolate(cfg.Message, data),
			Metadata:  map[string]string{"workflow_id": wf.ID},
		})
	default:
		return &apperr.ConfigurationError{
			Component: "workflow",
			Detail:    fmt.Sprintf("unsupported action type %q", a.Type),
		}
	}
}

// Matches reports whether every condition holds on data. An unsupported
// operator yields a ConfigurationError.
func Matches(conds []Condition, data Data) (bool, error) {
	for _, c := range conds {
		ok, err := c.Holds(data)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

// Holds evaluates c against data. Values compare numerically when both
// sides are numbers. A missing field satisfies only NOT_EQUALS.
func (c Condition) Holds(data Data) (bool, error) {
	v, found := data.Lookup(c.Field)
	switch c.Operator {
	case OpEquals:
		return found && equal(v, c.Value), nil
	case OpNotEquals:
		return !found || !equal(v, c.Value), nil
	case OpGreaterThan:
		return found && compare(v, c.Value) > 0, nil
	case OpLessThan:
		return found && compare(v, c.Value) < 0, nil
	case OpContains:
		return found && contains(v, c.Value), nil
	default:
		return false, &apperr.ConfigurationError{
			Component: "workflow",
			Detail:    fmt.Sprintf("unsupported operator %q", c.Operator),
		}
	}
}

func numeric(v any) (decimal.Decimal, bool) {
	switch x := v.(type) {
	case decimal.Decimal:
		return x, true
	case int:
		return decimal.NewFromInt(int64(x)), true
	case int64:
		return decimal.NewFromInt(x), true
	case float64:
		return decimal.NewFromFloat(x), true
	case string:
		d, err := decimal.NewFromString(x)
		return d, err == nil
	}
	return decimal.Zero, false
}

func equal(v any, want string) bool {
	if a, ok := numeric(v); ok {
		if b, ok := numeric(want); ok {
			return a.Equal(b)
		}
	}
	return stringify(v) == want
}

func compare(v any, want string) int {
	if a, ok := numeric(v); ok {
		if b, ok := numeric(want); ok {
			return a.Cmp(b)
		}
	}
	return strings.Compare(stringify(v), want)
}

func contains(v any, want string) bool {
	if list, ok := v.([]any); ok {
		for _, el := range list {
			if equal(el, want) {
				return true
			}
		}
		return false
	}
	return strings.Contains(stringify(v), want)
}

// EncodeData renders data as a JSON object with sorted keys.
func EncodeData(data Data) []byte {
	e := jx.GetEncoder()
	defer jx.PutEncoder(e)
	encodeAny(e, map[string]any(data))
	return append([]byte(nil), e.Bytes()...)
}

func encodeAny(e *jx.Encoder, v any) {
	switch x := v.(type) {
	case nil:
		e.Null()
	case map[string]any:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		e.Obj(func(e *jx.Encoder) {
			for _, k := range keys {
				e.Field(k, func(e *jx.Encoder) { encodeAny(e, x[k]) })
			}
		})
	case []any:
		e.Arr(func(e *jx.Encoder) {
			for _, el := range x {
				encodeAny(e, el)
			}
		})
	case bool:
		e.Bool(x)
	case int:
		e.Int(x)
	case int64:
		e.Int64(x)
	case float64:
		e.Float64(x)
	case decimal.Decimal:
		e.Str(x.String())
	default:
		e.Str(stringify(x))
	}
}
