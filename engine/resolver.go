package engine

import (
	"fmt"

	"marketmux/config"
	"marketmux/models"
)

// TemplateKind is the tagged form of a template's type string. The resolver
// handles every kind exhaustively so adding one is a compile-visible change.
type TemplateKind int

const (
	KindUnknown TemplateKind = iota
	// KindSimple is a dedicated connection per logical id ("ws").
	KindSimple
	// KindAggregateStream multiplexes many symbols over one connection whose
	// URL encodes the current symbol set ("ws-stream").
	KindAggregateStream
	// KindSignalR is a hub-style connection negotiated like "ws" ("signalr").
	KindSignalR
	// KindPubSub is a broker-style connection negotiated like "ws" ("pubsub").
	KindPubSub
)

func parseTemplateKind(s string) (TemplateKind, error) {
	switch s {
	case "ws":
		return KindSimple, nil
	case "ws-stream":
		return KindAggregateStream, nil
	case "signalr":
		return KindSignalR, nil
	case "pubsub":
		return KindPubSub, nil
	default:
		return KindUnknown, fmt.Errorf("%w: %q", ErrNotSupported, s)
	}
}

// Action is what the resolver decided must happen to a physical connection.
type Action int

const (
	ActionNone Action = iota
	ActionConnect
	ActionReconnect
	ActionDisconnect
)

func (a Action) String() string {
	switch a {
	case ActionNone:
		return "none"
	case ActionConnect:
		return "connect"
	case ActionReconnect:
		return "reconnect"
	case ActionDisconnect:
		return "disconnect"
	default:
		return "unknown"
	}
}

// resolveInput is a snapshot of everything the resolver needs: the template,
// the request, and the connection's current active set. The resolver itself
// mutates nothing.
type resolveInput struct {
	TemplateID string
	Template   config.TemplateConfig
	ConnID     string
	Event      string
	Symbol     string
	Params     map[string]interface{}
	Want       bool
	// Active holds the (event, symbol) pairs currently subscribed or
	// subscribing on the connection, the request pair included if tracked.
	Active []models.EventSymbol
	// StreamURL regenerates an aggregate-stream URL from a symbol set.
	StreamURL func(pairs []models.EventSymbol) (string, error)
}

// resolution carries the decided action and the connection URL to use when
// the action is a connect or reconnect.
type resolution struct {
	Action Action
	URL    string
}

// resolveAction maps a desired subscription change to a connection action.
// Connect and Reconnect imply the connection context is reset when flushed.
func resolveAction(in resolveInput) (resolution, error) {
	if in.TemplateID == "" || in.Template.URL == "" || in.Template.Type == "" {
		return resolution{}, fmt.Errorf("%w: template %q needs id, url and type",
			ErrInvalidConfig, in.TemplateID)
	}
	kind, err := parseTemplateKind(in.Template.Type)
	if err != nil {
		return resolution{}, err
	}

	tracked := containsPair(in.Active, in.Event, in.Symbol)
	if in.Want == tracked {
		return resolution{Action: ActionNone}, nil
	}

	switch kind {
	case KindSimple, KindSignalR, KindPubSub:
		if !in.Want {
			return resolution{Action: ActionDisconnect}, nil
		}
		return resolution{Action: ActionConnect, URL: simpleURL(in)}, nil

	case KindAggregateStream:
		union := unionPairs(in.Active, in.Event, in.Symbol, in.Params, in.Want)
		if len(union) == 0 {
			return resolution{Action: ActionDisconnect}, nil
		}
		if in.StreamURL == nil {
			return resolution{}, fmt.Errorf("%w: template %q has no stream url generator",
				ErrInvalidConfig, in.TemplateID)
		}
		url, err := in.StreamURL(union)
		if err != nil {
			return resolution{}, err
		}
		return resolution{Action: ActionReconnect, URL: url}, nil

	default:
		return resolution{}, fmt.Errorf("%w: %q", ErrNotSupported, in.Template.Type)
	}
}

func simpleURL(in resolveInput) string {
	params := map[string]string{
		"id":     in.ConnID,
		"event":  in.Event,
		"symbol": in.Symbol,
	}
	for k, v := range in.Params {
		if s, ok := v.(string); ok {
			params[k] = s
		}
	}
	return config.ImplodeParams(in.Template.URL, params)
}

func containsPair(pairs []models.EventSymbol, event, symbol string) bool {
	for _, p := range pairs {
		if p.Event == event && p.Symbol == symbol {
			return true
		}
	}
	return false
}

// unionPairs returns the active set with the request pair added or removed.
func unionPairs(active []models.EventSymbol, event, symbol string, params map[string]interface{}, want bool) []models.EventSymbol {
	out := make([]models.EventSymbol, 0, len(active)+1)
	for _, p := range active {
		if p.Event == event && p.Symbol == symbol {
			continue
		}
		out = append(out, p)
	}
	if want {
		out = append(out, models.EventSymbol{Event: event, Symbol: symbol, Params: params})
	}
	return out
}
