package engine

import (
	"errors"
	"strings"
	"testing"

	"marketmux/config"
	"marketmux/models"
)

func streamURLJoin(pairs []models.EventSymbol) (string, error) {
	streams := make([]string, len(pairs))
	for i, p := range pairs {
		streams[i] = p.Event + ":" + p.Symbol
	}
	return "wss://x/stream?streams=" + strings.Join(streams, "/"), nil
}

func TestResolveActionSimpleTemplate(t *testing.T) {
	tpl := config.TemplateConfig{URL: "wss://x/ws/{symbol}", Type: "ws"}

	res, err := resolveAction(resolveInput{
		TemplateID: "single", Template: tpl, ConnID: "ws-BTC",
		Event: "orderbook", Symbol: "BTC/USD", Want: true,
	})
	if err != nil {
		t.Fatalf("resolveAction: %v", err)
	}
	if res.Action != ActionConnect {
		t.Errorf("action = %v, want connect", res.Action)
	}
	if res.URL != "wss://x/ws/BTC/USD" {
		t.Errorf("url = %q", res.URL)
	}

	res, err = resolveAction(resolveInput{
		TemplateID: "single", Template: tpl, ConnID: "ws-BTC",
		Event: "orderbook", Symbol: "BTC/USD", Want: false,
		Active: []models.EventSymbol{{Event: "orderbook", Symbol: "BTC/USD"}},
	})
	if err != nil {
		t.Fatalf("resolveAction: %v", err)
	}
	if res.Action != ActionDisconnect {
		t.Errorf("unsubscribe action = %v, want disconnect", res.Action)
	}
}

func TestResolveActionAggregateStream(t *testing.T) {
	tpl := config.TemplateConfig{URL: "wss://x/stream", Type: "ws-stream"}

	// Subscribing BTC/USD while ETH/USD is already served: reconnect with a
	// URL encoding both.
	res, err := resolveAction(resolveInput{
		TemplateID: "stream", Template: tpl, ConnID: "stream",
		Event: "orderbook", Symbol: "BTC/USD", Want: true,
		Active:    []models.EventSymbol{{Event: "orderbook", Symbol: "ETH/USD"}},
		StreamURL: streamURLJoin,
	})
	if err != nil {
		t.Fatalf("resolveAction: %v", err)
	}
	if res.Action != ActionReconnect {
		t.Errorf("action = %v, want reconnect", res.Action)
	}
	if !strings.Contains(res.URL, "orderbook:ETH/USD") || !strings.Contains(res.URL, "orderbook:BTC/USD") {
		t.Errorf("url %q does not encode both symbols", res.URL)
	}

	// Unsubscribing one of two leaves a reconnect with only the remainder.
	res, err = resolveAction(resolveInput{
		TemplateID: "stream", Template: tpl, ConnID: "stream",
		Event: "orderbook", Symbol: "BTC/USD", Want: false,
		Active: []models.EventSymbol{
			{Event: "orderbook", Symbol: "BTC/USD"},
			{Event: "orderbook", Symbol: "ETH/USD"},
		},
		StreamURL: streamURLJoin,
	})
	if err != nil {
		t.Fatalf("resolveAction: %v", err)
	}
	if res.Action != ActionReconnect {
		t.Errorf("action = %v, want reconnect", res.Action)
	}
	if strings.Contains(res.URL, "BTC/USD") {
		t.Errorf("url %q still encodes removed symbol", res.URL)
	}

	// Unsubscribing the last symbol disconnects.
	res, err = resolveAction(resolveInput{
		TemplateID: "stream", Template: tpl, ConnID: "stream",
		Event: "orderbook", Symbol: "BTC/USD", Want: false,
		Active:    []models.EventSymbol{{Event: "orderbook", Symbol: "BTC/USD"}},
		StreamURL: streamURLJoin,
	})
	if err != nil {
		t.Fatalf("resolveAction: %v", err)
	}
	if res.Action != ActionDisconnect {
		t.Errorf("action = %v, want disconnect", res.Action)
	}
}

func TestResolveActionNoops(t *testing.T) {
	tpl := config.TemplateConfig{URL: "wss://x/stream", Type: "ws-stream"}

	res, err := resolveAction(resolveInput{
		TemplateID: "stream", Template: tpl, ConnID: "stream",
		Event: "orderbook", Symbol: "BTC/USD", Want: true,
		Active:    []models.EventSymbol{{Event: "orderbook", Symbol: "BTC/USD"}},
		StreamURL: streamURLJoin,
	})
	if err != nil || res.Action != ActionNone {
		t.Errorf("subscribe while tracked = (%v, %v), want none", res.Action, err)
	}

	res, err = resolveAction(resolveInput{
		TemplateID: "stream", Template: tpl, ConnID: "stream",
		Event: "orderbook", Symbol: "BTC/USD", Want: false,
		StreamURL: streamURLJoin,
	})
	if err != nil || res.Action != ActionNone {
		t.Errorf("unsubscribe while untracked = (%v, %v), want none", res.Action, err)
	}
}

func TestResolveActionConfigErrors(t *testing.T) {
	_, err := resolveAction(resolveInput{
		TemplateID: "bad", Template: config.TemplateConfig{Type: "ws"},
		Event: "orderbook", Symbol: "BTC/USD", Want: true,
	})
	if !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("missing url = %v, want ErrInvalidConfig", err)
	}

	_, err = resolveAction(resolveInput{
		TemplateID: "bad", Template: config.TemplateConfig{URL: "wss://x", Type: "carrier-pigeon"},
		Event: "orderbook", Symbol: "BTC/USD", Want: true,
	})
	if !errors.Is(err, ErrNotSupported) {
		t.Errorf("unknown type = %v, want ErrNotSupported", err)
	}
}

func TestParseTemplateKind(t *testing.T) {
	cases := map[string]TemplateKind{
		"ws":        KindSimple,
		"ws-stream": KindAggregateStream,
		"signalr":   KindSignalR,
		"pubsub":    KindPubSub,
	}
	for in, want := range cases {
		got, err := parseTemplateKind(in)
		if err != nil || got != want {
			t.Errorf("parseTemplateKind(%q) = (%v, %v), want %v", in, got, err, want)
		}
	}
	if _, err := parseTemplateKind("smoke-signals"); !errors.Is(err, ErrNotSupported) {
		t.Errorf("unknown kind error = %v, want ErrNotSupported", err)
	}
}
