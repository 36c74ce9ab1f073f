package ops

import (
	"context"
	"encoding/json"
	"testing"
)

func TestPingHandler(t *testing.T) {
	result, ctlErr := pingHandler(context.Background(), nil)
	if ctlErr != nil {
		t.Fatalf("unexpected error: %v", ctlErr)
	}
	m, ok := result.(map[string]any)
	if !ok || m["pong"] != true {
		t.Fatalf("expected {pong: true}, got %#v", result)
	}
}

func TestEchoHandlerReturnsMessage(t *testing.T) {
	params, _ := json.Marshal(map[string]any{"message": "hello"})
	result, ctlErr := echoHandler(context.Background(), params)
	if ctlErr != nil {
		t.Fatalf("unexpected error: %v", ctlErr)
	}
	m := result.(map[string]any)
	if m["echo"] != "hello" {
		t.Fatalf("expected echo: hello, got %#v", m)
	}
}

func TestEchoHandlerWithNoParams(t *testing.T) {
	result, ctlErr := echoHandler(context.Background(), nil)
	if ctlErr != nil {
		t.Fatalf("unexpected error: %v", ctlErr)
	}
	m := result.(map[string]any)
	if m["echo"] != nil {
		t.Fatalf("expected nil echo for empty params, got %#v", m["echo"])
	}
}

func TestGetInfoHandler(t *testing.T) {
	handler := getInfoHandler(Info{Name: "raspictl-agent", Version: "1.2.3"})
	result, ctlErr := handler(context.Background(), nil)
	if ctlErr != nil {
		t.Fatalf("unexpected error: %v", ctlErr)
	}
	m := result.(map[string]any)
	if m["name"] != "raspictl-agent" || m["version"] != "1.2.3" || m["status"] != "running" {
		t.Fatalf("unexpected get_info result: %#v", m)
	}
}
