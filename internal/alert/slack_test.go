package alert

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestSlackChannel_Send(t *testing.T) {
	var received map[string]interface{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Errorf("failed to decode payload: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	ch := NewSlackChannel(server.URL)
	if ch.Name() != "slack" {
		t.Errorf("expected name 'slack', got %q", ch.Name())
	}

	err := ch.Send(context.Background(), AlertPayload{
		Level: Critical, Title: "bot stopping failed", Message: "retries exhausted",
		Timestamp: time.Now(), Fields: map[string]string{"botId": "bot-1"},
	})
	if err != nil {
		t.Fatalf("Send returned error: %v", err)
	}

	attachments, ok := received["attachments"].([]interface{})
	if !ok || len(attachments) != 1 {
		t.Fatalf("expected 1 attachment, got %v", received["attachments"])
	}
}

func TestSlackChannel_SendSkippedWhenWebhookEmpty(t *testing.T) {
	ch := NewSlackChannel("")
	if err := ch.Send(context.Background(), AlertPayload{Level: Info}); err != nil {
		t.Fatalf("expected no error when webhook is unset, got %v", err)
	}
}

func TestSlackChannel_SendReturnsErrorOnNonOKStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	ch := NewSlackChannel(server.URL)
	if err := ch.Send(context.Background(), AlertPayload{Level: Error, Timestamp: time.Now()}); err == nil {
		t.Fatal("expected error on non-200 response")
	}
}
