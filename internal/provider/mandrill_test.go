package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/kursadbilgin/outbound-engine/internal/domain"
)

func newMandrillTestProvider(t *testing.T, handler http.HandlerFunc) *MandrillProvider {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	p, err := NewMandrillProvider("mandrill", testPolicy(), MandrillConfig{
		URL:        server.URL,
		Key:        "key-1",
		Sender:     "noreply@example.com",
		SenderName: "Example",
	}, nil)
	if err != nil {
		t.Fatalf("NewMandrillProvider() error = %v", err)
	}
	return p
}

func TestMandrillProviderPublish(t *testing.T) {
	t.Parallel()

	var got mandrillSendRequest
	p := newMandrillTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/messages/send.json" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[{"_id":"abc123","email":"john@example.com","status":"sent"}]`))
	})

	subject := "Welcome"
	message := testMessage(domain.ChannelEmail, "john@example.com")
	message.Subject = &subject
	message.Fill(p.DefaultFields(message.Recipient))

	outcome, err := p.Publish(context.Background(), message)
	if err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	if got.Key != "key-1" || got.Message.Subject != "Welcome" || got.Message.FromEmail != "noreply@example.com" || got.Message.FromName != "Example" {
		t.Fatalf("request = %+v", got)
	}
	if len(got.Message.To) != 1 || got.Message.To[0].Email != "john@example.com" {
		t.Fatalf("to = %+v", got.Message.To)
	}
	if outcome.State != domain.StateSent || outcome.ExternalID != "abc123" || !outcome.Sent {
		t.Fatalf("outcome = %+v", outcome)
	}
}

func TestMandrillProviderPublishRejected(t *testing.T) {
	t.Parallel()

	p := newMandrillTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[{"_id":"abc123","email":"john@example.com","status":"rejected","reject_reason":"hard-bounce"}]`))
	})

	outcome, err := p.Publish(context.Background(), testMessage(domain.ChannelEmail, "john@example.com"))
	if err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if outcome.State != domain.StateError {
		t.Fatalf("State = %s, want ERROR", outcome.State)
	}
	if outcome.Error != `rejected, mandrill message: "hard-bounce"` {
		t.Fatalf("Error = %q", outcome.Error)
	}
}

func TestMandrillProviderPublishAPIError(t *testing.T) {
	t.Parallel()

	p := newMandrillTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"status":"error","code":-1,"name":"Invalid_Key","message":"Invalid API key"}`))
	})

	_, err := p.Publish(context.Background(), testMessage(domain.ChannelEmail, "john@example.com"))
	if err == nil {
		t.Fatal("expected error")
	}
	if !IsTransient(err) {
		t.Fatalf("IsTransient() = false, want true")
	}
	if StatusCode(err) != http.StatusInternalServerError {
		t.Fatalf("StatusCode() = %d", StatusCode(err))
	}
}

func TestMandrillProviderPullInfo(t *testing.T) {
	t.Parallel()

	p := newMandrillTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/messages/info.json" {
			t.Errorf("path = %s", r.URL.Path)
		}
		var req mandrillInfoRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.ID != "abc123" || req.Key != "key-1" {
			t.Errorf("request = %+v", req)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"_id":"abc123","state":"sent","opens":2}`))
	})

	externalID := "abc123"
	message := testMessage(domain.ChannelEmail, "john@example.com")
	message.ExternalID = &externalID

	outcome, err := p.PullInfo(context.Background(), message)
	if err != nil {
		t.Fatalf("PullInfo() error = %v", err)
	}
	if outcome.State != "" {
		t.Fatalf("State = %s, want unchanged", outcome.State)
	}
	info, ok := outcome.SenderData["info"].(map[string]any)
	if !ok || info["opens"] != float64(2) {
		t.Fatalf("info = %#v", outcome.SenderData["info"])
	}

	message.ExternalID = nil
	if _, err := p.PullInfo(context.Background(), message); err == nil {
		t.Fatal("expected error without mandrill id")
	}
}
