package provider

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/kursadbilgin/outbound-engine/internal/domain"
)

func newSMSOperatorTestProvider(t *testing.T, handler http.HandlerFunc) *SMSOperatorProvider {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	p, err := NewSMSOperatorProvider("operator", testPolicy(), SMSOperatorConfig{
		URL:        server.URL,
		Username:   "user",
		Password:   "secret",
		UniqPrefix: "test",
	}, nil)
	if err != nil {
		t.Fatalf("NewSMSOperatorProvider() error = %v", err)
	}
	return p
}

func TestSMSOperatorProviderPublishBatch(t *testing.T) {
	t.Parallel()

	var got smsOperatorRequest
	p := newSMSOperatorTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		if ct := r.Header.Get("Content-Type"); ct != "text/xml" {
			t.Errorf("content type = %q, want text/xml", ct)
		}
		body, _ := io.ReadAll(r.Body)
		if err := xml.Unmarshal(body, &got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		_, _ = fmt.Fprint(w, `<?xml version="1.0"?><service>
			<dataitem><smsid>test-a</smsid><status>0</status></dataitem>
			<dataitem><smsid>test-b</smsid><status>4</status></dataitem>
			<dataitem><smsid>test-c</smsid><status>11</status></dataitem>
		</service>`)
	})

	outcomes, err := p.PublishBatch(context.Background(), atsMessages("a", "b", "c"))
	if err != nil {
		t.Fatalf("PublishBatch() error = %v", err)
	}

	if got.Type != "SMS" || got.Username != "user" || got.Password != "secret" {
		t.Fatalf("request header = %q %q/%q", got.Type, got.Username, got.Password)
	}
	if len(got.Items) != 3 || got.Items[0].SMSID != "test-a" || got.Items[0].Mobile != "+420777111222" || got.Items[0].Text != "hello" {
		t.Fatalf("items = %+v", got.Items)
	}

	if outcome := outcomes["a"]; outcome.State != domain.StateDelivered || !outcome.Sent || outcome.Error != "" {
		t.Fatalf("outcome a = %+v", outcome)
	}
	if outcome := outcomes["b"]; outcome.State != domain.StateErrorUpdate || outcome.Error != "wrong number format" {
		t.Fatalf("outcome b = %+v", outcome)
	}
	if outcome := outcomes["c"]; outcome.State != domain.StateSending || outcome.Error != "" {
		t.Fatalf("outcome c = %+v", outcome)
	}
	if data := outcomes["b"].SenderData; data["sender_state"] != 4 || data["prefix"] != "test" {
		t.Fatalf("sender data = %v", data)
	}
}

func TestSMSOperatorProviderUniqMismatchIsProtocolError(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name     string
		response string
	}{
		{name: "missing uniq", response: `<service><dataitem><smsid>test-a</smsid><status>0</status></dataitem></service>`},
		{name: "unknown uniq", response: `<service>
			<dataitem><smsid>test-a</smsid><status>0</status></dataitem>
			<dataitem><smsid>test-b</smsid><status>0</status></dataitem>
			<dataitem><smsid>test-z</smsid><status>0</status></dataitem>
		</service>`},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			p := newSMSOperatorTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
				_, _ = fmt.Fprint(w, tc.response)
			})

			outcomes, err := p.PublishBatch(context.Background(), atsMessages("a", "b"))
			if !IsProtocolError(err) {
				t.Fatalf("PublishBatch() error = %v, want protocol error", err)
			}
			if outcomes != nil {
				t.Fatalf("outcomes = %v, want nil", outcomes)
			}
		})
	}
}

func TestSMSOperatorProviderRequestErrors(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name          string
		statusCode    int
		response      string
		wantTransient bool
	}{
		{name: "non 200 status is permanent", statusCode: http.StatusForbidden, response: `denied`, wantTransient: false},
		{name: "garbage status is transient", statusCode: http.StatusOK, response: `<service><dataitem><smsid>test-a</smsid><status>x</status></dataitem></service>`, wantTransient: true},
		{name: "unreadable body is transient", statusCode: http.StatusOK, response: `<service><dataitem>`, wantTransient: true},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			p := newSMSOperatorTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.statusCode)
				_, _ = fmt.Fprint(w, tc.response)
			})

			_, err := p.Publish(context.Background(), atsMessages("a")[0])
			if err == nil {
				t.Fatal("expected error")
			}
			if got := IsTransient(err); got != tc.wantTransient {
				t.Fatalf("IsTransient() = %v, want %v (err=%v)", got, tc.wantTransient, err)
			}
		})
	}
}

func TestSMSOperatorProviderCheckStatus(t *testing.T) {
	t.Parallel()

	var got smsOperatorRequest
	p := newSMSOperatorTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if err := xml.Unmarshal(body, &got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		_, _ = fmt.Fprint(w, `<service>
			<dataitem><smsid>test-a</smsid><status>0</status></dataitem>
			<dataitem><smsid>test-b</smsid><status>15</status></dataitem>
		</service>`)
	})

	outcomes, err := p.CheckStatus(context.Background(), atsMessages("a", "b"))
	if err != nil {
		t.Fatalf("CheckStatus() error = %v", err)
	}

	if got.Type != "SMS-Status" || len(got.Items) != 2 || got.Items[1].SMSID != "test-b" || got.Items[1].Text != "" {
		t.Fatalf("request = %+v, want two delivery requests", got)
	}
	if outcomes["a"].State != domain.StateDelivered || outcomes["a"].Sent {
		t.Fatalf("outcome a = %+v", outcomes["a"])
	}
	if outcomes["b"].State != domain.StateErrorUpdate || outcomes["b"].Error != "not found" {
		t.Fatalf("outcome b = %+v", outcomes["b"])
	}
}

func TestSMSOperatorState(t *testing.T) {
	t.Parallel()

	tests := []struct {
		code int
		want domain.State
	}{
		{code: 0, want: domain.StateDelivered},
		{code: 1, want: domain.StateErrorUpdate},
		{code: 3, want: domain.StateErrorUpdate},
		{code: 7, want: domain.StateErrorUpdate},
		{code: 10, want: domain.StateErrorUpdate},
		{code: 11, want: domain.StateSending},
		{code: 12, want: domain.StateSending},
		{code: 13, want: domain.StateSending},
		{code: 14, want: domain.StateSending},
		{code: 15, want: domain.StateErrorUpdate},
		{code: 99, want: domain.StateErrorUpdate},
	}

	for _, tt := range tests {
		if got := smsOperatorState(tt.code); got != tt.want {
			t.Errorf("smsOperatorState(%d) = %s, want %s", tt.code, got, tt.want)
		}
	}
	if got := smsOperatorLabel(99); got != "SMS operator returned an unknown state 99" {
		t.Errorf("smsOperatorLabel(99) = %q", got)
	}
}
