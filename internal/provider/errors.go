package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"
)

// ProviderError is a failed vendor call. Transient failures may succeed on
// a later attempt; anything else pins the message to ERROR.
type ProviderError struct {
	Vendor     string
	StatusCode int
	Message    string
	Transient  bool
	Cause      error
}

func (e *ProviderError) Error() string {
	if e == nil {
		return "<nil>"
	}

	var b strings.Builder
	if e.Vendor != "" {
		b.WriteString(e.Vendor)
	} else {
		b.WriteString("provider")
	}
	if e.StatusCode > 0 {
		fmt.Fprintf(&b, " status %d", e.StatusCode)
	}
	if msg := strings.TrimSpace(e.Message); msg != "" {
		b.WriteString(": ")
		b.WriteString(msg)
	}
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

func (e *ProviderError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// IsTransient reports whether a send or status call is worth repeating.
// Cancellation never is; deadlines and network timeouts always are.
func IsTransient(err error) bool {
	var (
		providerErr *ProviderError
		netErr      net.Error
	)
	switch {
	case err == nil, errors.Is(err, context.Canceled):
		return false
	case errors.Is(err, context.DeadlineExceeded):
		return true
	case errors.As(err, &providerErr):
		return providerErr.Transient
	case errors.As(err, &netErr):
		return netErr.Timeout()
	default:
		return false
	}
}

// StatusCode extracts the vendor HTTP status from err, or 0.
func StatusCode(err error) int {
	var providerErr *ProviderError
	if errors.As(err, &providerErr) {
		return providerErr.StatusCode
	}
	return 0
}

// ProtocolError means a batch response cannot be matched to the sent set.
// None of its outcomes may be applied.
type ProtocolError struct {
	Provider   string
	Missing    []string
	Unexpected []string
}

func (e *ProtocolError) Error() string {
	if e == nil {
		return "<nil>"
	}
	return fmt.Sprintf("provider %s protocol error: missing=%v unexpected=%v", e.Provider, e.Missing, e.Unexpected)
}

func IsProtocolError(err error) bool {
	var protocolErr *ProtocolError
	return errors.As(err, &protocolErr)
}

// MatchOutcomes verifies that outcomes cover exactly the given message IDs.
func MatchOutcomes(providerName string, ids []string, outcomes map[string]*Outcome) error {
	expected := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		expected[id] = struct{}{}
	}

	var missing, unexpected []string
	for _, id := range ids {
		if outcome, ok := outcomes[id]; !ok || outcome == nil {
			missing = append(missing, id)
		}
	}
	for id := range outcomes {
		if _, ok := expected[id]; !ok {
			unexpected = append(unexpected, id)
		}
	}

	if len(missing) == 0 && len(unexpected) == 0 {
		return nil
	}
	sort.Strings(missing)
	sort.Strings(unexpected)
	return &ProtocolError{Provider: providerName, Missing: missing, Unexpected: unexpected}
}
