package service

import (
	"errors"
	"fmt"
	"time"

	"github.com/kursadbilgin/outbound-engine/internal/config"
	"github.com/kursadbilgin/outbound-engine/internal/domain"
	"github.com/kursadbilgin/outbound-engine/internal/provider"
)

const (
	errAttemptsExhausted = "message exceeded the maximum number of send attempts"
	errSendWindowExpired = "message exceeded the maximum time to send"
	errNoOutcome         = "provider returned no outcome"
	errIdleTimeout       = "timeouted"
	errStatusCheckLimit  = "message exceeded the maximum number of status check attempts"
)

// effectivePolicy bounds a provider policy by the channel configuration;
// the stricter of the two limits applies.
func effectivePolicy(cc config.ChannelConfig, p provider.Policy) provider.Policy {
	policy := p
	if cc.MaxSendAttempts > 0 && (policy.MaxSendAttempts <= 0 || cc.MaxSendAttempts < policy.MaxSendAttempts) {
		policy.MaxSendAttempts = cc.MaxSendAttempts
	}
	if cc.MaxSecondsToSend > 0 && (policy.MaxSecondsToSend <= 0 || cc.MaxSecondsToSend < policy.MaxSecondsToSend) {
		policy.MaxSecondsToSend = cc.MaxSecondsToSend
	}
	return policy
}

// sendBounds returns the loosest effective send limits over the providers of
// a channel. Zero means unbounded.
func sendBounds(cc config.ChannelConfig, providers []provider.Provider) (attempts, seconds int) {
	if len(providers) == 0 {
		return max(cc.MaxSendAttempts, 0), max(cc.MaxSecondsToSend, 0)
	}
	for i, p := range providers {
		policy := effectivePolicy(cc, p.Policy())
		a, s := max(policy.MaxSendAttempts, 0), max(policy.MaxSecondsToSend, 0)
		if i == 0 {
			attempts, seconds = a, s
			continue
		}
		attempts, seconds = looserBound(attempts, a), looserBound(seconds, s)
	}
	return attempts, seconds
}

func looserBound(a, b int) int {
	if a == 0 || b == 0 {
		return 0
	}
	return max(a, b)
}

func sendWindowExpired(m *domain.Message, policy provider.Policy, now time.Time) bool {
	if policy.MaxSecondsToSend <= 0 {
		return false
	}
	return now.Sub(m.CreatedAt) > time.Duration(policy.MaxSecondsToSend)*time.Second
}

// sendLimitReason reports why a message with the given number of attempts may
// not be sent again, or "" when it still may.
func sendLimitReason(m *domain.Message, attempts int, policy provider.Policy, now time.Time) string {
	if policy.MaxSendAttempts > 0 && attempts >= policy.MaxSendAttempts {
		return errAttemptsExhausted
	}
	if sendWindowExpired(m, policy, now) {
		return errSendWindowExpired
	}
	return ""
}

// afterSending records an attempt the vendor accepted.
func afterSending(m *domain.Message, backend string, outcome *provider.Outcome, now time.Time) domain.Update {
	lifecycle := domain.LifecycleFor(m.Channel)
	state := outcome.State
	if state == "" {
		state = lifecycle.SentState()
	}

	u := domain.Update{
		State:                 &state,
		IncrementSendAttempts: true,
		Backend:               backend,
		ExtraSenderData:       outcome.SenderData,
		ReleaseClaim:          true,
	}
	if outcome.ExternalID != "" {
		externalID := outcome.ExternalID
		u.ExternalID = &externalID
	}
	if outcome.Sent || lifecycle.IsInFlight(state) || lifecycle.IsTerminal(state) {
		sentAt := now
		u.SentAt = &sentAt
	}
	if outcome.Error != "" {
		errText := outcome.Error
		u.Error = &errText
	}
	return u
}

// afterSendingError records a failed attempt. A nil pinned state picks
// ERROR_RETRY or ERROR with the same rule PublishOrRetryMessage applies
// before sending.
func afterSendingError(
	m *domain.Message,
	policy provider.Policy,
	backend string,
	pinned *domain.State,
	errText string,
	senderData map[string]any,
	now time.Time,
) domain.Update {
	state := domain.StateErrorRetry
	switch {
	case pinned != nil:
		state = *pinned
	case !m.RetrySending:
		state = domain.StateError
	case sendLimitReason(m, m.NumberOfSendAttempts+1, policy, now) != "":
		state = domain.StateError
	}

	return domain.Update{
		State:                 &state,
		IncrementSendAttempts: true,
		Error:                 &errText,
		Backend:               backend,
		ExtraSenderData:       senderData,
		ReleaseClaim:          true,
	}
}

// setAsFailed ends a message without counting an attempt.
func setAsFailed(errText string) domain.Update {
	state := domain.StateError
	return domain.Update{
		State:        &state,
		Error:        &errText,
		ReleaseClaim: true,
	}
}

// publishUpdate turns the result of a publish call into the update to persist.
// Only a permanent vendor error pins ERROR; transport failures follow the
// retry rule.
func publishUpdate(m *domain.Message, policy provider.Policy, backend string, outcome *provider.Outcome, sendErr error, now time.Time) domain.Update {
	lifecycle := domain.LifecycleFor(m.Channel)

	if sendErr != nil {
		var pinned *domain.State
		var providerErr *provider.ProviderError
		if errors.As(sendErr, &providerErr) && !providerErr.Transient {
			state := domain.StateError
			pinned = &state
		}
		return afterSendingError(m, policy, backend, pinned, sendErr.Error(), nil, now)
	}
	if outcome == nil {
		return afterSendingError(m, policy, backend, nil, errNoOutcome, nil, now)
	}
	if outcome.State != "" && !lifecycle.Has(outcome.State) {
		errText := fmt.Sprintf("provider reported state %q unknown to %s", outcome.State, m.Channel)
		return afterSendingError(m, policy, backend, nil, errText, outcome.SenderData, now)
	}
	if lifecycle.IsFailure(outcome.State) {
		state := outcome.State
		errText := outcome.Error
		if errText == "" {
			errText = "rejected by provider"
		}
		return afterSendingError(m, policy, backend, &state, errText, outcome.SenderData, now)
	}
	return afterSending(m, backend, outcome, now)
}
