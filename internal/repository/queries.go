package repository

import (
	"time"

	"github.com/kursadbilgin/outbound-engine/internal/domain"
)

// SendableQuery selects messages a dispatcher may publish: WAITING ones and
// ERROR_RETRY ones still inside the attempt and time limits. A non-positive
// MaxAttempts or a zero CreatedAfter leaves that limit unbounded.
type SendableQuery struct {
	Channel      domain.Channel
	MaxAttempts  int
	CreatedAfter time.Time
	// Claims taken before StaleBefore no longer protect a message.
	StaleBefore time.Time
}

func (q SendableQuery) Eligible(m *domain.Message) bool {
	switch m.State {
	case domain.StateWaiting:
		return true
	case domain.StateErrorRetry:
		return m.RetrySending && q.withinAttempts(m) && q.withinWindow(m)
	}
	return false
}

func (q SendableQuery) withinAttempts(m *domain.Message) bool {
	return q.MaxAttempts <= 0 || m.NumberOfSendAttempts < q.MaxAttempts
}

func (q SendableQuery) withinWindow(m *domain.Message) bool {
	return q.CreatedAfter.IsZero() || !m.CreatedAt.Before(q.CreatedAfter)
}

// retryCondition renders the ERROR_RETRY part of Eligible as SQL.
func (q SendableQuery) retryCondition() (string, []any) {
	condition := "retry_sending = ?"
	args := []any{true}
	if q.MaxAttempts > 0 {
		condition += " AND number_of_send_attempts < ?"
		args = append(args, q.MaxAttempts)
	}
	if !q.CreatedAfter.IsZero() {
		condition += " AND created_at >= ?"
		args = append(args, q.CreatedAfter)
	}
	return condition, args
}

// Expired reports an ERROR_RETRY message that can never become eligible again.
func (q SendableQuery) Expired(m *domain.Message) bool {
	return m.State == domain.StateErrorRetry && !q.Eligible(m)
}

func (q SendableQuery) Matches(m *domain.Message) bool {
	return q.Eligible(m) && claimFree(m, q.StaleBefore)
}

// StatusCheckQuery selects in-flight messages sent through one backend.
type StatusCheckQuery struct {
	Channel     domain.Channel
	Backend     string
	StaleBefore time.Time
}

func (q StatusCheckQuery) Matches(m *domain.Message) bool {
	return domain.LifecycleFor(q.Channel).IsInFlight(m.State) &&
		m.SentAt != nil &&
		m.BackendName() == q.Backend &&
		claimFree(m, q.StaleBefore)
}

// InfoPullQuery selects sent e-mails whose webhook arrived at least Delay
// ago and whose info was not refreshed since then.
type InfoPullQuery struct {
	Channel     domain.Channel
	Now         time.Time
	Delay       time.Duration
	MaxAge      time.Duration
	StaleBefore time.Time
}

func (q InfoPullQuery) Matches(m *domain.Message) bool {
	if m.LastWebhookReceivedAt == nil || !m.LastWebhookReceivedAt.Before(q.Now.Add(-q.Delay)) {
		return false
	}
	if m.InfoChangedAt != nil && !m.InfoChangedAt.Before(m.LastWebhookReceivedAt.Add(q.Delay)) {
		return false
	}
	if m.SentAt == nil || !m.SentAt.After(q.Now.Add(-q.MaxAge)) {
		return false
	}
	return claimFree(m, q.StaleBefore)
}

// IdleQuery selects in-flight messages created before Before.
type IdleQuery struct {
	Channel  domain.Channel
	Backends []string
	Before   time.Time
}

func (q IdleQuery) Matches(m *domain.Message) bool {
	if !domain.LifecycleFor(q.Channel).IsInFlight(m.State) || !m.CreatedAt.Before(q.Before) {
		return false
	}
	for _, backend := range q.Backends {
		if m.BackendName() == backend {
			return true
		}
	}
	return false
}

func claimFree(m *domain.Message, staleBefore time.Time) bool {
	return m.ClaimedAt == nil || m.ClaimedAt.Before(staleBefore)
}
