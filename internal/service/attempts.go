package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/kursadbilgin/outbound-engine/internal/domain"
	"github.com/kursadbilgin/outbound-engine/internal/provider"
	"github.com/kursadbilgin/outbound-engine/internal/repository"
)

// recordAttempt logs one provider call made for m. The attempt number is
// the counter the call is about to produce.
func recordAttempt(
	ctx context.Context,
	attempts repository.AttemptRepository,
	now time.Time,
	m *domain.Message,
	operation domain.Operation,
	backend string,
	outcome *provider.Outcome,
	callErr error,
) error {
	number := m.NumberOfSendAttempts + 1
	if operation == domain.OperationStatusCheck {
		number = m.NumberOfStatusCheckAttempts + 1
	}

	var statusCode *int
	var attemptErr *string

	if outcome != nil {
		if outcome.StatusCode > 0 {
			value := outcome.StatusCode
			statusCode = &value
		}
		if outcome.Error != "" {
			value := outcome.Error
			attemptErr = &value
		}
	}
	if callErr != nil {
		value := callErr.Error()
		attemptErr = &value
		if code := provider.StatusCode(callErr); code > 0 && statusCode == nil {
			statusCode = &code
		}
	}

	return attempts.Create(ctx, &domain.Attempt{
		ID:            uuid.NewString(),
		MessageID:     m.ID,
		Channel:       m.Channel,
		Operation:     operation,
		AttemptNumber: number,
		Backend:       backend,
		StatusCode:    statusCode,
		Error:         attemptErr,
		CreatedAt:     now.UTC(),
	})
}
