package domain

import "time"

// Operation names the provider call an Attempt records.
type Operation string

const (
	OperationPublish     Operation = "publish"
	OperationStatusCheck Operation = "status_check"
	OperationInfoPull    Operation = "info_pull"
)

// Attempt records a single provider call made for a message.
type Attempt struct {
	ID            string
	MessageID     string
	Channel       Channel
	Operation     Operation
	AttemptNumber int
	Backend       string
	StatusCode    *int
	Error         *string
	CreatedAt     time.Time
}
