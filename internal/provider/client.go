package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/sony/gobreaker"
)

const (
	defaultVendorTimeout     = 10 * time.Second
	breakerOpenTimeout       = 30 * time.Second
	breakerFailureThreshold  = 5
	breakerHalfOpenRequests  = 1
	maxLoggedResponseSnippet = 512
)

var errTransientStatus = errors.New("transient vendor status")

// vendorClient is the HTTP transport shared by vendor providers. Transport
// failures and 429/5xx responses count against a circuit breaker; while the
// breaker is open calls fail fast with a transient ProviderError.
type vendorClient struct {
	name    string
	client  *resty.Client
	breaker *gobreaker.CircuitBreaker
}

func newVendorClient(name string, baseURL string, timeout time.Duration, client *resty.Client) (*vendorClient, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if trimmed == "" {
		return nil, fmt.Errorf("%s: url is required", name)
	}
	if !strings.HasPrefix(trimmed, "http://") && !strings.HasPrefix(trimmed, "https://") {
		return nil, fmt.Errorf("%s: invalid url %q", name, baseURL)
	}
	if client == nil {
		client = resty.New()
	}
	if timeout <= 0 {
		timeout = defaultVendorTimeout
	}
	if client.GetClient().Timeout == 0 {
		client.SetTimeout(timeout)
	}
	client.SetRetryCount(0)
	client.SetBaseURL(trimmed)

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: breakerHalfOpenRequests,
		Timeout:     breakerOpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerFailureThreshold
		},
	})

	return &vendorClient{name: name, client: client, breaker: breaker}, nil
}

// do runs one vendor request. The returned response is non-nil whenever the
// vendor answered, whatever the status code.
func (c *vendorClient) do(ctx context.Context, send func(r *resty.Request) (*resty.Response, error)) (*resty.Response, error) {
	result, err := c.breaker.Execute(func() (interface{}, error) {
		response, err := send(c.client.R().SetContext(ctx))
		if err != nil {
			return nil, err
		}
		if response == nil {
			return nil, &ProviderError{Vendor: c.name, Message: "provider returned empty response", Transient: true}
		}
		if isTransientHTTPStatus(response.StatusCode()) {
			return response, errTransientStatus
		}
		return response, nil
	})

	response, _ := result.(*resty.Response)
	switch {
	case err == nil, errors.Is(err, errTransientStatus):
		return response, nil
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return nil, &ProviderError{Vendor: c.name, Message: "circuit breaker open", Transient: true, Cause: err}
	default:
		var providerErr *ProviderError
		if errors.As(err, &providerErr) {
			if providerErr.Vendor == "" {
				providerErr.Vendor = c.name
			}
			return nil, err
		}
		return nil, &ProviderError{
			Vendor:    c.name,
			Message:   "provider request failed",
			Transient: !errors.Is(err, context.Canceled),
			Cause:     err,
		}
	}
}

// statusError converts a non-2xx response into a ProviderError.
func (c *vendorClient) statusError(response *resty.Response) error {
	statusCode := response.StatusCode()
	if statusCode >= http.StatusOK && statusCode < http.StatusMultipleChoices {
		return nil
	}
	return &ProviderError{
		Vendor:     c.name,
		StatusCode: statusCode,
		Message:    providerErrorMessage(statusCode, strings.TrimSpace(response.String())),
		Transient:  isTransientHTTPStatus(statusCode),
	}
}

func isTransientHTTPStatus(statusCode int) bool {
	return statusCode == http.StatusTooManyRequests || (statusCode >= http.StatusInternalServerError && statusCode <= 599)
}

func providerErrorMessage(statusCode int, body string) string {
	base := fmt.Sprintf("provider returned status %d", statusCode)
	if body == "" {
		return base
	}
	if len(body) > maxLoggedResponseSnippet {
		body = body[:maxLoggedResponseSnippet]
	}
	return fmt.Sprintf("%s: %s", base, body)
}

func providerMessageID(response *resty.Response) string {
	if response == nil {
		return ""
	}

	for _, key := range []string{"X-Request-ID", "X-Request-Id", "X-Correlation-ID", "X-Correlation-Id"} {
		if value := strings.TrimSpace(response.Header().Get(key)); value != "" {
			return value
		}
	}

	return ""
}

func secondsOrDefault(seconds int, fallback time.Duration) time.Duration {
	if seconds <= 0 {
		return fallback
	}
	return time.Duration(seconds) * time.Second
}
