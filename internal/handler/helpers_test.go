package handler

import (
	"bytes"
	"context"
	"database/sql/driver"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/kursadbilgin/outbound-engine/internal/domain"
	"github.com/kursadbilgin/outbound-engine/internal/service"
	"github.com/kursadbilgin/outbound-engine/internal/transport"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type stubController struct {
	sendFn     func(ctx context.Context, p service.SendParams) (*domain.Message, error)
	bulkSendFn func(ctx context.Context, recipients []string, p service.SendParams) ([]*domain.Message, error)
	getFn      func(ctx context.Context, id string) (*domain.Message, error)
	attemptsFn func(ctx context.Context, id string) ([]domain.Attempt, error)
}

func (s *stubController) Send(ctx context.Context, p service.SendParams) (*domain.Message, error) {
	if s.sendFn != nil {
		return s.sendFn(ctx, p)
	}
	return nil, errors.New("not implemented")
}

func (s *stubController) BulkSend(ctx context.Context, recipients []string, p service.SendParams) ([]*domain.Message, error) {
	if s.bulkSendFn != nil {
		return s.bulkSendFn(ctx, recipients, p)
	}
	return nil, errors.New("not implemented")
}

func (s *stubController) Get(ctx context.Context, id string) (*domain.Message, error) {
	if s.getFn != nil {
		return s.getFn(ctx, id)
	}
	return nil, domain.ErrNotFound
}

func (s *stubController) Attempts(ctx context.Context, id string) ([]domain.Attempt, error) {
	if s.attemptsFn != nil {
		return s.attemptsFn(ctx, id)
	}
	return nil, nil
}

type stubTemplateSender struct {
	sendFn func(ctx context.Context, channel domain.Channel, slug string, p service.TemplateSendParams) (*domain.Message, error)
}

func (s *stubTemplateSender) Send(ctx context.Context, channel domain.Channel, slug string, p service.TemplateSendParams) (*domain.Message, error) {
	if s.sendFn != nil {
		return s.sendFn(ctx, channel, slug, p)
	}
	return nil, domain.ErrNotFound
}

type stubIngester struct {
	ingestFn func(ctx context.Context, channel domain.Channel, events []service.WebhookEvent) (*service.WebhookReport, error)
}

func (s *stubIngester) Ingest(ctx context.Context, channel domain.Channel, events []service.WebhookEvent) (*service.WebhookReport, error) {
	if s.ingestFn != nil {
		return s.ingestFn(ctx, channel, events)
	}
	return &service.WebhookReport{Received: len(events)}, nil
}

func newTestApp() *fiber.App {
	return fiber.New(fiber.Config{
		ErrorHandler: transport.ErrorHandler(zap.NewNop()),
	})
}

func performRequest(t *testing.T, app *fiber.App, method string, path string, body string) (*http.Response, []byte) {
	t.Helper()

	return doRequest(t, app, newJSONRequest(method, path, body))
}

func newJSONRequest(method string, path string, body string) *http.Request {
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	return req
}

func performFormRequest(t *testing.T, app *fiber.App, path string, form string) (*http.Response, []byte) {
	t.Helper()

	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form))
	req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationForm)
	return doRequest(t, app, req)
}

func doRequest(t *testing.T, app *fiber.App, req *http.Request) (*http.Response, []byte) {
	t.Helper()

	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test() error = %v", err)
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read response body: %v", err)
	}
	_ = resp.Body.Close()

	return resp, respBody
}

type stubConnector struct {
	pingErr error
}

func (c stubConnector) Connect(context.Context) (driver.Conn, error) {
	return stubConn(c), nil
}

func (c stubConnector) Driver() driver.Driver {
	return stubDriver(c)
}

type stubDriver struct {
	pingErr error
}

func (d stubDriver) Open(string) (driver.Conn, error) {
	return stubConn(d), nil
}

type stubConn struct {
	pingErr error
}

func (c stubConn) Prepare(string) (driver.Stmt, error) { return nil, errors.New("not implemented") }
func (c stubConn) Close() error                        { return nil }
func (c stubConn) Begin() (driver.Tx, error)           { return nil, errors.New("not implemented") }
func (c stubConn) Ping(context.Context) error          { return c.pingErr }

type stubRedisHook struct {
	pingErr error
}

func (h stubRedisHook) DialHook(next redis.DialHook) redis.DialHook {
	return next
}

func (h stubRedisHook) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		if strings.EqualFold(cmd.Name(), "ping") && h.pingErr != nil {
			cmd.SetErr(h.pingErr)
			return h.pingErr
		}
		cmd.SetErr(nil)
		return nil
	}
}

func (h stubRedisHook) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return func(ctx context.Context, cmds []redis.Cmder) error {
		for _, cmd := range cmds {
			cmd.SetErr(nil)
		}
		return nil
	}
}

func newStubRedisClient(pingErr error) *redis.Client {
	rdb := redis.NewClient(&redis.Options{
		Addr:         "127.0.0.1:6379",
		DialTimeout:  time.Millisecond,
		ReadTimeout:  time.Millisecond,
		WriteTimeout: time.Millisecond,
	})
	rdb.AddHook(stubRedisHook{pingErr: pingErr})
	return rdb
}
