// Package remote implements the client for the remote progress service.
// It handles all communication with the learning platform backend:
// pulling authoritative progress snapshots and pushing local writes.
//
// The client performs single requests and classifies failures; retry
// policy belongs to the sync engine, so errors surface after one attempt.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/learnhub/progress-engine/internal/domain/shared"
	"github.com/learnhub/progress-engine/pkg/circuitbreaker"
)

// ══════════════════════════════════════════════════════════════════════════════
// CONFIGURATION
// ══════════════════════════════════════════════════════════════════════════════

// TokenSource supplies the bearer token for authenticated requests.
// Implementations may refresh tokens under the hood.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticTokenSource returns a fixed token.
type StaticTokenSource string

// Token implements TokenSource.
func (s StaticTokenSource) Token(context.Context) (string, error) {
	return string(s), nil
}

// ClientConfig contains configuration for the remote progress client.
type ClientConfig struct {
	// BaseURL is the progress service base URL
	BaseURL string

	// TokenSource supplies bearer tokens. Required.
	TokenSource TokenSource

	// Timeout is the HTTP request timeout
	Timeout time.Duration

	// Logger for structured logging
	Logger *slog.Logger

	// Debug enables request-level debug logging
	Debug bool
}

// DefaultClientConfig returns sensible defaults.
func DefaultClientConfig(baseURL string, tokens TokenSource) ClientConfig {
	return ClientConfig{
		BaseURL:     baseURL,
		TokenSource: tokens,
		Timeout:     30 * time.Second,
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// CLIENT
// ══════════════════════════════════════════════════════════════════════════════

// Client is the remote progress service client.
type Client struct {
	config     ClientConfig
	httpClient *http.Client
	logger     *slog.Logger
	breaker    *circuitbreaker.CircuitBreaker
	mapper     *Mapper
}

// NewClient creates a new remote progress client.
func NewClient(config ClientConfig) *Client {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	c := &Client{
		config: config,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
		logger: logger,
		mapper: NewMapper(),
	}

	c.breaker = circuitbreaker.RemoteAPIBreaker(func(name string, from, to circuitbreaker.State) {
		logger.Warn("circuit breaker state change",
			"breaker", name, "from", from.String(), "to", to.String())
	})

	return c
}

// Mapper exposes the DTO mapper for callers that apply snapshots.
func (c *Client) Mapper() *Mapper {
	return c.mapper
}

// ══════════════════════════════════════════════════════════════════════════════
// PULL OPERATIONS
// ══════════════════════════════════════════════════════════════════════════════

// GetCourseProgress fetches the authoritative snapshot of one course.
func (c *Client) GetCourseProgress(ctx context.Context, courseID string) (*CourseSnapshotDTO, error) {
	path := fmt.Sprintf("/progress/course/%s", url.PathEscape(courseID))

	var env courseProgressEnvelope
	if err := c.doRequest(ctx, http.MethodGet, path, nil, &env); err != nil {
		return nil, fmt.Errorf("get course progress %s: %w", courseID, err)
	}

	return &env.Progress, nil
}

// GetAllProgress fetches the full server state across all enrolled courses.
func (c *Client) GetAllProgress(ctx context.Context) (*UserProgressDTO, error) {
	var all UserProgressDTO
	if err := c.doRequest(ctx, http.MethodGet, "/progress/user", nil, &all); err != nil {
		return nil, fmt.Errorf("get all progress: %w", err)
	}

	return &all, nil
}

// ══════════════════════════════════════════════════════════════════════════════
// PUSH OPERATIONS
// Every push returns the authoritative course snapshot so the caller can
// reconcile server-side effects immediately.
// ══════════════════════════════════════════════════════════════════════════════

// PushLessonProgress pushes a local lesson write.
func (c *Client) PushLessonProgress(ctx context.Context, lessonID string, body LessonPushDTO) (*CourseSnapshotDTO, error) {
	path := fmt.Sprintf("/progress/lesson/%s", url.PathEscape(lessonID))

	var env pushResponseEnvelope
	if err := c.doRequest(ctx, http.MethodPost, path, body, &env); err != nil {
		return nil, fmt.Errorf("push lesson progress %s: %w", lessonID, err)
	}

	return &env.CourseProgress, nil
}

// PushQuizScore pushes a local quiz result.
func (c *Client) PushQuizScore(ctx context.Context, lessonID string, body QuizPushDTO) (*CourseSnapshotDTO, error) {
	path := fmt.Sprintf("/progress/quiz/%s", url.PathEscape(lessonID))

	var env pushResponseEnvelope
	if err := c.doRequest(ctx, http.MethodPost, path, body, &env); err != nil {
		return nil, fmt.Errorf("push quiz score %s: %w", lessonID, err)
	}

	return &env.CourseProgress, nil
}

// ResetCourse asks the server to wipe course progress.
func (c *Client) ResetCourse(ctx context.Context, courseID string) (*CourseSnapshotDTO, error) {
	path := fmt.Sprintf("/progress/reset/%s", url.PathEscape(courseID))

	var env courseProgressEnvelope
	if err := c.doRequest(ctx, http.MethodPost, path, nil, &env); err != nil {
		return nil, fmt.Errorf("reset course %s: %w", courseID, err)
	}

	return &env.Progress, nil
}

// ══════════════════════════════════════════════════════════════════════════════
// HTTP REQUEST HELPERS
// ══════════════════════════════════════════════════════════════════════════════

// doRequest performs one HTTP request behind the circuit breaker.
func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, result interface{}) error {
	return c.breaker.Execute(ctx, func(ctx context.Context) error {
		return c.doSingleRequest(ctx, method, path, body, result)
	})
}

func (c *Client) doSingleRequest(ctx context.Context, method, path string, body interface{}, result interface{}) error {
	fullURL := c.config.BaseURL + path

	var bodyReader io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal body: %w", err)
		}
		bodyReader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, fullURL, bodyReader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	if c.config.TokenSource != nil {
		token, err := c.config.TokenSource.Token(ctx)
		if err != nil {
			return shared.WrapError("remote", "Token", shared.ErrAuthRequired, "obtain bearer token", err)
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	if c.config.Debug {
		c.logger.Debug("remote api request", "method", method, "path", path)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return classifyTransportError(err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		return classifyStatusError(resp, respBody)
	}

	if result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("unmarshal response: %w", err)
		}
	}

	return nil
}

// classifyStatusError maps HTTP status codes to the sync error taxonomy.
func classifyStatusError(resp *http.Response, respBody []byte) error {
	apiErr := &APIErrorDTO{Status: resp.StatusCode}
	if err := json.Unmarshal(respBody, apiErr); err != nil || apiErr.Message == "" {
		apiErr.Message = http.StatusText(resp.StatusCode)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return shared.WrapError("remote", "Request", shared.ErrAuthRequired, apiErr.Message, apiErr)

	case resp.StatusCode == http.StatusConflict:
		return shared.WrapError("remote", "Request", shared.ErrConflict, apiErr.Message, apiErr)

	case resp.StatusCode == http.StatusTooManyRequests:
		msg := apiErr.Message
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if seconds, err := strconv.Atoi(ra); err == nil && seconds > 0 {
				msg = fmt.Sprintf("%s (retry after %ds)", msg, seconds)
			}
		}
		return shared.WrapError("remote", "Request", shared.ErrRateLimited, msg, apiErr)

	case resp.StatusCode >= 500:
		return shared.WrapError("remote", "Request", shared.ErrServiceUnavailable, apiErr.Message, apiErr)

	default:
		// Remaining 4xx: the request itself is wrong, retrying won't help.
		return shared.WrapError("remote", "Request", shared.ErrInvalidInput, apiErr.Message, apiErr)
	}
}

// classifyTransportError maps network-level failures.
func classifyTransportError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return shared.WrapError("remote", "Request", shared.ErrTimeout, "request deadline exceeded", err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return shared.WrapError("remote", "Request", shared.ErrTimeout, "network timeout", err)
	}

	return shared.WrapError("remote", "Request", shared.ErrServiceUnavailable, "network error", err)
}

// ══════════════════════════════════════════════════════════════════════════════
// HEALTH AND STATUS
// ══════════════════════════════════════════════════════════════════════════════

// IsHealthy checks if the progress service is reachable.
func (c *Client) IsHealthy(ctx context.Context) bool {
	return c.doSingleRequest(ctx, http.MethodGet, "/health", nil, nil) == nil
}

// BreakerState returns the current circuit breaker state.
func (c *Client) BreakerState() circuitbreaker.State {
	return c.breaker.State()
}

// Reset resets the circuit breaker.
func (c *Client) Reset() {
	c.breaker.Reset()
}
