// Package schulmanager implements the Schulmanager Online portal client.
// The portal has no public API; this package speaks the browser frontend's
// protocol: salted PBKDF2 login, the /api/calls batch envelope, and the
// scraped bundle version every envelope must carry.
package schulmanager

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
	"strconv"
	"strings"
	"time"

	"github.com/schulhub/schulsync/internal/domain/shared"
	"github.com/schulhub/schulsync/internal/domain/student"
	"github.com/schulhub/schulsync/pkg/timeutil"
)

// ══════════════════════════════════════════════════════════════════════════════
// CONFIGURATION
// ══════════════════════════════════════════════════════════════════════════════

const (
	// defaultBaseURL is the production portal.
	defaultBaseURL = "https://login.schulmanager-online.de"

	// defaultUserAgent mirrors a current desktop Chrome. The portal serves
	// reduced pages to clients it does not recognize as browsers.
	defaultUserAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36"

	acceptLanguage  = "de-DE,de;q=0.9"
	acceptJSON      = "application/json, text/plain, */*"
	contentTypeJSON = "application/json;charset=UTF-8"

	// DefaultTermID is sent when no grading term has been configured.
	// Schools run their own term IDs; this one covers the common case.
	// TODO: discover the term via a poqa findAll on the term model instead.
	DefaultTermID = 28592

	// Exam window defaults around the current day.
	examPastDays   = 30
	examFutureDays = 180
)

// ClientConfig contains configuration for the portal client.
type ClientConfig struct {
	// BaseURL is the portal base URL, empty for production
	BaseURL string

	// Timeout is the HTTP request timeout
	Timeout time.Duration

	// RateLimiterConfig for portal rate limiting
	RateLimiterConfig RateLimiterConfig

	// CircuitBreakerConfig for fault tolerance
	CircuitBreakerConfig CircuitBreakerConfig

	// RetryConfig for retry behavior
	RetryConfig RetryConfig

	// Logger for structured logging
	Logger *slog.Logger

	// Debug enables request-level debug logging
	Debug bool

	// BundleCache shares the scraped bundle version across processes;
	// nil keeps it in memory
	BundleCache BundleCache

	// UserAgent overrides the browser identity sent to the portal
	UserAgent string
}

// DefaultClientConfig returns sensible defaults. An empty baseURL selects
// the production portal.
func DefaultClientConfig(baseURL string) ClientConfig {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return ClientConfig{
		BaseURL:              baseURL,
		Timeout:              30 * time.Second,
		RateLimiterConfig:    DefaultRateLimiterConfig(),
		CircuitBreakerConfig: DefaultCircuitBreakerConfig(),
		RetryConfig:          DefaultRetryConfig(),
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// CLIENT
// ══════════════════════════════════════════════════════════════════════════════

// Client is the Schulmanager Online portal client. It owns the rate limiter,
// circuit breaker, and bundle version resolver; one Client is shared by all
// accounts polling the same portal.
type Client struct {
	config         ClientConfig
	httpClient     *http.Client
	logger         *slog.Logger
	rateLimiter    *RateLimiter
	circuitBreaker *CircuitBreaker
	bundle         *BundleResolver
}

// NewClient creates a new portal client.
func NewClient(config ClientConfig) *Client {
	if config.BaseURL == "" {
		config.BaseURL = defaultBaseURL
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	httpClient := &http.Client{
		Timeout: config.Timeout,
	}

	return &Client{
		config:         config,
		httpClient:     httpClient,
		logger:         config.Logger,
		rateLimiter:    NewRateLimiter(config.RateLimiterConfig),
		circuitBreaker: NewCircuitBreaker(config.CircuitBreakerConfig),
		bundle:         NewBundleResolver(config.BaseURL, httpClient, config.BundleCache, config.Logger),
	}
}

// BaseURL returns the configured portal base URL.
func (c *Client) BaseURL() string {
	return c.config.BaseURL
}

// ══════════════════════════════════════════════════════════════════════════════
// PORTAL CALLS
// ══════════════════════════════════════════════════════════════════════════════

// Call executes one request through the portal's /api/calls batch endpoint
// and returns that request's raw payload. A rejected bundle version triggers
// one re-scrape and replay before the call fails.
func (c *Client) Call(ctx context.Context, token, moduleName, endpointName string, params any) (json.RawMessage, error) {
	data, err := c.doCall(ctx, token, moduleName, endpointName, params)
	if err == nil || !errors.Is(err, shared.ErrBundleVersionStale) {
		return data, err
	}

	c.logger.Info("bundle version rejected, re-scraping",
		"module", moduleName, "endpoint", endpointName)
	c.bundle.Invalidate(ctx)

	data, err = c.doCall(ctx, token, moduleName, endpointName, params)
	if err != nil && errors.Is(err, shared.ErrBundleVersionStale) {
		// A fresh version was rejected too; the problem is not the version
		return nil, shared.WrapError("portal", "Call", shared.ErrMalformedResponse,
			fmt.Sprintf("%s/%s rejected with a fresh bundle version", moduleName, endpointName), err)
	}
	return data, err
}

func (c *Client) doCall(ctx context.Context, token, moduleName, endpointName string, params any) (json.RawMessage, error) {
	envelope := CallEnvelope{
		BundleVersion: c.bundle.Version(ctx),
		Requests: []CallRequest{{
			ModuleName:   moduleName,
			EndpointName: endpointName,
			Parameters:   params,
		}},
	}

	respBody, err := c.doPost(ctx, "/api/calls", token, envelope, shared.ErrSessionExpired)
	if err != nil {
		return nil, err
	}

	var response CallResponse
	if err := json.Unmarshal(respBody, &response); err != nil {
		// An undecodable 200 is the classic stale-bundle symptom: the
		// portal answers the envelope with an HTML error page.
		return nil, shared.WrapError("portal", "Call", shared.ErrBundleVersionStale,
			fmt.Sprintf("%s/%s: undecodable response", moduleName, endpointName), err)
	}
	if len(response.Results) == 0 {
		return nil, shared.NewDomainError("portal", "Call", shared.ErrMalformedResponse,
			fmt.Sprintf("%s/%s: response carries no results", moduleName, endpointName))
	}

	result := response.Results[0]
	switch {
	case result.Status == http.StatusUnauthorized:
		return nil, shared.NewDomainError("portal", "Call", shared.ErrSessionExpired,
			fmt.Sprintf("%s/%s: request-level 401", moduleName, endpointName))

	case result.Status != http.StatusOK && bundleRejected(result):
		return nil, shared.NewDomainError("portal", "Call", shared.ErrBundleVersionStale,
			fmt.Sprintf("%s/%s: status %d blames bundle version", moduleName, endpointName, result.Status))

	case result.Status != http.StatusOK:
		return nil, shared.NewDomainError("portal", "Call", shared.ErrMalformedResponse,
			fmt.Sprintf("%s/%s: request-level status %d", moduleName, endpointName, result.Status))
	}

	return result.Data, nil
}

// bundleRejected reports whether a failed request blames the bundle version.
// The portal is not consistent about where the hint lands.
func bundleRejected(result CallResult) bool {
	if strings.Contains(strings.ToLower(result.Error), "bundle") {
		return true
	}
	return strings.Contains(strings.ToLower(string(result.Data)), "bundle")
}

// ══════════════════════════════════════════════════════════════════════════════
// HTTP REQUEST HELPERS
// ══════════════════════════════════════════════════════════════════════════════

// doPost performs an HTTP POST with rate limiting, circuit breaking, and
// retries. on401 is the sentinel a 401 maps to: bad credentials on the login
// endpoints, an expired session on /api/calls.
func (c *Client) doPost(ctx context.Context, path, token string, body any, on401 error) ([]byte, error) {
	if err := c.circuitBreaker.Allow(); err != nil {
		return nil, fmt.Errorf("circuit breaker: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= c.config.RetryConfig.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := c.config.RetryConfig.CalculateBackoff(attempt)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}

		if err := c.rateLimiter.Allow(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter: %w", err)
		}

		respBody, err := c.postOnce(ctx, path, token, body, on401)
		if err == nil {
			c.circuitBreaker.RecordSuccess()
			return respBody, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		lastErr = err

		if !c.isRetryable(err) {
			// 401s say nothing about portal health
			if !errors.Is(err, shared.ErrSessionExpired) && !shared.IsAuthentication(err) {
				c.circuitBreaker.RecordFailure()
			}
			return nil, err
		}

		var rateLimitErr *RateLimitError
		if errors.As(err, &rateLimitErr) {
			c.rateLimiter.RecordRateLimitHit(rateLimitErr.RetryAfter)
		}
	}

	c.circuitBreaker.RecordFailure()
	return nil, c.classifyExhausted(path, lastErr)
}

// postOnce performs a single HTTP POST against the portal.
func (c *Client) postOnce(ctx context.Context, path, token string, body any, on401 error) ([]byte, error) {
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL+path, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	c.setHeaders(req, token)

	if c.config.Debug {
		c.logger.Debug("portal request", "path", path, "bytes", len(jsonBody))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, shared.NewDomainError("portal", "Post", on401,
			fmt.Sprintf("%s answered 401", path))

	case resp.StatusCode == http.StatusTooManyRequests:
		retryAfter := c.config.RateLimiterConfig.RetryAfter
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if seconds, err := strconv.Atoi(ra); err == nil {
				retryAfter = time.Duration(seconds) * time.Second
			}
		}
		return nil, &RateLimitError{
			RetryAfter: retryAfter,
			Message:    "portal rate limit on " + path,
		}

	case resp.StatusCode >= 400:
		return nil, &APIError{StatusCode: resp.StatusCode, Body: truncateBody(respBody)}
	}

	return respBody, nil
}

func (c *Client) setHeaders(req *http.Request, token string) {
	req.Header.Set("User-Agent", c.userAgent())
	req.Header.Set("Content-Type", contentTypeJSON)
	req.Header.Set("Accept", acceptJSON)
	req.Header.Set("Accept-Language", acceptLanguage)
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("Pragma", "no-cache")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
}

func (c *Client) userAgent() string {
	if c.config.UserAgent != "" {
		return c.config.UserAgent
	}
	return defaultUserAgent
}

// APIError is an HTTP-level error response from the portal.
type APIError struct {
	StatusCode int
	Body       string
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("portal status %d: %s", e.StatusCode, e.Body)
	}
	return fmt.Sprintf("portal status %d", e.StatusCode)
}

// Transient reports whether retrying can help.
func (e *APIError) Transient() bool {
	return e.StatusCode >= 500
}

// isRetryable checks if an error is worth another attempt.
func (c *Client) isRetryable(err error) bool {
	if err == nil {
		return false
	}

	var rateLimitErr *RateLimitError
	if errors.As(err, &rateLimitErr) {
		return true
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Transient()
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	return containsAny(err.Error(), "timeout", "connection refused", "temporary", "reset", "EOF", "no such host")
}

// classifyExhausted maps the last error of an exhausted retry loop onto the
// domain sentinels the refresh layer reports on.
func (c *Client) classifyExhausted(path string, err error) error {
	msg := fmt.Sprintf("%s failed after %d retries", path, c.config.RetryConfig.MaxRetries)

	var rateLimitErr *RateLimitError
	if errors.As(err, &rateLimitErr) {
		return shared.WrapError("portal", "Post", shared.ErrPortalRateLimited, msg, err)
	}

	var netErr net.Error
	if (errors.As(err, &netErr) && netErr.Timeout()) || containsAny(err.Error(), "timeout") {
		return shared.WrapError("portal", "Post", shared.ErrPortalTimeout, msg, err)
	}

	return shared.WrapError("portal", "Post", shared.ErrPortalUnreachable, msg, err)
}

func containsAny(s string, substrings ...string) bool {
	for _, sub := range substrings {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func truncateBody(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 200 {
		return s[:200] + "..."
	}
	return s
}

// ══════════════════════════════════════════════════════════════════════════════
// FETCH OPERATIONS
// ══════════════════════════════════════════════════════════════════════════════

// FetchHomework retrieves the homework records of one student.
func (c *Client) FetchHomework(ctx context.Context, token string, st *student.Student) ([]HomeworkDTO, error) {
	params := homeworkParams{Student: studentRefParam{ID: st.ID.Int64()}}

	data, err := c.Call(ctx, token, "classbook", "get-homework", params)
	if err != nil {
		return nil, fmt.Errorf("fetch homework for student %d: %w", st.ID.Int64(), err)
	}

	var dtos []HomeworkDTO
	if err := json.Unmarshal(data, &dtos); err != nil {
		return nil, shared.WrapError("portal", "FetchHomework", shared.ErrMalformedResponse,
			"undecodable homework payload", err)
	}
	return dtos, nil
}

// FetchLessons retrieves the timetable of one student. The window starts on
// Monday of the current week and spans the clamped number of weeks.
func (c *Client) FetchLessons(ctx context.Context, token string, st *student.Student, weeks int, now time.Time) ([]LessonDTO, error) {
	start, end := timeutil.ScheduleWindow(now, weeks)

	params := scheduleParams{
		Student: scheduleStudentParam{
			ID:        st.ID.Int64(),
			FirstName: st.FirstName,
			LastName:  st.LastName,
			ClassID:   st.ClassID.Int64(),
			Class:     classParam{ID: st.ClassID.Int64()},
		},
		Start: timeutil.FormatDateStr(start),
		End:   timeutil.FormatDateStr(end),
	}

	data, err := c.Call(ctx, token, "schedules", "get-actual-lessons", params)
	if err != nil {
		return nil, fmt.Errorf("fetch lessons for student %d: %w", st.ID.Int64(), err)
	}

	var dtos []LessonDTO
	if err := json.Unmarshal(data, &dtos); err != nil {
		return nil, shared.WrapError("portal", "FetchLessons", shared.ErrMalformedResponse,
			"undecodable lesson payload", err)
	}
	return dtos, nil
}

// FetchExams retrieves upcoming and recent exams of one student, from 30
// days back to 180 days ahead.
func (c *Client) FetchExams(ctx context.Context, token string, st *student.Student, now time.Time) ([]ExamDTO, error) {
	params := examParams{
		Student: examStudentParam{
			ID:        st.ID.Int64(),
			FirstName: st.FirstName,
			LastName:  st.LastName,
			// The endpoint validates the field's presence, not its value
			Sex:     "Male",
			ClassID: st.ClassID.Int64(),
		},
		Start: timeutil.FormatDateStr(now.AddDate(0, 0, -examPastDays)),
		End:   timeutil.FormatDateStr(now.AddDate(0, 0, examFutureDays)),
	}

	data, err := c.Call(ctx, token, "exams", "get-exams", params)
	if err != nil {
		return nil, fmt.Errorf("fetch exams for student %d: %w", st.ID.Int64(), err)
	}

	var dtos []ExamDTO
	if err := json.Unmarshal(data, &dtos); err != nil {
		return nil, shared.WrapError("portal", "FetchExams", shared.ErrMalformedResponse,
			"undecodable exam payload", err)
	}
	return dtos, nil
}

// FetchGrades retrieves the grading information of one student for the
// current school year. termID 0 falls back to DefaultTermID.
func (c *Client) FetchGrades(ctx context.Context, token string, studentID, termID int64, now time.Time) (*GradingInformationDTO, error) {
	if termID == 0 {
		termID = DefaultTermID
	}
	start, end := timeutil.SchoolYearRange(now)

	params := gradesParams{
		StudentID:         studentID,
		TermID:            termID,
		Start:             timeutil.FormatDateStr(start),
		End:               timeutil.FormatDateStr(end),
		GradingPeriodType: "entireYear",
	}

	data, err := c.Call(ctx, token, "grades", "get-grading-information-for-student", params)
	if err != nil {
		return nil, fmt.Errorf("fetch grades for student %d: %w", studentID, err)
	}

	var dto GradingInformationDTO
	if err := json.Unmarshal(data, &dto); err != nil {
		return nil, shared.WrapError("portal", "FetchGrades", shared.ErrMalformedResponse,
			"undecodable grading payload", err)
	}
	return &dto, nil
}

// FetchSubjects retrieves the school's subject catalog, used to resolve the
// subject IDs referenced by grading courses.
func (c *Client) FetchSubjects(ctx context.Context, token string) ([]SubjectDTO, error) {
	params := subjectsParams{
		Action: poqaActionParam{
			Model:  "main/subject",
			Action: "findAll",
			Parameters: []any{map[string]any{
				"attributes": []string{"id", "name", "abbreviation", "orderIndex", "officialKey"},
			}},
		},
		UIState: "main.modules.grades.student",
	}

	data, err := c.Call(ctx, token, "grades", "poqa", params)
	if err != nil {
		return nil, fmt.Errorf("fetch subjects: %w", err)
	}

	// The poqa endpoint answers with either the bare list or a {data: [...]}
	// wrapper, depending on the portal release
	var dtos []SubjectDTO
	if err := json.Unmarshal(data, &dtos); err == nil {
		return dtos, nil
	}
	var wrapped struct {
		Data []SubjectDTO `json:"data"`
	}
	if err := json.Unmarshal(data, &wrapped); err == nil {
		return wrapped.Data, nil
	}

	return nil, shared.NewDomainError("portal", "FetchSubjects", shared.ErrMalformedResponse,
		"undecodable subject catalog")
}

// ══════════════════════════════════════════════════════════════════════════════
// HEALTH AND STATUS
// ══════════════════════════════════════════════════════════════════════════════

// IsHealthy checks whether the portal answers on its index page.
func (c *Client) IsHealthy(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.config.BaseURL+"/", nil)
	if err != nil {
		return false
	}
	req.Header.Set("User-Agent", c.userAgent())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	return resp.StatusCode < 500
}

// ClientStatus is a snapshot of the client's protective machinery.
type ClientStatus struct {
	RateLimiter    RateLimiterStatus
	CircuitBreaker CircuitBreakerStatus
	IsHealthy      bool
}

// Status returns the current status of the client.
func (c *Client) Status(ctx context.Context) ClientStatus {
	return ClientStatus{
		RateLimiter:    c.rateLimiter.Status(),
		CircuitBreaker: c.circuitBreaker.Status(),
		IsHealthy:      c.IsHealthy(ctx),
	}
}

// Reset resets the rate limiter and circuit breaker.
func (c *Client) Reset() {
	c.rateLimiter.Reset()
	c.circuitBreaker.Reset()
}
