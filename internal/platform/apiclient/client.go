// Package apiclient is the HTTP/JSON client for the PulseIQ REST backend.
// It performs no retries and no request de-duplication; every call runs to
// completion or failure unless its context is cancelled.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/pulseiq/portal/internal/platform/metrics"
	"github.com/pulseiq/portal/pkg/portalmodels"
)

// maxErrorBody caps how much of a failed response body is kept for display.
const maxErrorBody = 4096

// Error is returned for any non-2xx response. Body holds the plain-text or
// JSON error body the backend sent, if any.
type Error struct {
	Operation string
	Status    int
	Body      string
}

func (e *Error) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("%s: status %d: %s", e.Operation, e.Status, e.Body)
	}
	return fmt.Sprintf("%s: status %d", e.Operation, e.Status)
}

// Message returns the server-supplied message, or fallback when the body was
// empty.
func (e *Error) Message(fallback string) string {
	if e.Body == "" {
		return fallback
	}
	return e.Body
}

// ErrorMessage extracts the user-facing text of err: the backend body for an
// *Error, fallback for anything else (transport failures, decode errors).
func ErrorMessage(err error, fallback string) string {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Message(fallback)
	}
	return fallback
}

// IsStatus reports whether err is an *Error with the given status code.
func IsStatus(err error, status int) bool {
	var apiErr *Error
	return errors.As(err, &apiErr) && apiErr.Status == status
}

// TokenFunc supplies the bearer token for a call. An empty token sends the
// request unauthenticated.
type TokenFunc func(ctx context.Context) (string, error)

// Options configures a Client.
type Options struct {
	BaseURL string
	Timeout time.Duration
	Token   TokenFunc
	Logger  zerolog.Logger
	// HTTPClient overrides the underlying client, mainly for tests.
	HTTPClient *http.Client
}

// Client talks to the backend.
type Client struct {
	baseURL string
	http    *http.Client
	token   TokenFunc
	logger  zerolog.Logger
}

// New builds a Client. A zero Timeout leaves the transport default in place.
func New(opts Options) *Client {
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: opts.Timeout}
	}
	return &Client{
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		http:    hc,
		token:   opts.Token,
		logger:  opts.Logger,
	}
}

func (c *Client) do(ctx context.Context, op, method, path string, body, out interface{}) error {
	resp, err := c.send(ctx, op, method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decode response: %w", op, err)
	}
	return nil
}

// send issues the request and returns the response only for 2xx statuses.
// The caller owns the body.
func (c *Client) send(ctx context.Context, op, method, path string, body interface{}) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("%s: encode request: %w", op, err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("%s: build request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != nil {
		tok, err := c.token(ctx)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		if tok != "" {
			req.Header.Set("Authorization", "Bearer "+tok)
		}
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		metrics.RecordAPIRequest(op, 0, time.Since(start))
		c.logger.Debug().Err(err).Str("op", op).Str("path", path).Msg("backend call failed")
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	metrics.RecordAPIRequest(op, resp.StatusCode, time.Since(start))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		c.logger.Debug().Str("op", op).Int("status", resp.StatusCode).Msg("backend rejected call")
		return nil, &Error{Operation: op, Status: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}
	return resp, nil
}

func testTypePath(patientID, testType string) string {
	return "/api/test-results/patient/" + url.PathEscape(patientID) + "/test-type/" + url.PathEscape(testType)
}

// ---------------------------------------------------------------------------
// Auth
// ---------------------------------------------------------------------------

// Login exchanges credentials for a token and profile.
func (c *Client) Login(ctx context.Context, identifier, password string) (*portalmodels.LoginResponse, error) {
	var out portalmodels.LoginResponse
	req := portalmodels.LoginRequest{Identifier: identifier, Password: password}
	if err := c.do(ctx, "login", http.MethodPost, "/api/auth/login", req, &out); err != nil {
		return nil, err
	}
	if out.Token == "" {
		return nil, fmt.Errorf("login: response carried no token")
	}
	return &out, nil
}

// ---------------------------------------------------------------------------
// Test results and OTP
// ---------------------------------------------------------------------------

// TestTypes lists the test-type labels that have results for the patient.
func (c *Client) TestTypes(ctx context.Context, patientID string) ([]string, error) {
	var out []string
	path := "/api/test-results/patient/" + url.PathEscape(patientID) + "/test-types"
	if err := c.do(ctx, "test_types", http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// RequestCode asks the backend to dispatch a one-time code for the pair.
// Each call may invalidate a previously dispatched code.
func (c *Client) RequestCode(ctx context.Context, patientID, testType string) error {
	return c.do(ctx, "request_otp", http.MethodPost, testTypePath(patientID, testType)+"/request-otp", nil, nil)
}

// VerifyCode submits the code for the pair.
func (c *Client) VerifyCode(ctx context.Context, patientID, testType, otp string) error {
	body := portalmodels.VerifyOTPRequest{OTP: otp}
	return c.do(ctx, "verify_otp", http.MethodPost, testTypePath(patientID, testType)+"/verify-otp", body, nil)
}

// CancelCode tells the backend the pending code is no longer wanted.
func (c *Client) CancelCode(ctx context.Context, patientID, testType string) error {
	return c.do(ctx, "cancel_otp", http.MethodPost, testTypePath(patientID, testType)+"/cancel-otp", nil, nil)
}

// ResultsByType fetches the results of one type for the patient.
func (c *Client) ResultsByType(ctx context.Context, patientID, testType string) ([]portalmodels.TestResult, error) {
	var out []portalmodels.TestResult
	if err := c.do(ctx, "results_by_type", http.MethodGet, testTypePath(patientID, testType), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Download streams the report PDF. The caller must close the reader.
func (c *Client) Download(ctx context.Context, testID int64) (io.ReadCloser, error) {
	path := fmt.Sprintf("/api/test-results/%d/download-with-otp", testID)
	resp, err := c.send(ctx, "download", http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

// ---------------------------------------------------------------------------
// Appointments
// ---------------------------------------------------------------------------

func (c *Client) UpcomingAppointments(ctx context.Context) ([]portalmodels.Appointment, error) {
	var out []portalmodels.Appointment
	if err := c.do(ctx, "upcoming_appointments", http.MethodGet, "/api/appointments/upcoming", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Admin
// ---------------------------------------------------------------------------

func (c *Client) listUsers(ctx context.Context, queue string) ([]portalmodels.User, error) {
	var out []portalmodels.User
	if err := c.do(ctx, "admin_"+queue, http.MethodGet, "/api/admin/"+queue, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) PendingUsers(ctx context.Context) ([]portalmodels.User, error) {
	return c.listUsers(ctx, "pending")
}

func (c *Client) ApprovedUsers(ctx context.Context) ([]portalmodels.User, error) {
	return c.listUsers(ctx, "approved")
}

func (c *Client) RejectedUsers(ctx context.Context) ([]portalmodels.User, error) {
	return c.listUsers(ctx, "rejected")
}

func (c *Client) ApproveUser(ctx context.Context, userID string) error {
	return c.do(ctx, "admin_approve", http.MethodPost, "/api/admin/approve/"+url.PathEscape(userID), nil, nil)
}

func (c *Client) RejectUser(ctx context.Context, userID string) error {
	return c.do(ctx, "admin_reject", http.MethodPost, "/api/admin/reject/"+url.PathEscape(userID), nil, nil)
}
