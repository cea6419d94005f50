// Package otpgate gates a patient's test results behind a one-time code
// issued and checked by the backend.
//
// A Gate holds at most one session at a time. Every network call runs under
// the session's own context and carries the session generation; a response
// that comes back after its session was replaced, cancelled or closed is
// dropped without touching state.
package otpgate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/pulseiq/portal/internal/platform/apiclient"
	"github.com/pulseiq/portal/internal/platform/metrics"
	"github.com/pulseiq/portal/internal/platform/notice"
)

type Gate struct {
	api      API
	saver    Saver
	notifier Notifier
	logger   zerolog.Logger

	patientID string

	mu      sync.Mutex
	state   State
	sess    Session
	results []TestResult
	gen     uint64
	ctx     context.Context
	cancel  context.CancelFunc
}

func New(patientID string, api API, saver Saver, notifier Notifier, logger zerolog.Logger) *Gate {
	if notifier == nil {
		notifier = notice.Discard
	}
	return &Gate{
		api:       api,
		saver:     saver,
		notifier:  notifier,
		logger:    logger.With().Str("component", "otp_gate").Str("patient_id", patientID).Logger(),
		patientID: patientID,
	}
}

func (g *Gate) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// Session returns a copy of the current session. ok is false when Idle.
func (g *Gate) Session() (Session, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.sess, g.state != Idle
}

// Results returns a copy of the unlocked list, or nil unless Unlocked.
func (g *Gate) Results() []TestResult {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state != Unlocked {
		return nil
	}
	out := make([]TestResult, len(g.results))
	copy(out, g.results)
	return out
}

// TestTypes lists the patient's test types. It does not touch the session.
func (g *Gate) TestTypes(ctx context.Context) ([]string, error) {
	types, err := g.api.TestTypes(ctx, g.patientID)
	if err != nil {
		g.notify(LevelError, "Error", "Failed to fetch test types")
		return nil, fmt.Errorf("list test types: %w", err)
	}
	return types, nil
}

// Select starts a new session for testType and dispatches a code. Any
// previous session is discarded first and its in-flight calls cancelled.
func (g *Gate) Select(ctx context.Context, testType string) error {
	testType = strings.TrimSpace(testType)
	if testType == "" {
		return ErrNoTestType
	}

	g.mu.Lock()
	gen, sctx := g.resetLocked()
	g.sess = Session{PatientID: g.patientID, TestType: testType}
	g.state = Requesting
	g.mu.Unlock()
	metrics.RecordGateTransition(Requesting.String(), "ok")

	cctx, done := bind(ctx, sctx)
	err := g.api.RequestCode(cctx, g.patientID, testType)
	done()

	g.mu.Lock()
	if gen != g.gen {
		g.mu.Unlock()
		return ErrSessionDiscarded
	}
	if err != nil {
		g.discardLocked()
		g.mu.Unlock()
		metrics.RecordGateTransition(Idle.String(), "request_failed")
		g.notify(LevelError, "Error", requestFailureMessage(err, testType))
		return fmt.Errorf("request code for %s: %w", testType, err)
	}
	g.sess.OTPRequested = true
	g.state = AwaitingCode
	g.mu.Unlock()

	metrics.RecordGateTransition(AwaitingCode.String(), "ok")
	g.notify(LevelSuccess, "OTP Sent", fmt.Sprintf("Verification code sent to patient for %s results", testType))
	return nil
}

// SetCode records the code the user typed. It is only accepted while a code
// is awaited.
func (g *Gate) SetCode(code string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state != AwaitingCode {
		return ErrWrongState
	}
	g.sess.OTPValue = code
	return nil
}

// Verify submits the entered code. An empty code is rejected without a
// network call. On rejection the gate stays AwaitingCode with the code kept
// for correction. On success the results for the verified pair are fetched
// and the gate unlocks.
func (g *Gate) Verify(ctx context.Context) error {
	g.mu.Lock()
	if g.state != AwaitingCode {
		g.mu.Unlock()
		return ErrWrongState
	}
	code := strings.TrimSpace(g.sess.OTPValue)
	if code == "" {
		g.mu.Unlock()
		g.notify(LevelError, "Error", "Please enter the OTP")
		return ErrEmptyCode
	}
	g.state = Verifying
	gen, sctx, testType := g.gen, g.ctx, g.sess.TestType
	g.mu.Unlock()
	metrics.RecordGateTransition(Verifying.String(), "ok")

	cctx, done := bind(ctx, sctx)
	err := g.api.VerifyCode(cctx, g.patientID, testType, code)
	done()

	g.mu.Lock()
	if gen != g.gen {
		g.mu.Unlock()
		return ErrSessionDiscarded
	}
	if err != nil {
		g.state = AwaitingCode
		g.mu.Unlock()
		metrics.RecordGateTransition(AwaitingCode.String(), "verify_failed")
		g.notify(LevelError, "Error", verifyFailureMessage(err))
		return fmt.Errorf("verify code for %s: %w", testType, err)
	}
	g.sess.Verified = true
	g.mu.Unlock()

	return g.load(ctx, sctx, gen, testType)
}

// Reload refetches the unlocked list for the verified pair.
func (g *Gate) Reload(ctx context.Context) error {
	g.mu.Lock()
	if g.state != Unlocked {
		g.mu.Unlock()
		return ErrLocked
	}
	gen, sctx, testType := g.gen, g.ctx, g.sess.TestType
	g.mu.Unlock()
	return g.load(ctx, sctx, gen, testType)
}

// load fetches results and unlocks. A fetch failure still unlocks, with an
// empty list, since the code has already been consumed; Reload can retry.
func (g *Gate) load(ctx, sctx context.Context, gen uint64, testType string) error {
	cctx, done := bind(ctx, sctx)
	results, err := g.api.ResultsByType(cctx, g.patientID, testType)
	done()

	g.mu.Lock()
	if gen != g.gen {
		g.mu.Unlock()
		return ErrSessionDiscarded
	}
	g.state = Unlocked
	g.sess.OTPValue = ""
	g.sess.OTPRequested = false
	if err != nil {
		g.results = nil
		g.mu.Unlock()
		metrics.RecordGateTransition(Unlocked.String(), "fetch_failed")
		g.notify(LevelError, "Error", fmt.Sprintf("Failed to fetch %s results", testType))
		return fmt.Errorf("fetch %s results: %w", testType, err)
	}
	g.results = filterType(results, testType)
	n := len(g.results)
	g.mu.Unlock()

	metrics.RecordGateTransition(Unlocked.String(), "ok")
	g.notify(LevelSuccess, "Success", fmt.Sprintf("Loaded %d %s test results", n, testType))
	return nil
}

// Cancel abandons a pending session. The backend is told on a best-effort
// basis; a failure there is logged and the gate still returns to Idle.
func (g *Gate) Cancel(ctx context.Context) {
	g.mu.Lock()
	pending := g.state == Requesting || g.state == AwaitingCode || g.state == Verifying
	testType := g.sess.TestType
	g.discardLocked()
	g.mu.Unlock()

	if !pending {
		return
	}
	metrics.RecordGateTransition(Idle.String(), "cancelled")
	if err := g.api.CancelCode(ctx, g.patientID, testType); err != nil {
		g.logger.Warn().Err(err).Str("test_type", testType).Msg("cancel code failed")
	}
}

// Close tears the gate down to Idle from any state, dropping the cached
// results. Viewing again requires a fresh code.
func (g *Gate) Close() {
	g.mu.Lock()
	was := g.state
	g.discardLocked()
	g.mu.Unlock()
	if was != Idle {
		metrics.RecordGateTransition(Idle.String(), "closed")
	}
}

// Download fetches the report for testID and saves it as filename (or the
// result's own file name when empty). Only results in the unlocked list
// can be downloaded. Returns the saved path.
func (g *Gate) Download(ctx context.Context, testID int64, filename string) (string, error) {
	g.mu.Lock()
	if g.state != Unlocked {
		g.mu.Unlock()
		return "", ErrLocked
	}
	var found *TestResult
	for i := range g.results {
		if g.results[i].TestID == testID {
			r := g.results[i]
			found = &r
			break
		}
	}
	gen, sctx := g.gen, g.ctx
	g.mu.Unlock()

	if found == nil {
		return "", ErrUnknownResult
	}
	if strings.TrimSpace(filename) == "" {
		filename = found.PDFFilename
	}
	if strings.TrimSpace(filename) == "" {
		filename = fmt.Sprintf("test-%d.pdf", testID)
	}

	cctx, done := bind(ctx, sctx)
	defer done()
	body, err := g.api.Download(cctx, testID)
	if err != nil {
		g.notify(LevelError, "Error", "Failed to download test result")
		return "", fmt.Errorf("download test %d: %w", testID, err)
	}
	h, err := g.saver.Stage(body)
	body.Close()
	if err != nil {
		g.notify(LevelError, "Error", "Failed to download test result")
		return "", err
	}
	defer func() {
		if err := g.saver.Release(h); err != nil {
			g.logger.Warn().Err(err).Int64("test_id", testID).Msg("release staged download failed")
		}
	}()

	g.mu.Lock()
	live := gen == g.gen
	g.mu.Unlock()
	if !live {
		return "", ErrSessionDiscarded
	}

	path, err := g.saver.Commit(h, filename)
	if err != nil {
		g.notify(LevelError, "Error", "Failed to download test result")
		return "", err
	}
	g.notify(LevelSuccess, "Success", "Downloaded "+filename)
	return path, nil
}

// resetLocked discards the current session and opens a new generation.
func (g *Gate) resetLocked() (uint64, context.Context) {
	g.discardLocked()
	g.ctx, g.cancel = context.WithCancel(context.Background())
	return g.gen, g.ctx
}

// bind derives a call context from the caller's ctx that is also cancelled
// when the session ends.
func bind(ctx, session context.Context) (context.Context, func()) {
	cctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(session, cancel)
	return cctx, func() {
		stop()
		cancel()
	}
}

func (g *Gate) discardLocked() {
	if g.cancel != nil {
		g.cancel()
	}
	g.gen++
	g.ctx, g.cancel = context.Background(), nil
	g.state = Idle
	g.sess = Session{}
	g.results = nil
}

func (g *Gate) notify(level, title, msg string) {
	g.notifier.Notify(Notice{Level: level, Title: title, Message: msg})
}

// filterType keeps only results of testType, so a misbehaving backend cannot
// show one type's reports under another's unlock.
func filterType(results []TestResult, testType string) []TestResult {
	out := make([]TestResult, 0, len(results))
	for _, r := range results {
		if r.TestType == "" || r.TestType == testType {
			out = append(out, r)
		}
	}
	return out
}

// A backend rejection shows the server's text; a transport failure gets the
// generic message.
func requestFailureMessage(err error, testType string) string {
	var apiErr *apiclient.Error
	if errors.As(err, &apiErr) {
		return apiErr.Message("Failed to send OTP for " + testType)
	}
	return "Failed to request OTP for " + testType
}

func verifyFailureMessage(err error) string {
	var apiErr *apiclient.Error
	if errors.As(err, &apiErr) {
		return apiErr.Message("Invalid or expired OTP")
	}
	return "Failed to verify OTP"
}
