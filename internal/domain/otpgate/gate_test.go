package otpgate

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/pulseiq/portal/internal/platform/apiclient"
)

// fakeAPI records calls and answers from per-operation hooks.
type fakeAPI struct {
	mu    sync.Mutex
	calls []string

	requestErr error
	verifyErr  error
	cancelErr  error
	resultsErr error

	// results per test type
	results map[string][]TestResult
	payload []byte

	// block, when set, holds RequestCode until released.
	block chan struct{}
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		results: map[string][]TestResult{
			"BLOOD": {{TestID: 1, TestName: "CBC", TestType: "BLOOD", PDFFilename: "cbc.pdf"}},
			"XRAY":  {{TestID: 2, TestName: "Chest", TestType: "XRAY", PDFFilename: "chest.pdf"}},
		},
		payload: []byte("%PDF-1.4"),
	}
}

func (f *fakeAPI) record(call string) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
}

func (f *fakeAPI) count(call string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == call {
			n++
		}
	}
	return n
}

func (f *fakeAPI) TestTypes(ctx context.Context, patientID string) ([]string, error) {
	f.record("types")
	return []string{"BLOOD", "XRAY"}, nil
}

func (f *fakeAPI) RequestCode(ctx context.Context, patientID, testType string) error {
	f.record("request")
	if f.block != nil {
		<-f.block
	}
	return f.requestErr
}

func (f *fakeAPI) VerifyCode(ctx context.Context, patientID, testType, otp string) error {
	f.record("verify")
	if f.verifyErr != nil {
		return f.verifyErr
	}
	if otp == "000000" {
		return &apiclient.Error{Operation: "verify code", Status: http.StatusBadRequest}
	}
	return nil
}

func (f *fakeAPI) CancelCode(ctx context.Context, patientID, testType string) error {
	f.record("cancel")
	return f.cancelErr
}

func (f *fakeAPI) ResultsByType(ctx context.Context, patientID, testType string) ([]TestResult, error) {
	f.record("results")
	if f.resultsErr != nil {
		return nil, f.resultsErr
	}
	return f.results[testType], nil
}

func (f *fakeAPI) Download(ctx context.Context, testID int64) (io.ReadCloser, error) {
	f.record("download")
	return io.NopCloser(bytes.NewReader(f.payload)), nil
}

type fakeSaver struct {
	mu        sync.Mutex
	stages    int
	releases  int
	committed map[string][]byte
	staged    map[string][]byte
	commitErr error
}

func newFakeSaver() *fakeSaver {
	return &fakeSaver{committed: map[string][]byte{}, staged: map[string][]byte{}}
}

func (s *fakeSaver) Stage(payload io.Reader) (Handle, error) {
	b, err := io.ReadAll(payload)
	if err != nil {
		return Handle{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stages++
	id := string(rune('a' + s.stages))
	s.staged[id] = b
	return Handle{ID: id}, nil
}

func (s *fakeSaver) Commit(h Handle, filename string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.commitErr != nil {
		return "", s.commitErr
	}
	s.committed[filename] = s.staged[h.ID]
	return "/downloads/" + filename, nil
}

func (s *fakeSaver) Release(h Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.releases++
	delete(s.staged, h.ID)
	return nil
}

type recordingNotifier struct {
	mu      sync.Mutex
	notices []Notice
}

func (r *recordingNotifier) Notify(n Notice) {
	r.mu.Lock()
	r.notices = append(r.notices, n)
	r.mu.Unlock()
}

func (r *recordingNotifier) last() Notice {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.notices) == 0 {
		return Notice{}
	}
	return r.notices[len(r.notices)-1]
}

func (r *recordingNotifier) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.notices)
}

func newTestGate() (*Gate, *fakeAPI, *fakeSaver, *recordingNotifier) {
	api := newFakeAPI()
	saver := newFakeSaver()
	n := &recordingNotifier{}
	return New("P001", api, saver, n, zerolog.Nop()), api, saver, n
}

func unlock(t *testing.T, g *Gate, testType string) {
	t.Helper()
	ctx := context.Background()
	if err := g.Select(ctx, testType); err != nil {
		t.Fatalf("select: %v", err)
	}
	if err := g.SetCode("123456"); err != nil {
		t.Fatalf("set code: %v", err)
	}
	if err := g.Verify(ctx); err != nil {
		t.Fatalf("verify: %v", err)
	}
}

// ----- Select tests -----

func TestSelect_Success(t *testing.T) {
	g, api, _, n := newTestGate()
	if err := g.Select(context.Background(), "BLOOD"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if g.State() != AwaitingCode {
		t.Fatalf("expected awaiting_code, got %s", g.State())
	}
	sess, ok := g.Session()
	if !ok || !sess.OTPRequested || sess.TestType != "BLOOD" || sess.PatientID != "P001" {
		t.Errorf("unexpected session: %+v", sess)
	}
	if api.count("request") != 1 {
		t.Errorf("expected 1 request call, got %d", api.count("request"))
	}
	want := Notice{Level: LevelSuccess, Title: "OTP Sent", Message: "Verification code sent to patient for BLOOD results"}
	if n.last() != want {
		t.Errorf("expected %+v, got %+v", want, n.last())
	}
}

func TestSelect_FailureReturnsToIdle(t *testing.T) {
	g, api, _, n := newTestGate()
	api.requestErr = &apiclient.Error{Operation: "request code", Status: 429, Body: "Too many requests"}
	if err := g.Select(context.Background(), "BLOOD"); err == nil {
		t.Fatal("expected error")
	}
	if g.State() != Idle {
		t.Fatalf("expected idle, got %s", g.State())
	}
	if _, ok := g.Session(); ok {
		t.Error("expected session to be discarded")
	}
	if n.last().Message != "Too many requests" {
		t.Errorf("expected server message, got %q", n.last().Message)
	}
}

func TestSelect_FailureMessages(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"empty body", &apiclient.Error{Operation: "request code", Status: 500}, "Failed to send OTP for BLOOD"},
		{"transport", errors.New("connection refused"), "Failed to request OTP for BLOOD"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, api, _, n := newTestGate()
			api.requestErr = tt.err
			_ = g.Select(context.Background(), "BLOOD")
			if n.last().Level != LevelError || n.last().Message != tt.want {
				t.Errorf("expected %q, got %+v", tt.want, n.last())
			}
		})
	}
}

func TestSelect_EmptyTestType(t *testing.T) {
	g, api, _, _ := newTestGate()
	if err := g.Select(context.Background(), "  "); !errors.Is(err, ErrNoTestType) {
		t.Fatalf("expected ErrNoTestType, got %v", err)
	}
	if api.count("request") != 0 {
		t.Error("expected no network call")
	}
}

func TestSelect_NewSelectionResetsOTPRequested(t *testing.T) {
	g, api, _, _ := newTestGate()
	ctx := context.Background()
	_ = g.Select(ctx, "BLOOD")
	_ = g.SetCode("111111")

	api.requestErr = errors.New("down")
	_ = g.Select(ctx, "XRAY")
	sess, _ := g.Session()
	if sess.OTPRequested || sess.OTPValue != "" {
		t.Errorf("expected fresh session, got %+v", sess)
	}
}

// ----- Verify tests -----

func TestVerify_EmptyCodeNoNetworkCall(t *testing.T) {
	g, api, _, n := newTestGate()
	ctx := context.Background()
	_ = g.Select(ctx, "BLOOD")
	_ = g.SetCode("   ")

	if err := g.Verify(ctx); !errors.Is(err, ErrEmptyCode) {
		t.Fatalf("expected ErrEmptyCode, got %v", err)
	}
	if api.count("verify") != 0 {
		t.Errorf("expected no verify call, got %d", api.count("verify"))
	}
	if g.State() != AwaitingCode {
		t.Errorf("expected awaiting_code, got %s", g.State())
	}
	if n.last().Message != "Please enter the OTP" {
		t.Errorf("unexpected notice: %+v", n.last())
	}
}

func TestVerify_RejectedKeepsCode(t *testing.T) {
	g, _, _, n := newTestGate()
	ctx := context.Background()
	_ = g.Select(ctx, "BLOOD")
	_ = g.SetCode("000000")

	if err := g.Verify(ctx); err == nil {
		t.Fatal("expected error")
	}
	if g.State() != AwaitingCode {
		t.Fatalf("expected awaiting_code, got %s", g.State())
	}
	sess, _ := g.Session()
	if sess.OTPValue != "000000" || !sess.OTPRequested || sess.Verified {
		t.Errorf("unexpected session after rejection: %+v", sess)
	}
	if g.Results() != nil {
		t.Error("expected no results while locked")
	}
	if n.last().Message != "Invalid or expired OTP" {
		t.Errorf("expected generic message, got %q", n.last().Message)
	}
}

func TestVerify_ServerMessageSurfaced(t *testing.T) {
	g, api, _, n := newTestGate()
	ctx := context.Background()
	_ = g.Select(ctx, "BLOOD")
	_ = g.SetCode("123456")
	api.verifyErr = &apiclient.Error{Operation: "verify code", Status: 400, Body: "OTP expired"}

	_ = g.Verify(ctx)
	if n.last().Message != "OTP expired" {
		t.Errorf("expected server body, got %q", n.last().Message)
	}
}

func TestVerify_TransportFailure(t *testing.T) {
	g, api, _, n := newTestGate()
	ctx := context.Background()
	_ = g.Select(ctx, "BLOOD")
	_ = g.SetCode("123456")
	api.verifyErr = errors.New("timeout")

	_ = g.Verify(ctx)
	if n.last().Message != "Failed to verify OTP" {
		t.Errorf("unexpected message %q", n.last().Message)
	}
}

func TestVerify_SuccessUnlocks(t *testing.T) {
	g, _, _, n := newTestGate()
	unlock(t, g, "BLOOD")

	if g.State() != Unlocked {
		t.Fatalf("expected unlocked, got %s", g.State())
	}
	sess, _ := g.Session()
	if !sess.Verified || sess.OTPRequested || sess.OTPValue != "" {
		t.Errorf("unexpected session after unlock: %+v", sess)
	}
	results := g.Results()
	if len(results) != 1 || results[0].TestID != 1 {
		t.Errorf("unexpected results: %+v", results)
	}
	if n.last().Message != "Loaded 1 BLOOD test results" {
		t.Errorf("unexpected notice %q", n.last().Message)
	}
}

func TestVerify_FetchFailureStillUnlocks(t *testing.T) {
	g, api, _, n := newTestGate()
	api.resultsErr = errors.New("boom")
	ctx := context.Background()
	_ = g.Select(ctx, "BLOOD")
	_ = g.SetCode("123456")

	if err := g.Verify(ctx); err == nil {
		t.Fatal("expected fetch error")
	}
	if g.State() != Unlocked {
		t.Fatalf("expected unlocked, got %s", g.State())
	}
	if len(g.Results()) != 0 {
		t.Error("expected empty results")
	}
	if n.last().Message != "Failed to fetch BLOOD results" {
		t.Errorf("unexpected notice %q", n.last().Message)
	}

	api.resultsErr = nil
	if err := g.Reload(ctx); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if len(g.Results()) != 1 {
		t.Error("expected results after reload")
	}
}

func TestVerify_WrongState(t *testing.T) {
	g, _, _, _ := newTestGate()
	if err := g.Verify(context.Background()); !errors.Is(err, ErrWrongState) {
		t.Fatalf("expected ErrWrongState, got %v", err)
	}
	if err := g.SetCode("1"); !errors.Is(err, ErrWrongState) {
		t.Fatalf("expected ErrWrongState, got %v", err)
	}
}

// ----- Isolation tests -----

func TestResults_NoLeakAcrossTestTypes(t *testing.T) {
	g, api, _, _ := newTestGate()
	unlock(t, g, "BLOOD")

	api.block = make(chan struct{})
	done := make(chan error, 1)
	go func() { done <- g.Select(context.Background(), "XRAY") }()

	// While XRAY is pending, nothing of BLOOD may be visible.
	for g.State() != Requesting {
	}
	if g.Results() != nil {
		t.Error("expected no results during new selection")
	}
	close(api.block)
	<-done
	if g.Results() != nil {
		t.Error("expected no results before XRAY is verified")
	}
	if _, err := g.Download(context.Background(), 1, ""); !errors.Is(err, ErrLocked) {
		t.Errorf("expected ErrLocked, got %v", err)
	}
}

func TestResults_FilteredByType(t *testing.T) {
	g, api, _, _ := newTestGate()
	api.results["BLOOD"] = append(api.results["BLOOD"], TestResult{TestID: 9, TestType: "XRAY"})
	unlock(t, g, "BLOOD")
	for _, r := range g.Results() {
		if r.TestType != "BLOOD" {
			t.Errorf("unexpected result of type %s", r.TestType)
		}
	}
}

// ----- Late response tests -----

func TestLateResponse_DroppedAfterCancel(t *testing.T) {
	g, api, _, n := newTestGate()
	api.block = make(chan struct{})

	done := make(chan error, 1)
	go func() { done <- g.Select(context.Background(), "BLOOD") }()
	for g.State() != Requesting {
	}
	g.Cancel(context.Background())
	before := n.len()
	close(api.block)

	if err := <-done; !errors.Is(err, ErrSessionDiscarded) {
		t.Fatalf("expected ErrSessionDiscarded, got %v", err)
	}
	if g.State() != Idle {
		t.Errorf("expected idle, got %s", g.State())
	}
	if n.len() != before {
		t.Error("expected no notice from discarded session")
	}
}

func TestLateResponse_DroppedAfterReselect(t *testing.T) {
	g, api, _, _ := newTestGate()
	api.block = make(chan struct{})

	first := make(chan error, 1)
	go func() { first <- g.Select(context.Background(), "BLOOD") }()
	for g.State() != Requesting {
	}

	// Second selection replaces the first session; release both calls.
	second := make(chan error, 1)
	go func() { second <- g.Select(context.Background(), "XRAY") }()
	for api.count("request") != 2 {
	}
	close(api.block)

	if err := <-first; !errors.Is(err, ErrSessionDiscarded) {
		t.Fatalf("expected first selection discarded, got %v", err)
	}
	if err := <-second; err != nil {
		t.Fatalf("second selection: %v", err)
	}
	sess, _ := g.Session()
	if sess.TestType != "XRAY" {
		t.Errorf("expected XRAY session, got %s", sess.TestType)
	}
}

// ----- Cancel and Close tests -----

func TestCancel_BestEffort(t *testing.T) {
	g, api, _, n := newTestGate()
	api.cancelErr = errors.New("gone")
	_ = g.Select(context.Background(), "BLOOD")
	before := n.len()

	g.Cancel(context.Background())
	if g.State() != Idle {
		t.Fatalf("expected idle, got %s", g.State())
	}
	if api.count("cancel") != 1 {
		t.Errorf("expected 1 cancel call, got %d", api.count("cancel"))
	}
	if n.len() != before {
		t.Error("cancel failure must not be surfaced")
	}
	if err := g.Select(context.Background(), "BLOOD"); err != nil {
		t.Fatalf("reselect: %v", err)
	}
}

func TestCancel_IdleNoCall(t *testing.T) {
	g, api, _, _ := newTestGate()
	g.Cancel(context.Background())
	if api.count("cancel") != 0 {
		t.Error("expected no cancel call from idle")
	}
}

func TestClose_DropsResults(t *testing.T) {
	g, _, _, _ := newTestGate()
	unlock(t, g, "BLOOD")
	g.Close()
	if g.State() != Idle || g.Results() != nil {
		t.Errorf("expected idle with no results, got %s", g.State())
	}
	g.Close()
}

// ----- Download tests -----

func TestDownload_Success(t *testing.T) {
	g, _, saver, n := newTestGate()
	unlock(t, g, "BLOOD")

	path, err := g.Download(context.Background(), 1, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if path != "/downloads/cbc.pdf" {
		t.Errorf("unexpected path %s", path)
	}
	if saver.stages != 1 || saver.releases != 1 {
		t.Errorf("expected 1 stage and 1 release, got %d/%d", saver.stages, saver.releases)
	}
	if string(saver.committed["cbc.pdf"]) != "%PDF-1.4" {
		t.Error("unexpected payload")
	}
	if n.last().Message != "Downloaded cbc.pdf" {
		t.Errorf("unexpected notice %q", n.last().Message)
	}
}

func TestDownload_CommitFailureStillReleases(t *testing.T) {
	g, _, saver, n := newTestGate()
	unlock(t, g, "BLOOD")
	saver.commitErr = errors.New("disk full")

	if _, err := g.Download(context.Background(), 1, "report.pdf"); err == nil {
		t.Fatal("expected error")
	}
	if saver.stages != 1 || saver.releases != 1 {
		t.Errorf("expected 1 stage and 1 release, got %d/%d", saver.stages, saver.releases)
	}
	if len(saver.staged) != 0 {
		t.Error("expected no staged payload left")
	}
	if n.last().Message != "Failed to download test result" {
		t.Errorf("unexpected notice %q", n.last().Message)
	}
}

func TestDownload_Guards(t *testing.T) {
	g, api, _, _ := newTestGate()
	if _, err := g.Download(context.Background(), 1, ""); !errors.Is(err, ErrLocked) {
		t.Fatalf("expected ErrLocked, got %v", err)
	}
	unlock(t, g, "BLOOD")
	if _, err := g.Download(context.Background(), 2, ""); !errors.Is(err, ErrUnknownResult) {
		t.Fatalf("expected ErrUnknownResult, got %v", err)
	}
	if api.count("download") != 0 {
		t.Error("expected no download call")
	}
}

func TestTestTypes(t *testing.T) {
	g, _, _, _ := newTestGate()
	types, err := g.TestTypes(context.Background())
	if err != nil || len(types) != 2 {
		t.Fatalf("unexpected result %v %v", types, err)
	}
}
