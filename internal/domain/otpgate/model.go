package otpgate

import (
	"context"
	"errors"
	"io"

	"github.com/pulseiq/portal/internal/platform/notice"
	"github.com/pulseiq/portal/pkg/portalmodels"
)

// State of a gate. Idle is the zero value.
type State int

const (
	Idle State = iota
	Requesting
	AwaitingCode
	Verifying
	Unlocked
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Requesting:
		return "requesting"
	case AwaitingCode:
		return "awaiting_code"
	case Verifying:
		return "verifying"
	case Unlocked:
		return "unlocked"
	}
	return "unknown"
}

var (
	ErrEmptyCode        = errors.New("please enter the OTP")
	ErrWrongState       = errors.New("operation not allowed in current state")
	ErrLocked           = errors.New("results are locked")
	ErrUnknownResult    = errors.New("test result is not part of the unlocked list")
	ErrSessionDiscarded = errors.New("session was discarded before the response arrived")
	ErrNoTestType       = errors.New("test type is required")
)

// Session is the transient per (patient, test type) record.
type Session struct {
	PatientID    string
	TestType     string
	OTPRequested bool
	OTPValue     string
	Verified     bool
}

type TestResult = portalmodels.TestResult

// API is the slice of the backend the gate calls.
type API interface {
	TestTypes(ctx context.Context, patientID string) ([]string, error)
	RequestCode(ctx context.Context, patientID, testType string) error
	VerifyCode(ctx context.Context, patientID, testType, otp string) error
	CancelCode(ctx context.Context, patientID, testType string) error
	ResultsByType(ctx context.Context, patientID, testType string) ([]TestResult, error)
	Download(ctx context.Context, testID int64) (io.ReadCloser, error)
}

// Notice levels.
const (
	LevelInfo    = notice.LevelInfo
	LevelSuccess = notice.LevelSuccess
	LevelError   = notice.LevelError
)

type (
	Notice       = notice.Notice
	Notifier     = notice.Notifier
	NotifierFunc = notice.Func
)

// Handle identifies a staged download.
type Handle struct {
	ID string
}

// Saver stages a payload and then publishes it under a filename. Release
// must be called exactly once per successful Stage, whether or not Commit
// ran; after Commit it removes nothing.
type Saver interface {
	Stage(payload io.Reader) (Handle, error)
	Commit(h Handle, filename string) (string, error)
	Release(h Handle) error
}
