// Package portalmodels holds the wire types exchanged with the PulseIQ REST
// backend.
package portalmodels

// Role values as issued by the backend (lower-cased on login).
const (
	RoleAdmin      = "admin"
	RoleDoctor     = "doctor"
	RolePatient    = "patient"
	RoleTechnician = "technician"
)

// UserStatus values for the admin approval workflow.
const (
	UserStatusPending  = "PENDING"
	UserStatusActive   = "ACTIVE"
	UserStatusRejected = "REJECTED"
)

// TestResult is the read-only projection of an uploaded test report.
type TestResult struct {
	TestID      int64   `json:"testId"`
	TestName    string  `json:"testName"`
	TestType    string  `json:"testType"`
	TestDate    string  `json:"testDate"`
	Status      string  `json:"status"`
	PDFFilename string  `json:"pdfFilename"`
	FileSize    int64   `json:"fileSize"`
	Notes       *string `json:"notes,omitempty"`
}

// User is an account record as listed in the admin queues.
type User struct {
	UserID    string `json:"userId"`
	Username  string `json:"username,omitempty"`
	Email     string `json:"email,omitempty"`
	Phone     string `json:"phone,omitempty"`
	Role      string `json:"role"`
	Status    string `json:"status"`
	FirstName string `json:"firstName,omitempty"`
	LastName  string `json:"lastName,omitempty"`
}

// Appointment is an entry of the upcoming-appointments list.
type Appointment struct {
	AppointmentID        int64  `json:"appointmentId"`
	PatientID            string `json:"patientId"`
	PatientName          string `json:"patientName,omitempty"`
	DoctorID             string `json:"doctorId"`
	DoctorName           string `json:"doctorName,omitempty"`
	DoctorSpecialization string `json:"doctorSpecialization,omitempty"`
	AppointmentDate      string `json:"appointmentDate"`
	Status               string `json:"status"`
	Reason               string `json:"reason,omitempty"`
	Notes                string `json:"notes,omitempty"`
}

// LoginRequest is the body of POST /api/auth/login.
type LoginRequest struct {
	Identifier string `json:"identifier"`
	Password   string `json:"password"`
}

// LoginResponse is what the backend returns for a successful login.
type LoginResponse struct {
	Token     string `json:"token"`
	UserID    string `json:"userId"`
	Role      string `json:"role"`
	Status    string `json:"status,omitempty"`
	Email     string `json:"email,omitempty"`
	FirstName string `json:"firstName,omitempty"`
	LastName  string `json:"lastName,omitempty"`
	Name      string `json:"name,omitempty"`
	Message   string `json:"message,omitempty"`
}

// VerifyOTPRequest is the body of the verify-code call.
type VerifyOTPRequest struct {
	OTP string `json:"otp"`
}
