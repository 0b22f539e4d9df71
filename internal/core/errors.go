// Package core holds the shared error taxonomy and the API error envelope
// used by every component. Callers match on Code, never on message text.
package core

import (
	"errors"
	"fmt"
	"net/http"
)

// Error is a typed business error. Status is the HTTP status the boundary
// maps it to; Details carries structured context safe to expose (never SQL
// text, file paths, or stack traces).
type Error struct {
	Code    string                 `json:"error"`
	Status  int                    `json:"-"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is lets errors.Is match two typed errors by code.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Code == t.Code
	}
	return false
}

// WithDetail returns a copy of the error with an added detail entry.
func (e *Error) WithDetail(key string, value interface{}) *Error {
	details := make(map[string]interface{}, len(e.Details)+1)
	for k, v := range e.Details {
		details[k] = v
	}
	details[key] = value
	return &Error{Code: e.Code, Status: e.Status, Message: e.Message, Details: details}
}

// New creates a typed error with the given code, status and message.
func New(code string, status int, format string, args ...interface{}) *Error {
	return &Error{
		Code:    code,
		Status:  status,
		Message: fmt.Sprintf(format, args...),
		Details: map[string]interface{}{},
	}
}

// AsError extracts a *core.Error from err, or nil if err is not typed.
func AsError(err error) *Error {
	var ce *Error
	if errors.As(err, &ce) {
		return ce
	}
	return nil
}

// ----------------------------------------------------------------------------
// Request-shape errors
// ----------------------------------------------------------------------------

func UnsupportedMediaType(got string) *Error {
	return New("UNSUPPORTED_MEDIA_TYPE", http.StatusUnsupportedMediaType,
		"content type must be application/json").WithDetail("content_type", got)
}

func PayloadTooLarge(limit int64) *Error {
	return New("PAYLOAD_TOO_LARGE", http.StatusRequestEntityTooLarge,
		"request body exceeds %d bytes", limit)
}

func InvalidJSON() *Error {
	return New("INVALID_JSON", http.StatusBadRequest, "request body is not valid JSON")
}

func MissingField(field string) *Error {
	return New("MISSING_FIELD", http.StatusBadRequest,
		"missing required field: %s", field).WithDetail("field", field)
}

func InvalidFieldType(field, want string) *Error {
	return New("INVALID_FIELD_TYPE", http.StatusBadRequest,
		"field %s must be a %s", field, want).WithDetail("field", field)
}

func InvalidPayload(reason string) *Error {
	return New("INVALID_PAYLOAD", http.StatusBadRequest, "%s", reason)
}

func MethodNotAllowed(method string) *Error {
	return New("METHOD_NOT_ALLOWED", http.StatusMethodNotAllowed,
		"method %s not allowed", method)
}

// ----------------------------------------------------------------------------
// Cryptographic errors
// ----------------------------------------------------------------------------

func InvalidJWS(reason string) *Error {
	return New("INVALID_JWS", http.StatusBadRequest, "malformed signed envelope: %s", reason)
}

func Base64Invalid(field string) *Error {
	return New("BASE64_INVALID", http.StatusBadRequest,
		"field %s is not valid base64", field).WithDetail("field", field)
}

func SignatureLengthInvalid(got, want int) *Error {
	return New("SIGNATURE_LENGTH_INVALID", http.StatusBadRequest,
		"signature must be %d bytes, got %d", want, got)
}

func InvalidPublicKey(reason string) *Error {
	return New("INVALID_PUBLIC_KEY", http.StatusBadRequest, "invalid public key: %s", reason)
}

func InvalidName() *Error {
	return New("INVALID_NAME", http.StatusBadRequest, "display name must not be empty")
}

// ----------------------------------------------------------------------------
// Authorization errors
// ----------------------------------------------------------------------------

func Forbidden(reason string) *Error {
	return New("FORBIDDEN", http.StatusForbidden, "%s", reason)
}

func AgentNotFound(agentID string) *Error {
	return New("AGENT_NOT_FOUND", http.StatusNotFound,
		"agent not found").WithDetail("agent_id", agentID)
}

func AccountNotFound(accountID string) *Error {
	return New("ACCOUNT_NOT_FOUND", http.StatusNotFound,
		"account not found").WithDetail("account_id", accountID)
}

func AccountExists(accountID string) *Error {
	return New("ACCOUNT_EXISTS", http.StatusConflict,
		"account already exists").WithDetail("account_id", accountID)
}

func PublicKeyExists() *Error {
	return New("PUBLIC_KEY_EXISTS", http.StatusConflict, "public key is already registered")
}

// ----------------------------------------------------------------------------
// Ledger / escrow domain errors
// ----------------------------------------------------------------------------

func InsufficientFunds(balance, amount int64) *Error {
	return New("INSUFFICIENT_FUNDS", http.StatusPaymentRequired,
		"balance %d is below requested amount %d", balance, amount)
}

func EscrowNotFound(escrowID string) *Error {
	return New("ESCROW_NOT_FOUND", http.StatusNotFound,
		"escrow not found").WithDetail("escrow_id", escrowID)
}

func EscrowAlreadyResolved(escrowID, status string) *Error {
	return New("ESCROW_ALREADY_RESOLVED", http.StatusConflict,
		"escrow is already %s", status).WithDetail("escrow_id", escrowID)
}

func TaskEscrowExists(taskID string) *Error {
	return New("TASK_ESCROW_EXISTS", http.StatusConflict,
		"an active escrow already exists for this task").WithDetail("task_id", taskID)
}

// ----------------------------------------------------------------------------
// Task / bid domain errors
// ----------------------------------------------------------------------------

func TaskNotFound(taskID string) *Error {
	return New("TASK_NOT_FOUND", http.StatusNotFound,
		"task not found").WithDetail("task_id", taskID)
}

func InvalidTaskStatus(got, want string) *Error {
	return New("INVALID_TASK_STATUS", http.StatusConflict,
		"task is %s, expected %s", got, want).WithDetail("status", got)
}

func DuplicateBid(taskID, bidderID string) *Error {
	return New("DUPLICATE_BID", http.StatusConflict,
		"agent already has a bid on this task").
		WithDetail("task_id", taskID).WithDetail("bidder_id", bidderID)
}

func BidNotFound(bidID string) *Error {
	return New("BID_NOT_FOUND", http.StatusNotFound,
		"bid not found").WithDetail("bid_id", bidID)
}

func DeadlinePassed(which string) *Error {
	return New("DEADLINE_PASSED", http.StatusConflict,
		"the %s deadline has passed", which)
}

// ----------------------------------------------------------------------------
// Dispute / feedback domain errors
// ----------------------------------------------------------------------------

func DisputeNotFound(disputeID string) *Error {
	return New("DISPUTE_NOT_FOUND", http.StatusNotFound,
		"dispute not found").WithDetail("dispute_id", disputeID)
}

func DisputeAlreadyExists(taskID string) *Error {
	return New("DISPUTE_ALREADY_EXISTS", http.StatusConflict,
		"a dispute already exists for this task").WithDetail("task_id", taskID)
}

func DisputeAlreadyRuled(disputeID string) *Error {
	return New("DISPUTE_ALREADY_RULED", http.StatusConflict,
		"dispute has already been ruled").WithDetail("dispute_id", disputeID)
}

func InvalidDisputeStatus(got, want string) *Error {
	return New("INVALID_DISPUTE_STATUS", http.StatusConflict,
		"dispute is %s, expected %s", got, want).WithDetail("status", got)
}

func RebuttalAlreadySubmitted(disputeID string) *Error {
	return New("REBUTTAL_ALREADY_SUBMITTED", http.StatusConflict,
		"a rebuttal has already been submitted").WithDetail("dispute_id", disputeID)
}

func FeedbackAlreadySubmitted(taskID, fromID string) *Error {
	return New("FEEDBACK_ALREADY_SUBMITTED", http.StatusConflict,
		"feedback already submitted for this task").
		WithDetail("task_id", taskID).WithDetail("from_id", fromID)
}

// ----------------------------------------------------------------------------
// Downstream errors (502 class)
// ----------------------------------------------------------------------------

func downstream(code, component string) *Error {
	e := New(code, http.StatusBadGateway, "%s is unavailable", component)
	e.Details["component"] = component
	return e
}

func IdentityUnavailable() *Error   { return downstream("IDENTITY_UNAVAILABLE", "identity") }
func LedgerUnavailable() *Error     { return downstream("LEDGER_UNAVAILABLE", "ledger") }
func BoardUnavailable() *Error      { return downstream("BOARD_UNAVAILABLE", "task board") }
func ReputationUnavailable() *Error { return downstream("REPUTATION_UNAVAILABLE", "reputation") }
func CourtUnavailable() *Error      { return downstream("COURT_UNAVAILABLE", "court") }
func JudgeUnavailable() *Error      { return downstream("JUDGE_UNAVAILABLE", "judge panel") }

// Internal wraps an unexpected error as a generic 500. The cause is logged by
// the boundary, never serialized.
func Internal() *Error {
	return New("internal_error", http.StatusInternalServerError, "internal error")
}
