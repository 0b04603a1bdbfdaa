package domain

import (
	"errors"
	"fmt"
)

// Category sentinels. Use with NewSubSystemError for subsystem-specific errors.
var (
	ErrNotFound         = fmt.Errorf("not found")
	ErrTimeout          = fmt.Errorf("operation timed out")
	ErrLimitReached     = fmt.Errorf("limit reached")
	ErrPermissionDenied = fmt.Errorf("permission denied")
	ErrInvalidInput     = fmt.Errorf("invalid input")
)

// Sentinel errors for the domain layer.
var (
	ErrConfigLoad  = fmt.Errorf("failed to load configuration")
	ErrDecryption  = fmt.Errorf("decryption failed")
	ErrEncryption  = fmt.Errorf("encryption operation failed")
	ErrAuditWrite  = fmt.Errorf("audit log write failed")
	ErrAuthInvalid = fmt.Errorf("authentication failed")
	ErrRateLimit   = fmt.Errorf("rate limit exceeded")

	// Handshake errors. They never reach application code as call results;
	// the gatekeeper turns them into socket-level rejections.
	ErrHandshakeRejected      = fmt.Errorf("handshake rejected")
	ErrInvalidIdentity        = fmt.Errorf("%w: missing or invalid charge point identity", ErrHandshakeRejected)
	ErrUnsupportedSubprotocol = fmt.Errorf("%w: no supported subprotocol offered", ErrHandshakeRejected)
	ErrAuthorizationDenied    = fmt.Errorf("%w: authorization denied", ErrHandshakeRejected)
	ErrAuthorizationTimeout   = fmt.Errorf("%w: authorization did not complete in time", ErrHandshakeRejected)

	// RPC errors.
	ErrProtocolViolation = fmt.Errorf("ocpp-j protocol violation")
	ErrCallTimeout       = fmt.Errorf("call: %w", ErrTimeout)
	ErrTransportClosed   = fmt.Errorf("transport closed")
	ErrNotConnected      = fmt.Errorf("session not connected: %w", ErrTransportClosed)
	ErrPayloadInvalid    = fmt.Errorf("payload invalid")

	// Gateway / operator API errors.
	ErrChargePointNotFound = fmt.Errorf("charge point not found")
	ErrGatewayAuthFailed   = fmt.Errorf("gateway: %w", ErrAuthInvalid)
	ErrCircuitOpen         = fmt.Errorf("connect circuit open")
)

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op        string // operation name (e.g., "Conn.Call")
	Err       error  // underlying sentinel or wrapped error
	Detail    string // human-readable detail
	SubSystem string // subsystem identifier (e.g., "rpc", "handshake"); used for ErrorCode dispatch
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// NewSubSystemError creates a DomainError tagged with a subsystem for ErrorCode dispatch.
func NewSubSystemError(subsystem, op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail, SubSystem: subsystem}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// IsRetryableError reports whether err is a transient error that the
// application may choose to retry. This layer never retries by itself.
func IsRetryableError(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrRateLimit)
}

// ErrorCode is a machine-parseable error category for monitoring and alerting.
type ErrorCode string

const (
	CodeUnknown              ErrorCode = "UNKNOWN"
	CodeConfigLoad           ErrorCode = "CONFIG_LOAD"
	CodeEncryption           ErrorCode = "ENCRYPTION"
	CodeDecryption           ErrorCode = "DECRYPTION"
	CodeAuditWrite           ErrorCode = "AUDIT_WRITE"
	CodeAuthInvalid          ErrorCode = "AUTH_INVALID"
	CodeRateLimit            ErrorCode = "RATE_LIMIT"
	CodeHandshakeRejected    ErrorCode = "HANDSHAKE_REJECTED"
	CodeInvalidIdentity      ErrorCode = "HANDSHAKE_INVALID_IDENTITY"
	CodeUnsupportedProtocol  ErrorCode = "HANDSHAKE_UNSUPPORTED_SUBPROTOCOL"
	CodeAuthorizationDenied  ErrorCode = "HANDSHAKE_AUTHORIZATION_DENIED"
	CodeAuthorizationTimeout ErrorCode = "HANDSHAKE_AUTHORIZATION_TIMEOUT"
	CodeProtocolViolation    ErrorCode = "PROTOCOL_VIOLATION"
	CodeCallTimeout          ErrorCode = "CALL_TIMEOUT"
	CodeTransportClosed      ErrorCode = "TRANSPORT_CLOSED"
	CodeNotConnected         ErrorCode = "NOT_CONNECTED"
	CodePayloadInvalid       ErrorCode = "PAYLOAD_INVALID"
	CodeChargePointNotFound  ErrorCode = "CHARGE_POINT_NOT_FOUND"
	CodeGatewayAuth          ErrorCode = "GATEWAY_AUTH"
	CodeCircuitOpen          ErrorCode = "CIRCUIT_OPEN"
	CodeHandshakeTimeout     ErrorCode = "HANDSHAKE_TIMEOUT"
	CodeRPCSlotTimeout       ErrorCode = "RPC_SLOT_TIMEOUT"

	// Category error codes, used when no specific code matches.
	CodeNotFound         ErrorCode = "NOT_FOUND"
	CodeTimeout          ErrorCode = "TIMEOUT"
	CodeLimitReached     ErrorCode = "LIMIT_REACHED"
	CodePermissionDenied ErrorCode = "PERMISSION_DENIED"
	CodeInvalidInput     ErrorCode = "INVALID_INPUT"
)

// errorCodeMap maps sentinel errors to their machine-parseable codes.
var errorCodeMap = map[error]ErrorCode{
	ErrNotFound:         CodeNotFound,
	ErrTimeout:          CodeTimeout,
	ErrLimitReached:     CodeLimitReached,
	ErrPermissionDenied: CodePermissionDenied,
	ErrInvalidInput:     CodeInvalidInput,

	ErrConfigLoad:             CodeConfigLoad,
	ErrDecryption:             CodeDecryption,
	ErrEncryption:             CodeEncryption,
	ErrAuditWrite:             CodeAuditWrite,
	ErrAuthInvalid:            CodeAuthInvalid,
	ErrRateLimit:              CodeRateLimit,
	ErrHandshakeRejected:      CodeHandshakeRejected,
	ErrInvalidIdentity:        CodeInvalidIdentity,
	ErrUnsupportedSubprotocol: CodeUnsupportedProtocol,
	ErrAuthorizationDenied:    CodeAuthorizationDenied,
	ErrAuthorizationTimeout:   CodeAuthorizationTimeout,
	ErrProtocolViolation:      CodeProtocolViolation,
	ErrCallTimeout:            CodeCallTimeout,
	ErrTransportClosed:        CodeTransportClosed,
	ErrNotConnected:           CodeNotConnected,
	ErrPayloadInvalid:         CodePayloadInvalid,
	ErrChargePointNotFound:    CodeChargePointNotFound,
	ErrGatewayAuthFailed:      CodeGatewayAuth,
	ErrCircuitOpen:            CodeCircuitOpen,
}

// subSystemCodeMap maps (category sentinel, subsystem) pairs to specific ErrorCodes.
var subSystemCodeMap = map[error]map[string]ErrorCode{
	ErrTimeout: {
		"handshake": CodeHandshakeTimeout,
		"rpc":       CodeRPCSlotTimeout,
	},
	ErrNotFound: {
		"registry": CodeChargePointNotFound,
	},
}

// specificity orders sentinels so that a wrapped chain resolves to the most
// specific code (ErrNotConnected before ErrTransportClosed, and so on).
var specificity = []error{
	ErrInvalidIdentity,
	ErrUnsupportedSubprotocol,
	ErrAuthorizationDenied,
	ErrAuthorizationTimeout,
	ErrHandshakeRejected,
	ErrCallTimeout,
	ErrNotConnected,
	ErrTransportClosed,
	ErrGatewayAuthFailed,
	ErrAuthInvalid,
}

// ErrorCodeOf returns the machine-parseable error code for the given error.
// It unwraps DomainError and uses errors.Is to match sentinel errors.
// Returns CodeUnknown if no matching sentinel is found.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}

	if code, ok := errorCodeMap[err]; ok {
		return code
	}

	var de *DomainError
	if errors.As(err, &de) {
		if code := de.Code(); code != CodeUnknown {
			return code
		}
	}

	for _, sentinel := range specificity {
		if errors.Is(err, sentinel) {
			return errorCodeMap[sentinel]
		}
	}
	for sentinel, code := range errorCodeMap {
		if errors.Is(err, sentinel) {
			return code
		}
	}

	return CodeUnknown
}

// Code returns the ErrorCode for this DomainError's underlying sentinel.
// If SubSystem is set, checks the subSystemCodeMap for a specific code.
func (e *DomainError) Code() ErrorCode {
	if e.SubSystem != "" {
		if subsysMap, ok := subSystemCodeMap[e.Err]; ok {
			if code, ok := subsysMap[e.SubSystem]; ok {
				return code
			}
		}
	}
	if code, ok := errorCodeMap[e.Err]; ok {
		return code
	}
	return CodeUnknown
}
