// Package errinfo carries structured error data across the RPC boundary.
// Errors in the bridge are values handed back to the caller, never panics:
// the agent is expected to reformulate its command from the attached detail.
package errinfo

// ErrorInfo is the structured error payload returned by engine methods.
type ErrorInfo struct {
	ErrorCode string   `json:"error_code"`
	Retryable bool     `json:"retryable"`
	Actions   []string `json:"actions,omitempty"`
	Detail    string   `json:"detail,omitempty"`
	// Headers lists the known column headers when a column lookup failed,
	// so the caller can retry with a valid name.
	Headers []string `json:"headers,omitempty"`
}

const (
	CodeMalformedReference    = "MALFORMED_REFERENCE"
	CodeNoRegionFound         = "NO_REGION_FOUND"
	CodeColumnNotFound        = "COLUMN_NOT_FOUND"
	CodeEmptyPayload          = "EMPTY_PAYLOAD"
	CodeEngineUnavailable     = "ENGINE_UNAVAILABLE"
	CodeUnsupportedCapability = "UNSUPPORTED_CAPABILITY"
	CodeValidationFailed      = "VALIDATION_FAILED"
	CodeSessionNotFound       = "SESSION_NOT_FOUND"
)

const (
	ActionRetry    = "retry"
	ActionRephrase = "rephrase"
)

func (e *ErrorInfo) Error() string {
	if e == nil {
		return ""
	}
	if e.Detail != "" {
		return e.ErrorCode + ": " + e.Detail
	}
	return e.ErrorCode
}

func MalformedReference(ref string) *ErrorInfo {
	return &ErrorInfo{
		ErrorCode: CodeMalformedReference,
		Retryable: false,
		Actions:   []string{ActionRephrase},
		Detail:    "not a valid cell or range reference: " + ref,
	}
}

func NoRegionFound(detail string) *ErrorInfo {
	return &ErrorInfo{
		ErrorCode: CodeNoRegionFound,
		Retryable: false,
		Actions:   []string{ActionRephrase},
		Detail:    detail,
	}
}

func ColumnNotFound(name string, headers []string) *ErrorInfo {
	return &ErrorInfo{
		ErrorCode: CodeColumnNotFound,
		Retryable: false,
		Actions:   []string{ActionRephrase},
		Detail:    "no column matches: " + name,
		Headers:   headers,
	}
}

func EmptyPayload(detail string) *ErrorInfo {
	return &ErrorInfo{
		ErrorCode: CodeEmptyPayload,
		Retryable: false,
		Detail:    detail,
	}
}

func EngineUnavailable(detail string) *ErrorInfo {
	return &ErrorInfo{
		ErrorCode: CodeEngineUnavailable,
		Retryable: true,
		Actions:   []string{ActionRetry},
		Detail:    detail,
	}
}

func UnsupportedCapability(detail string) *ErrorInfo {
	return &ErrorInfo{
		ErrorCode: CodeUnsupportedCapability,
		Retryable: false,
		Detail:    detail,
	}
}

func ValidationFailed(detail string) *ErrorInfo {
	return &ErrorInfo{
		ErrorCode: CodeValidationFailed,
		Retryable: false,
		Detail:    detail,
	}
}

func SessionNotFound(id string) *ErrorInfo {
	return &ErrorInfo{
		ErrorCode: CodeSessionNotFound,
		Retryable: false,
		Detail:    "unknown session: " + id,
	}
}
