package convert

// APIエラーコード。ハンドラー境界でHTTPステータスへ変換されます。
const (
	CodeInvalidInput     = "INVALID_INPUT"
	CodeLimitExceeded    = "LIMIT_EXCEEDED"
	CodeToolNotFound     = "TOOL_NOT_FOUND"
	CodeConversionFailed = "CONVERSION_FAILED"
	CodeTimeout          = "TIMEOUT"
)

// Error はクライアントへ返却するためのエラー情報を保持します。
type Error struct {
	Code    string
	Message string
	cause   error
}

func newError(code, message string, cause error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		cause:   cause,
	}
}

func (e *Error) Error() string {
	if e.cause != nil {
		return e.Code + ": " + e.Message + ": " + e.cause.Error()
	}
	return e.Code + ": " + e.Message
}

func (e *Error) Unwrap() error {
	return e.cause
}
