package pano

// エラーコード
const (
	CodeInvalidInput      = "INVALID_INPUT"
	CodeLimitExceeded     = "LIMIT_EXCEEDED"
	CodeUnsupportedFormat = "UNSUPPORTED_FORMAT"
	CodeStorageError      = "STORAGE_ERROR"
)

// Error は利用者に返すコード付きのエラーです。Message はそのまま画面に表示されます。
type Error struct {
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Code + ": " + e.Message + ": " + e.Err.Error()
	}
	return e.Code + ": " + e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}
