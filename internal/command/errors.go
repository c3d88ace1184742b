package command

import (
	"errors"
	"fmt"
)

// Code is a caller-visible rejection code.
type Code string

const (
	CodeMalformed      Code = "E_MALFORMED"
	CodeUnknownVerb    Code = "E_UNKNOWN_VERB"
	CodeUnknownAgent   Code = "E_UNKNOWN_AGENT"
	CodeRoomFull       Code = "E_ROOM_FULL"
	CodeRateLimit      Code = "E_RATE_LIMIT"
	CodeBusy           Code = "E_BUSY"
	CodeContentBlocked Code = "E_CONTENT_BLOCKED"
	CodeAlreadyRemoved Code = "E_ALREADY_REMOVED"
)

// Retryable reports whether the same command may succeed later unchanged.
func (c Code) Retryable() bool {
	switch c {
	case CodeRoomFull, CodeRateLimit, CodeBusy:
		return true
	}
	return false
}

// Rejection is returned for commands refused before or during apply.
type Rejection struct {
	Code      Code   `json:"code"`
	Reason    string `json:"reason"`
	Retryable bool   `json:"retryable"`
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("%s: %s", r.Code, r.Reason)
}

// Rejectf builds a Rejection with the code's retry semantics.
func Rejectf(code Code, format string, args ...any) *Rejection {
	return &Rejection{Code: code, Reason: fmt.Sprintf(format, args...), Retryable: code.Retryable()}
}

// AsRejection unwraps err into a Rejection. Errors that are not rejections
// are reported as malformed.
func AsRejection(err error) *Rejection {
	if err == nil {
		return nil
	}
	var r *Rejection
	if errors.As(err, &r) {
		return r
	}
	return &Rejection{Code: CodeMalformed, Reason: err.Error()}
}
