package task

import (
	"errors"
	"fmt"
	"strings"
)

// Stage names the step of a dispatch cycle a soft failure happened in.
type Stage string

const (
	StagePoll   Stage = "poll"
	StageFetch  Stage = "fetch"
	StageSubmit Stage = "submit"
)

// SoftFailure is a transport failure that was absorbed instead of propagated.
// The dispatch loop treats it as a completed step and keeps going.
type SoftFailure struct {
	Stage  Stage
	Reason string // timeout, connection_refused, dns_error, network, http_5xx, http_429, http_4xx, other
	Status int
	Err    error
}

// NewSoftFailure classifies err/status and wraps them for the given stage.
func NewSoftFailure(stage Stage, err error, status int) *SoftFailure {
	return &SoftFailure{
		Stage:  stage,
		Reason: Classify(err, status),
		Status: status,
		Err:    err,
	}
}

func (f *SoftFailure) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("%s soft failure (%s): %v", f.Stage, f.Reason, f.Err)
	}
	return fmt.Sprintf("%s soft failure (%s): status %d", f.Stage, f.Reason, f.Status)
}

func (f *SoftFailure) Unwrap() error { return f.Err }

// ProtocolError means the queue service answered with something that is not
// the agreed wire shape. Unlike a SoftFailure it stops the loop that saw it.
type ProtocolError struct {
	Endpoint string
	Body     string
	Err      error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("malformed response from %s: %v (body=%q)", e.Endpoint, e.Err, truncate(e.Body, 120))
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// IsProtocolError reports whether err carries a *ProtocolError.
func IsProtocolError(err error) bool {
	var pe *ProtocolError
	return errors.As(err, &pe)
}

// Classify maps a transport error or HTTP status to a short reason label.
func Classify(err error, status int) string {
	if err != nil {
		errLower := strings.ToLower(err.Error())
		if strings.Contains(errLower, "timeout") || strings.Contains(errLower, "deadline exceeded") {
			return "timeout"
		}
		if strings.Contains(errLower, "connection refused") {
			return "connection_refused"
		}
		if strings.Contains(errLower, "no such host") || strings.Contains(errLower, "dns") {
			return "dns_error"
		}
		return "network"
	}
	if status >= 500 {
		return "http_5xx"
	}
	if status == 429 {
		return "http_429"
	}
	if status >= 400 {
		return "http_4xx"
	}
	return "other"
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return fmt.Sprintf("%s...", s[:n])
}
