// Package errkind holds the failure taxonomy shared by every session phase.
package errkind

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrSubmission            = errors.New("job submission failed")
	ErrJobStartTimeout       = errors.New("job did not start in time")
	ErrServiceStartupTimeout = errors.New("service did not publish its address in time")
	ErrTunnel                = errors.New("tunnel failed")
	ErrServiceUnreachable    = errors.New("service unreachable through tunnel")
	ErrTransport             = errors.New("remote transport failure")
	ErrParse                 = errors.New("unparseable remote output")
	ErrConfig                = errors.New("invalid configuration")
	ErrInterrupted           = errors.New("interrupted")
)

// kinds is ordered by precedence for KindOf: a timeout caused by a transport
// failure is reported as the timeout.
var kinds = []error{
	ErrInterrupted,
	ErrSubmission,
	ErrJobStartTimeout,
	ErrServiceStartupTimeout,
	ErrServiceUnreachable,
	ErrTunnel,
	ErrParse,
	ErrConfig,
	ErrTransport,
}

// Error tags a cause with its taxonomy kind.
type Error struct {
	Kind   error
	Op     string
	Detail string
	Err    error
}

// New builds a kind-tagged error for op.
func New(kind error, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Newf builds a kind-tagged error with a formatted cause.
func Newf(kind error, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	if e.Kind != nil {
		b.WriteString(e.Kind.Error())
	}
	if e.Err != nil {
		if e.Kind != nil {
			b.WriteString(": ")
		}
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() []error {
	out := make([]error, 0, 2)
	if e.Kind != nil {
		out = append(out, e.Kind)
	}
	if e.Err != nil {
		out = append(out, e.Err)
	}
	return out
}

// WithDetail attaches diagnostic text (for example captured remote stderr).
func (e *Error) WithDetail(detail string) *Error {
	e.Detail = detail
	return e
}

// KindOf returns the taxonomy sentinel matching err, or nil.
func KindOf(err error) error {
	if err == nil {
		return nil
	}
	for _, k := range kinds {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}

// DetailOf returns the first Detail found in err's chain.
func DetailOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Detail
	}
	return ""
}

// ExitCode maps err to the process exit status.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	switch KindOf(err) {
	case ErrConfig:
		return 2
	case ErrSubmission:
		return 10
	case ErrJobStartTimeout:
		return 11
	case ErrServiceStartupTimeout:
		return 12
	case ErrTunnel:
		return 13
	case ErrServiceUnreachable:
		return 14
	case ErrParse:
		return 15
	case ErrTransport:
		return 16
	case ErrInterrupted:
		return 130
	}
	if errors.Is(err, context.Canceled) {
		return 130
	}
	return 1
}

var labels = map[error]string{
	ErrSubmission:            "submission",
	ErrJobStartTimeout:       "job_start_timeout",
	ErrServiceStartupTimeout: "service_startup_timeout",
	ErrTunnel:                "tunnel",
	ErrServiceUnreachable:    "service_unreachable",
	ErrTransport:             "transport",
	ErrParse:                 "parse",
	ErrConfig:                "config",
	ErrInterrupted:           "interrupted",
}

// Label is a short metric-friendly name for err's kind: "" for nil, "other"
// for untagged errors.
func Label(err error) string {
	if err == nil {
		return ""
	}
	if l, ok := labels[KindOf(err)]; ok {
		return l
	}
	return "other"
}
