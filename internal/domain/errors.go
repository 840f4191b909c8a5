package domain

import "errors"

var (
	ErrNotFound           = errors.New("not found")
	ErrContentNotFound    = errors.New("content not found")
	ErrNoPublisher        = errors.New("no publisher registered for platform")
	ErrNoCredential       = errors.New("no valid credential")
	ErrInvalidTransition  = errors.New("invalid status transition")
	ErrTransitionConflict = errors.New("task status changed concurrently")
	ErrInvalidSchedule    = errors.New("invalid schedule")
)

// ErrorKind classifies a per-task failure for audit records.
type ErrorKind string

const (
	KindNotFound        ErrorKind = "not_found"
	KindConfiguration   ErrorKind = "configuration"
	KindTransientIO     ErrorKind = "transient_io"
	KindRemoteRejection ErrorKind = "remote_rejection"
	KindStaleProcessing ErrorKind = "stale_processing"
)

// RemoteRejection carries the reason a publisher gave for refusing a post.
type RemoteRejection struct {
	Reason string
}

func (e *RemoteRejection) Error() string { return e.Reason }

// KindOf maps err onto the failure taxonomy. Unknown errors are treated as
// transient I/O since the only blocking work is download and upload.
func KindOf(err error) ErrorKind {
	var rr *RemoteRejection
	switch {
	case errors.As(err, &rr):
		return KindRemoteRejection
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrContentNotFound):
		return KindNotFound
	case errors.Is(err, ErrNoPublisher), errors.Is(err, ErrNoCredential):
		return KindConfiguration
	default:
		return KindTransientIO
	}
}
