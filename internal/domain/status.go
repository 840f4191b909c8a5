package domain

import "fmt"

// Status is the lifecycle state of a QueueTask.
type Status string

const (
	StatusPending         Status = "pending"
	StatusProcessing      Status = "processing"
	StatusPosted          Status = "posted"
	StatusFailed          Status = "failed"
	StatusSkipped         Status = "skipped"
	StatusScheduledRemote Status = "scheduled_remote"
)

var AllStatuses = []Status{
	StatusPending, StatusProcessing, StatusPosted, StatusFailed, StatusSkipped, StatusScheduledRemote,
}

var transitions = map[Status][]Status{
	StatusPending:    {StatusProcessing, StatusSkipped},
	StatusProcessing: {StatusPosted, StatusFailed, StatusScheduledRemote},
	StatusFailed:     {StatusPending},
}

// ParseStatus returns the status named by s.
func ParseStatus(s string) (Status, error) {
	for _, st := range AllStatuses {
		if string(st) == s {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown status %q", s)
}

// Terminal reports whether no further transition leaves s.
func (s Status) Terminal() bool {
	return len(transitions[s]) == 0
}

// SourcesFor returns every status that may transition into to.
func SourcesFor(to Status) []Status {
	var out []Status
	for _, from := range AllStatuses {
		if CanTransition(from, to) {
			out = append(out, from)
		}
	}
	return out
}

// CanTransition reports whether from -> to is a legal move.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
