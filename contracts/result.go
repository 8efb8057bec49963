package contracts

import "fmt"

// ResultKind classifies the outcome of applying an envelope to storage
type ResultKind int

const (
	// Applied means the write committed, or an earlier delivery already committed it
	Applied ResultKind = iota
	// Validation means the envelope is structurally unusable
	Validation
	// Transient means infrastructure failed and a later attempt may succeed
	Transient
	// Permanent means storage rejected the row itself
	Permanent
	// Fatal means the process is in a state it should not continue from
	Fatal
)

func (k ResultKind) String() string {
	switch k {
	case Applied:
		return "applied"
	case Validation:
		return "validation"
	case Transient:
		return "transient"
	case Permanent:
		return "permanent"
	case Fatal:
		return "fatal"
	default:
		return fmt.Sprintf("ResultKind(%d)", int(k))
	}
}

// Result is returned by every persistence handler instead of a bare bool
type Result struct {
	Kind ResultKind
	Err  error
}

// Success returns an Applied result
func Success() Result {
	return Result{Kind: Applied}
}

// Failure returns a result of the given kind carrying err
func Failure(kind ResultKind, err error) Result {
	return Result{Kind: kind, Err: err}
}

// OK reports whether the envelope is durably applied
func (r Result) OK() bool {
	return r.Kind == Applied
}

func (r Result) String() string {
	if r.Err == nil {
		return r.Kind.String()
	}
	return fmt.Sprintf("%s: %v", r.Kind, r.Err)
}
