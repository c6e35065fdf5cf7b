package swagent

import (
	"fmt"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/devmgmt/swagent/internal/changes"
)

var (
	// ErrParse marks operation payloads that could not be fully decoded.
	ErrParse = errors.New("malformed operation payload")
	// ErrBackendUnavailable marks a package manager that cannot be reached.
	ErrBackendUnavailable = errors.New("package manager unavailable")
	// ErrItemApply marks the failure of a single software item.
	ErrItemApply = errors.New("software item failed")
	// ErrChange marks an asynchronous change that ended in the Error state.
	ErrChange = errors.New("change failed")
	// ErrChangeTimeout marks a change that never reached a terminal state.
	ErrChangeTimeout = changes.ErrTimeout
	// ErrBusy is returned when a sandboxed sync is already running.
	ErrBusy = errors.New(busyFailureText)
	// ErrTokenTimeout marks a platform token that did not arrive in time.
	ErrTokenTimeout = errors.New("platform token not available")
)

// ItemError is the failure of one software item on a backend.
type ItemError struct {
	Backend BackendKind
	Name    string
	Err     error
}

// NewItemError wraps cause as the failure of item name on backend.
func NewItemError(backend BackendKind, name string, cause error) error {
	if cause == nil {
		return nil
	}
	return &ItemError{Backend: backend, Name: name, Err: cause}
}

func (e *ItemError) Error() string {
	return fmt.Sprintf("%s %s error: %s", e.Backend.Label(), e.Name, strings.TrimSpace(e.Err.Error()))
}

func (e *ItemError) Unwrap() error { return e.Err }

func (e *ItemError) Is(target error) bool { return target == ErrItemApply }

// ChangeError carries the error text snapd reported for a failed change.
type ChangeError struct {
	ChangeID string
	Text     string
}

func (e *ChangeError) Error() string { return e.Text }

func (e *ChangeError) Is(target error) bool { return target == ErrChange }

// ErrorList collects per-item failures of a batch. The zero value is empty
// and ready to use.
type ErrorList struct {
	merr *multierror.Error
}

// Add appends err unless it is nil.
func (l *ErrorList) Add(err error) {
	if err == nil {
		return
	}
	l.merr = multierror.Append(l.merr, err)
}

// Merge appends every error of other.
func (l *ErrorList) Merge(other ErrorList) {
	for _, err := range other.Errors() {
		l.Add(err)
	}
}

// Errors returns the collected errors in insertion order.
func (l ErrorList) Errors() []error {
	if l.merr == nil {
		return nil
	}
	return l.merr.Errors
}

// Len returns the number of collected errors.
func (l ErrorList) Len() int {
	return len(l.Errors())
}

// Empty reports whether no error was collected.
func (l ErrorList) Empty() bool {
	return l.Len() == 0
}

// Messages returns the message of every collected error.
func (l ErrorList) Messages() []string {
	errs := l.Errors()
	out := make([]string, 0, len(errs))
	for _, err := range errs {
		out = append(out, err.Error())
	}
	return out
}

// Join renders the collected messages with sep, in order.
func (l ErrorList) Join(sep string) string {
	return strings.Join(l.Messages(), sep)
}

// ErrorOrNil returns nil for an empty list and a combined error otherwise.
func (l ErrorList) ErrorOrNil() error {
	if l.Empty() {
		return nil
	}
	return l.merr.ErrorOrNil()
}

// failureText renders the error list the way it is reported to the platform.
func (l ErrorList) failureText() string {
	return l.Join(errorJoinDelimiter)
}
