package core

import (
	"errors"
	"fmt"
)

var (
	// ErrDiscovery marks failures to enumerate tests.
	ErrDiscovery = errors.New("discovery failed")
	// ErrInfra marks failures of the tracing machinery itself.
	ErrInfra = errors.New("infrastructure error")
	// ErrWrite marks failures to persist a trace record.
	ErrWrite = errors.New("write failed")
)

// DiscoveryError reports that test enumeration failed. When Partial is set
// some tests were still discovered and the run can continue with them.
type DiscoveryError struct {
	Root    string
	Partial bool
	Errs    []error
}

func (e *DiscoveryError) Error() string {
	kind := "discovery failed"
	if e.Partial {
		kind = "discovery partially failed"
	}
	return fmt.Sprintf("%s in %s: %v", kind, e.Root, errors.Join(e.Errs...))
}

func (e *DiscoveryError) Unwrap() []error {
	return append([]error{ErrDiscovery}, e.Errs...)
}

// InfraError reports that a worker could not establish or tear down an
// isolated execution context for one test.
type InfraError struct {
	TestID TestID
	Op     string
	Err    error
}

func (e *InfraError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.TestID, e.Op, e.Err)
}

func (e *InfraError) Unwrap() []error {
	return []error{ErrInfra, e.Err}
}

// WriteError reports that the trace of one test could not be persisted.
type WriteError struct {
	TestID TestID
	Path   string
	Err    error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("write trace %s to %s: %v", e.TestID, e.Path, e.Err)
}

func (e *WriteError) Unwrap() []error {
	return []error{ErrWrite, e.Err}
}
