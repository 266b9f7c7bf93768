// Package xerrors attaches call sites to errors so the logger can report
// where a failure was created and every place it was wrapped on the way up.
package xerrors

import (
	"errors"
	"fmt"
	"runtime"
)

// stackDepth bounds the frames captured by New, Newf and EnsureTrace.
const stackDepth = 64

// Stacked is implemented by errors that carry a full call stack.
type Stacked interface {
	StackPCs() []uintptr
}

// Located is implemented by wrappers that record the single frame that
// wrapped them.
type Located interface {
	PC() uintptr
}

// Annotation marks the types defined here, so error classification can
// look through them to the error a caller actually returned.
type Annotation interface {
	error
	annotation()
}

type stacked struct {
	cause error
	pcs   []uintptr
}

func (e *stacked) Error() string       { return e.cause.Error() }
func (e *stacked) Unwrap() error       { return e.cause }
func (e *stacked) StackPCs() []uintptr { return e.pcs }
func (*stacked) annotation()           {}

type located struct {
	cause error
	msg   string
	pc    uintptr
}

func (e *located) Error() string { return e.msg + ": " + e.cause.Error() }
func (e *located) Unwrap() error { return e.cause }
func (e *located) PC() uintptr   { return e.pc }
func (*located) annotation()     {}

// callers returns the stack above the exported function that called it.
func callers() []uintptr {
	pcs := make([]uintptr, stackDepth)
	// runtime.Callers, callers, the exported constructor
	n := runtime.Callers(3, pcs)
	return pcs[:n]
}

// caller returns the frame that invoked the exported function.
func caller() uintptr {
	var pc [1]uintptr
	if runtime.Callers(3, pc[:]) == 0 {
		return 0
	}
	return pc[0]
}

// New returns an error with msg and the caller's stack.
func New(msg string) error {
	return &stacked{cause: errors.New(msg), pcs: callers()}
}

// Newf is New with fmt formatting. %w verbs are honoured.
func Newf(format string, args ...any) error {
	return &stacked{cause: fmt.Errorf(format, args...), pcs: callers()}
}

// Wrap prefixes err with msg and records the calling line. A nil err stays nil.
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return &located{cause: err, msg: msg, pc: caller()}
}

// Wrapf is Wrap with fmt formatting.
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &located{cause: err, msg: fmt.Sprintf(format, args...), pc: caller()}
}

// EnsureTrace attaches the caller's stack unless err already carries one.
// Use it at boundaries where errors arrive from code outside this module.
func EnsureTrace(err error) error {
	if err == nil {
		return nil
	}
	var s Stacked
	if errors.As(err, &s) && len(s.StackPCs()) > 0 {
		return err
	}
	return &stacked{cause: err, pcs: callers()}
}
