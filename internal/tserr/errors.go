// Package tserr holds the sentinel error kinds shared across the engine, per
// the error taxonomy in §7: callers use errors.Is against these, and
// wrap them with context via fmt.Errorf("%w").
package tserr

import "errors"

var (
	ErrOutOfMemory     = errors.New("tsengine: out of memory")
	ErrUnknownClass    = errors.New("tsengine: unknown object class")
	ErrNotFound        = errors.New("tsengine: not found")
	ErrStore           = errors.New("tsengine: store error")
	ErrBusy            = errors.New("tsengine: busy")
	ErrInvalidArgument = errors.New("tsengine: invalid argument")
	ErrAuthRequired    = errors.New("tsengine: authentication required")
)

// ParseError records a section/table that was dropped during decode. Per §7,
// parse errors never abort the reader — they're logged at debug and the
// demultiplexer moves on to the next section.
type ParseError struct {
	Table  string
	Reason string
}

func (e *ParseError) Error() string {
	return "tsengine: parse " + e.Table + ": " + e.Reason
}

// TuneFailed records why a front-end tune attempt did not result in lock.
type TuneFailed struct {
	Reason string
}

func (e *TuneFailed) Error() string { return "tsengine: tune failed: " + e.Reason }

// Timeout records which operation exceeded its deadline (e.g. "lock",
// "tables", "nit").
type Timeout struct {
	Scope string
}

func (e *Timeout) Error() string { return "tsengine: timeout waiting for " + e.Scope }
