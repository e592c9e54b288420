// Package syncerr defines the sync engine's error taxonomy.
//
// Spirit distinguishes retryable MySQL error numbers from permanent ones
// (see dbconn.canRetryError in the teacher repo) by dispatching on a
// sentinel type rather than matching strings. We follow the same idea one
// level up: every failure that crosses an Action boundary is tagged with
// one of a small, fixed set of kinds, checked with errors.Is/errors.As,
// never by inspecting an error's message.
package syncerr

import (
	"errors"
	"fmt"
)

// Kind identifies which of the five error categories a failure belongs to.
type Kind int

const (
	// KindExtract means the extract phase failed; a source-side problem.
	KindExtract Kind = iota
	// KindLoad means the load phase failed; could be source schema drift
	// or a target-side problem.
	KindLoad
	// KindSplit means on-disk chunking of an extract file failed.
	KindSplit
	// KindNoSuchTable means schema introspection found a missing relation.
	KindNoSuchTable
	// KindConfig means an invalid plan or connection option, surfaced at
	// startup.
	KindConfig
)

func (k Kind) String() string {
	switch k {
	case KindExtract:
		return "extract"
	case KindLoad:
		return "load"
	case KindSplit:
		return "split"
	case KindNoSuchTable:
		return "no_such_table"
	case KindConfig:
		return "config"
	default:
		return "unknown"
	}
}

// Error is a taxonomy-tagged error. Table and SourceID are best-effort
// context for logging; they may be empty for errors raised before a plan
// is resolved.
type Error struct {
	Kind     Kind
	Table    string
	SourceID string
	Err      error
}

func (e *Error) Error() string {
	if e.Table != "" {
		return fmt.Sprintf("%s: %s.%s: %v", e.Kind, e.SourceID, e.Table, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is allows errors.Is(err, syncerr.Extract) (and friends, declared below as
// zero-value sentinels) to test only the Kind, ignoring wrapped context.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// New wraps err with the given kind and table/source context.
func New(kind Kind, sourceID, table string, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Table: table, SourceID: sourceID, Err: err}
}

// Sentinels for use with errors.Is(err, syncerr.Extract), etc. Only Kind is
// compared (see Error.Is above), so these may be used regardless of the
// wrapped error or context fields.
var (
	Extract     = &Error{Kind: KindExtract}
	Load        = &Error{Kind: KindLoad}
	Split       = &Error{Kind: KindSplit}
	NoSuchTable = &Error{Kind: KindNoSuchTable}
	Config      = &Error{Kind: KindConfig}
)

// ExitCode maps an error to the process exit code described in the
// external-interfaces contract: 0 success, 1 load error, 2 config error.
// Any other kind (or a plain, untagged error) is also treated as a load
// error, since it represents a runtime failure rather than a startup
// misconfiguration.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var se *Error
	if errors.As(err, &se) && se.Kind == KindConfig {
		return 2
	}
	return 1
}
