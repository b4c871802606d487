// Package fault defines the error taxonomy surfaced to session clients.
package fault

import (
	"errors"
	"fmt"
)

// Kind classifies a failure for the client and for metrics.
type Kind string

const (
	ModelNotFound          Kind = "model_not_found"
	MechanismBuildFailure  Kind = "mechanism_build_failure"
	TemplateLoadFailure    Kind = "template_load_failure"
	MalformedSpineSection  Kind = "malformed_spine_section"
	SimulationStartFailure Kind = "simulation_start_failure"
	SimulationStepFailure  Kind = "simulation_step_failure"
	UnknownCommand         Kind = "unknown_command"
	RequestValidationError Kind = "request_validation_error"
	NoModelLoaded          Kind = "no_model_loaded"
	EngineFailure          Kind = "engine_failure"
	Internal               Kind = "internal"
)

// Error is a classified failure. Output holds diagnostic text captured from
// the simulation engine, when there is any.
type Error struct {
	Kind   Kind
	Msg    string
	Output string
	Err    error
}

func (e *Error) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	case e.Msg != "":
		return e.Msg
	case e.Err != nil:
		return e.Err.Error()
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a classified error with a message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies err. It returns nil when err is nil.
func Wrap(kind Kind, err error, msg string) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain, or Internal.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return Internal
}

// OutputOf returns captured engine output found in err's chain.
func OutputOf(err error) string {
	var fe *Error
	if errors.As(err, &fe) && fe.Output != "" {
		return fe.Output
	}
	var eo interface{ EngineOutput() string }
	if errors.As(err, &eo) {
		return eo.EngineOutput()
	}
	return ""
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
