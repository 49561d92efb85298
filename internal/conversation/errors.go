package conversation

import (
	"errors"
	"fmt"
)

// Kind classifies conversation failures by how the engine recovers.
type Kind int

const (
	// KindValidation means the input failed the step's format rule; nothing is stored.
	KindValidation Kind = iota + 1
	// KindTransient means a collaborator failed; the same prompt can be retried.
	KindTransient
	// KindUnrecoverable means the captured value can never succeed (duplicate
	// email, wrong or expired code); the step is cleared.
	KindUnrecoverable
	// KindNotFound means a reply arrived with no conversation in progress.
	KindNotFound
	// KindPrecondition means the command cannot run yet.
	KindPrecondition
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindTransient:
		return "transient"
	case KindUnrecoverable:
		return "unrecoverable"
	case KindNotFound:
		return "not_found"
	case KindPrecondition:
		return "precondition"
	}
	return "unknown"
}

// Error is a failure that carries everything needed to render it.
type Error struct {
	Kind    Kind
	Step    string
	Key     string
	Vars    Vars
	Choices [][]Choice
	Err     error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("conversation %s", e.Kind)
	if e.Step != "" {
		msg += " at " + e.Step
	}
	if e.Key != "" {
		msg += " (" + e.Key + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Code is picked up by the router's handler summary as err_code.
func (e *Error) Code() string { return "conv." + e.Kind.String() }

// Render builds the user-facing message for e.
func (e *Error) Render(t Texts) Message {
	return Message{Text: t.Text(e.Key, e.Vars), Choices: e.Choices}
}

// Validation reports an input that does not satisfy step's rule.
func Validation(step string) *Error {
	return &Error{Kind: KindValidation, Step: step, Key: "common.invalid_step", Vars: Vars{"step": step}}
}

// Transient wraps a collaborator failure.
func Transient(key string, err error) *Error {
	return &Error{Kind: KindTransient, Key: key, Err: err}
}

// Unrecoverable reports a value that must be entered again.
func Unrecoverable(key string, err error) *Error {
	return &Error{Kind: KindUnrecoverable, Key: key, Err: err}
}

// WithChoices sets the retry keyboard and returns e.
func (e *Error) WithChoices(choices [][]Choice) *Error {
	e.Choices = choices
	return e
}

// WithVars sets template variables and returns e.
func (e *Error) WithVars(vars Vars) *Error {
	e.Vars = vars
	return e
}

// AsError converts any error into *Error, treating unknown errors as transient.
func AsError(err error) *Error {
	var ce *Error
	if errors.As(err, &ce) {
		return ce
	}
	return Transient("common.generic_failure", err)
}

// KindOf returns the kind of err, or zero when err is nil.
func KindOf(err error) Kind {
	if err == nil {
		return 0
	}
	return AsError(err).Kind
}
