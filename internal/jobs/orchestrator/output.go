package orchestrator

import (
	"errors"
	"strings"
)

// Output is the typed artifact of one stage. Validate runs once, before the artifact is
// committed, so later stages can trust what they load.
type Output interface {
	Validate() error
}

// Text is the output of stages that produce a single document.
type Text struct {
	Text string `json:"text"`
}

func (t Text) Validate() error {
	if strings.TrimSpace(t.Text) == "" {
		return errors.New("empty text")
	}
	return nil
}

// Skipped marks a stage that intentionally produced nothing.
type Skipped struct {
	Skipped bool   `json:"skipped"`
	Reason  string `json:"reason,omitempty"`
}

func (Skipped) Validate() error { return nil }

func Skip(reason string) Skipped { return Skipped{Skipped: true, Reason: reason} }

type permanentError struct{ err error }

func (e *permanentError) Error() string   { return e.err.Error() }
func (e *permanentError) Unwrap() error   { return e.err }
func (e *permanentError) Permanent() bool { return true }

// Permanent marks err as not worth retrying within the stage.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether any error in the chain declares itself permanent.
func IsPermanent(err error) bool {
	var p interface{ Permanent() bool }
	return errors.As(err, &p) && p.Permanent()
}
