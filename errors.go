package soundlens

import (
	"errors"
	"fmt"

	"github.com/soundlens/soundlens/loss"
)

var (
	// ErrDegenerateBatch is returned when a batch of fewer than two
	// samples reaches the contrastive objective.
	ErrDegenerateBatch = errors.New("batch size must be at least 2")

	// ErrNoValidationData is returned when an evaluation pass finds an
	// empty validation source.
	ErrNoValidationData = errors.New("validation source is empty")
)

// ErrViewMismatch indicates a positive view whose embedding batch does
// not line up with the audio batch. Views are validated before any
// similarity matrix is built.
//
// The original underlying error (if any) can be accessed via errors.Unwrap.
type ErrViewMismatch struct {
	View       int
	ViewShape  []int
	AudioShape []int
	cause      error
}

func (e *ErrViewMismatch) Error() string {
	return fmt.Sprintf("view %d shape %v does not match audio shape %v", e.View, e.ViewShape, e.AudioShape)
}

func (e *ErrViewMismatch) Unwrap() error { return e.cause }

// ErrCheckpointLoad indicates that the startup resume failed. A
// corrupt or unreadable record is fatal; the loop never starts from a
// partial restore.
//
// The original underlying error (if any) can be accessed via errors.Unwrap.
type ErrCheckpointLoad struct {
	Name  string
	cause error
}

func (e *ErrCheckpointLoad) Error() string {
	return fmt.Sprintf("cannot resume from checkpoint %q: %v", e.Name, e.cause)
}

func (e *ErrCheckpointLoad) Unwrap() error { return e.cause }

func translateError(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, loss.ErrDegenerateBatch) {
		return fmt.Errorf("%w: %w", ErrDegenerateBatch, err)
	}
	var se *loss.ShapeError
	if errors.As(err, &se) {
		return &ErrViewMismatch{View: se.View, ViewShape: se.ViewShape, AudioShape: se.AudioShape, cause: err}
	}

	return err
}
