package pipeline

import (
	"errors"
	"fmt"
	"io"
	"os"
	"syscall"
)

// ErrStopped is returned by Run when the caller cancelled the context.
var ErrStopped = errors.New("pipeline: stopped")

// Stage names used in errors, logs and metrics.
const (
	StageInput     = "input"
	StageInference = "inference"
	StageOutput    = "output"
)

// StageError records which stage and operation failed.
type StageError struct {
	Stage string
	Op    string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("pipeline: %s stage: %s: %v", e.Stage, e.Op, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

func stageErr(stage, op string, err error) error {
	return &StageError{Stage: stage, Op: op, Err: err}
}

// IsBrokenPipe reports whether err means the downstream consumer went away.
func IsBrokenPipe(err error) bool {
	return errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, os.ErrClosed)
}
