package importer

import (
	"context"
	"fmt"

	"github.com/pkg/errors"

	"github.com/DavieBik/questify-glow-sub000/core"
)

var (
	ErrEmptyFile           = errors.New("the selected file is empty")
	ErrUnsupportedFileType = errors.New("unsupported file type: upload a CSV, TSV or XLSX file")
	ErrUnknownColumn       = errors.New("column not found in the uploaded file")
	ErrUnknownTarget       = errors.New("unknown target field")
	ErrBusy                = errors.New("another import step is still running")
	ErrCommitNotAllowed    = errors.New("commit requires a clean dry-run of the current mapping")
	ErrWorkflowReset       = errors.New("the import was reset")
	ErrNoJob               = errors.New("no import job uploaded")

	genericFailureMessage = "Something went wrong while talking to the server. Please try again."
	timeoutMessage        = "The server took too long to respond. Please try again."
)

// StageError is returned when an operation is not available at the current stage.
type StageError struct {
	Op    string
	Stage Stage
}

func (e *StageError) Error() string {
	return fmt.Sprintf("cannot %s while the import is %s", e.Op, e.Stage)
}

// RemoteError is a failed gateway call. Message is the human readable text sent by the remote, if any.
type RemoteError struct {
	Op      string
	Message string
	Err     error
}

func (e *RemoteError) Error() string {
	switch {
	case e.Message != "":
		return e.Op + ": " + e.Message
	case e.Err != nil:
		return e.Op + ": " + e.Err.Error()
	}
	return e.Op + ": remote call failed"
}

func (e *RemoteError) Unwrap() error {
	return e.Err
}

// remoteError converts a gateway error into a *RemoteError for op.
func remoteError(op string, err error) *RemoteError {
	var rerr *RemoteError
	if errors.As(err, &rerr) {
		if rerr.Op == "" {
			rerr.Op = op
		}
		return rerr
	}

	rerr = &RemoteError{Op: op, Err: err}
	var verr *core.ValidationError
	switch {
	case errors.As(err, &verr):
		rerr.Message = verr.Error()
	case errors.Is(err, context.DeadlineExceeded):
		rerr.Message = timeoutMessage
	}
	return rerr
}

// Message returns the text to show the user for an error returned by the Workflow.
func Message(err error) string {
	if err == nil {
		return ""
	}

	var rerr *RemoteError
	if errors.As(err, &rerr) {
		if rerr.Message != "" {
			return rerr.Message
		}
		return genericFailureMessage
	}

	var serr *StageError
	if errors.As(err, &serr) {
		return serr.Error()
	}

	switch errors.Cause(err) {
	case ErrEmptyFile, ErrUnsupportedFileType, ErrUnknownColumn, ErrUnknownTarget,
		ErrBusy, ErrCommitNotAllowed, ErrWorkflowReset, ErrNoJob:
		return errors.Cause(err).Error()
	}
	return genericFailureMessage
}
