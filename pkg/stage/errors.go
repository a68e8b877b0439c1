package stage

import (
	"errors"
	"fmt"

	sdkerrors "github.com/wehubfusion/Conduit/pkg/errors"
	"github.com/wehubfusion/Conduit/pkg/record"
)

// Common errors used by the stage runtime.
var (
	// ErrConcurrentProcess is returned when Process is called while another batch is in flight.
	ErrConcurrentProcess = errors.New("stage is already processing a batch")

	// ErrNotInitialized is returned when processing a stage that did not initialize successfully.
	ErrNotInitialized = errors.New("stage is not initialized")

	// ErrDestroyed is returned when using a destroyed stage.
	ErrDestroyed = errors.New("stage is destroyed")

	// ErrUndeclaredLane is returned when a stage emits to a lane it did not declare.
	ErrUndeclaredLane = errors.New("undeclared output lane")

	// ErrInterrupted is returned when a batch stops early because of Destroy or cancellation.
	ErrInterrupted = errors.New("batch interrupted")

	// ErrEndOfData is returned by a Source that has no more records.
	ErrEndOfData = errors.New("end of data")

	// ErrNotASource is returned when producing from a stage that is not a Source.
	ErrNotASource = errors.New("stage is not a source")

	// ErrNotAProcessor is returned when processing with a stage that is not a processor.
	ErrNotAProcessor = errors.New("stage is not a processor")
)

// DefaultErrorCode is attached to error records whose cause carries no code.
const DefaultErrorCode = "RECORD_ERROR"

// RecordProcessingError is a failure scoped to one record. It is governed by
// the OnRecordError policy and never aborts a batch by itself.
type RecordProcessingError struct {
	// Code is a machine-readable error code for the error record
	Code string
	// Message is a human-readable message
	Message string
	// Cause is the underlying error, if any
	Cause error
}

// NewRecordError creates a record-scoped error.
func NewRecordError(code, message string, cause error) *RecordProcessingError {
	return &RecordProcessingError{Code: code, Message: message, Cause: cause}
}

func (e *RecordProcessingError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *RecordProcessingError) Unwrap() error {
	return e.Cause
}

// StageFatalError aborts a batch. It carries the stage id and, when known,
// the record that triggered it.
type StageFatalError struct {
	StageID string
	// Phase is init, process, produce or destroy
	Phase  string
	Record *record.Record
	Cause  error
}

func (e *StageFatalError) Error() string {
	if e.Record != nil {
		return fmt.Sprintf("stage %s failed during %s on record %s: %v", e.StageID, e.Phase, e.Record.Header().ID(), e.Cause)
	}
	return fmt.Sprintf("stage %s failed during %s: %v", e.StageID, e.Phase, e.Cause)
}

func (e *StageFatalError) Unwrap() error {
	return e.Cause
}

// IsFatal reports whether err aborts the batch.
func IsFatal(err error) bool {
	var fatal *StageFatalError
	return errors.As(err, &fatal)
}

// errorCode picks the code recorded on an error record.
func errorCode(err error) string {
	var rpe *RecordProcessingError
	if errors.As(err, &rpe) && rpe.Code != "" {
		return rpe.Code
	}
	return sdkerrors.Code(err, DefaultErrorCode)
}

// errorMessage picks the message recorded on an error record.
func errorMessage(err error) string {
	var rpe *RecordProcessingError
	if errors.As(err, &rpe) && rpe.Message != "" {
		if rpe.Cause != nil {
			return rpe.Message + ": " + rpe.Cause.Error()
		}
		return rpe.Message
	}
	return err.Error()
}
