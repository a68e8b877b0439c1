// Package stage defines the contract between pluggable pipeline stages and
// the runtime that drives them, and provides that runtime.
//
// A stage is initialized once, processes batches of records sequentially and
// is destroyed once. The Runtime enforces the lifecycle, routes failing
// records according to the configured OnRecordError policy and accounts for
// every input record.
package stage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	sdkerrors "github.com/wehubfusion/Conduit/pkg/errors"
	"github.com/wehubfusion/Conduit/pkg/el"
	"github.com/wehubfusion/Conduit/pkg/record"
)

// DefaultLane is used when a stage declares no output lanes.
const DefaultLane = "output"

// Stage is implemented by every pipeline stage.
type Stage interface {
	// Init validates configuration and acquires resources. A non-empty
	// result means the stage is unusable.
	Init(ctx Context) []sdkerrors.ValidationIssue

	// Destroy releases resources. It is called at most once, and only after
	// Init was attempted.
	Destroy()
}

// RecordProcessor transforms one record at a time. Returning an error marks
// the record as failed; its emissions are dropped and the runtime applies
// the OnRecordError policy.
type RecordProcessor interface {
	Stage
	ProcessRecord(ctx Context, rec *record.Record) error
}

// BatchProcessor transforms a whole batch. Per-record failures are reported
// through Context.OnRecordError; a returned error is fatal for the batch.
// A stage implementing both processor interfaces is driven as a BatchProcessor.
type BatchProcessor interface {
	Stage
	ProcessBatch(ctx Context, batch []*record.Record) error
}

// Source produces records. It emits up to maxBatchSize records through the
// context and returns the offset to resume from. ErrEndOfData signals that
// the source is exhausted; records emitted in the same call still count.
type Source interface {
	Stage
	Produce(ctx Context, lastOffset string, maxBatchSize int) (string, error)
}

// Context is handed to a stage for the duration of Init, a batch, or Destroy.
type Context interface {
	// Context returns the context.Context governing blocking work.
	Context() context.Context

	// StageID returns the id of the running stage instance.
	StageID() string

	// Lanes returns the declared output lanes.
	Lanes() []string

	// Logger returns a logger scoped to the stage.
	Logger() *zap.Logger

	// Scope returns the evaluation scope of the current batch, with
	// time_now pinned to the batch start. It is nil outside a batch.
	Scope() *el.Scope

	// Policy returns the configured OnRecordError policy.
	Policy() OnRecordError

	// CreateRecord creates an empty record attributed to this stage.
	CreateRecord(sourceID string) *record.Record

	// CreateEventRecord creates an event record attributed to this stage.
	CreateEventRecord(eventType string, version int) *record.Record

	// Emit sends rec to the named lanes, or to every declared lane when none
	// are named. Emitting to an undeclared lane is fatal.
	Emit(rec *record.Record, lanes ...string) error

	// EmitEvent sends an event record to the event sink.
	EmitEvent(rec *record.Record) error

	// ToError routes rec, as given, to the error sink regardless of policy.
	ToError(rec *record.Record, err error) error

	// OnRecordError applies the OnRecordError policy to rec. Under
	// STOP_PIPELINE it returns a *StageFatalError the stage should return.
	OnRecordError(rec *record.Record, err error) error
}

// Info identifies a stage instance.
type Info struct {
	// ID is the unique id of the stage instance within its pipeline
	ID string
	// Type is the registered stage type name
	Type string
	// Lanes are the declared output lanes
	Lanes []string
}

func (i Info) lanes() []string {
	if len(i.Lanes) == 0 {
		return []string{DefaultLane}
	}
	return i.Lanes
}

// State is the lifecycle state of a Runtime.
type State int32

const (
	StateCreated State = iota
	StateInitialized
	StateProcessing
	StateDestroyed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "CREATED"
	case StateInitialized:
		return "INITIALIZED"
	case StateProcessing:
		return "PROCESSING"
	case StateDestroyed:
		return "DESTROYED"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// OnRecordError selects what happens to a record that fails processing.
type OnRecordError int

const (
	// PolicyDiscard drops the record and continues.
	PolicyDiscard OnRecordError = iota
	// PolicyToError sends the pre-transform record to the error sink and continues.
	PolicyToError
	// PolicyStopPipeline aborts the batch with a StageFatalError.
	PolicyStopPipeline
)

func (p OnRecordError) String() string {
	switch p {
	case PolicyDiscard:
		return "DISCARD"
	case PolicyToError:
		return "TO_ERROR"
	case PolicyStopPipeline:
		return "STOP_PIPELINE"
	}
	return fmt.Sprintf("OnRecordError(%d)", int(p))
}

// ParseOnRecordError parses DISCARD, TO_ERROR or STOP_PIPELINE, case-insensitively.
func ParseOnRecordError(s string) (OnRecordError, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DISCARD":
		return PolicyDiscard, nil
	case "TO_ERROR":
		return PolicyToError, nil
	case "STOP_PIPELINE":
		return PolicyStopPipeline, nil
	}
	return 0, fmt.Errorf("unknown on-record-error policy %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (p OnRecordError) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *OnRecordError) UnmarshalText(b []byte) error {
	parsed, err := ParseOnRecordError(string(b))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// BatchReport accounts for one batch. For processors every input record is
// counted exactly once as passed, errored or discarded.
type BatchReport struct {
	StageID    string
	Input      int
	Passed     int
	Errored    int
	Discarded  int
	LaneCounts map[string]int
	ErrorCount int
	EventCount int
	Duration   time.Duration
}

// Balanced reports whether passed + errored + discarded equals the input count.
func (r BatchReport) Balanced() bool {
	return r.Passed+r.Errored+r.Discarded == r.Input
}

// Output is what a batch produced.
type Output struct {
	// Lanes maps each declared lane to its records in emission order
	Lanes map[string][]*record.Record
	// Errors holds records routed to the error sink
	Errors []*record.Record
	// Events holds event records
	Events []*record.Record
	// Report accounts for the batch
	Report BatchReport

	order []string
}

func newOutput(stageID string, lanes []string) *Output {
	out := &Output{
		Lanes: make(map[string][]*record.Record, len(lanes)),
		Report: BatchReport{
			StageID:    stageID,
			LaneCounts: make(map[string]int, len(lanes)),
		},
		order: lanes,
	}
	for _, lane := range lanes {
		out.Lanes[lane] = nil
		out.Report.LaneCounts[lane] = 0
	}
	return out
}

// Records returns the records of the given lanes, in lane order. With no
// lanes named it returns every lane's records in declared lane order.
func (o *Output) Records(lanes ...string) []*record.Record {
	if len(lanes) == 0 {
		lanes = o.order
	}
	var out []*record.Record
	for _, lane := range lanes {
		out = append(out, o.Lanes[lane]...)
	}
	return out
}
