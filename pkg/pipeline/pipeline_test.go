package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sdkerrors "github.com/wehubfusion/Conduit/pkg/errors"
	"github.com/wehubfusion/Conduit/pkg/field"
	"github.com/wehubfusion/Conduit/pkg/record"
	"github.com/wehubfusion/Conduit/pkg/sink"
	"github.com/wehubfusion/Conduit/pkg/stage"
	"github.com/wehubfusion/Conduit/pkg/stage/registry"
	"github.com/wehubfusion/Conduit/pkg/store"
)

// listSource produces one record per value, offset being the next index.
type listSource struct {
	values    []string
	issues    []sdkerrors.ValidationIssue
	destroyed atomic.Int32
}

func (s *listSource) Init(stage.Context) []sdkerrors.ValidationIssue { return s.issues }
func (s *listSource) Destroy()                                       { s.destroyed.Add(1) }

func (s *listSource) Produce(ctx stage.Context, lastOffset string, maxBatchSize int) (string, error) {
	start := 0
	if lastOffset != "" {
		n, err := strconv.Atoi(lastOffset)
		if err != nil {
			return lastOffset, err
		}
		start = n
	}
	end := min(start+maxBatchSize, len(s.values))
	for i := start; i < end; i++ {
		rec := ctx.CreateRecord(fmt.Sprintf("list::%d", i))
		if err := rec.Set("/Hello", field.NewString(s.values[i])); err != nil {
			return lastOffset, err
		}
		if err := ctx.Emit(rec); err != nil {
			return lastOffset, err
		}
	}
	next := strconv.Itoa(end)
	if end == len(s.values) {
		return next, stage.ErrEndOfData
	}
	return next, nil
}

// upperStage upper-cases /Hello and rejects "Bye".
type upperStage struct {
	issues    []sdkerrors.ValidationIssue
	destroyed atomic.Int32
}

func (s *upperStage) Init(stage.Context) []sdkerrors.ValidationIssue { return s.issues }
func (s *upperStage) Destroy()                                       { s.destroyed.Add(1) }

func (s *upperStage) ProcessRecord(ctx stage.Context, rec *record.Record) error {
	v := hello(rec)
	if v == "Bye" {
		return stage.NewRecordError("TEST_01", "bye rejected", nil)
	}
	if err := rec.Set("/Hello", field.NewString(strings.ToUpper(v))); err != nil {
		return err
	}
	return ctx.Emit(rec)
}

// routerStage sends values starting with "a" to lane "a", the rest to "other".
type routerStage struct{}

func (routerStage) Init(stage.Context) []sdkerrors.ValidationIssue { return nil }
func (routerStage) Destroy()                                       {}

func (routerStage) ProcessRecord(ctx stage.Context, rec *record.Record) error {
	if strings.HasPrefix(hello(rec), "a") {
		return ctx.Emit(rec, "a")
	}
	return ctx.Emit(rec, "other")
}

// eventStage emits one event per batch and passes records through.
type eventStage struct{}

func (eventStage) Init(stage.Context) []sdkerrors.ValidationIssue { return nil }
func (eventStage) Destroy()                                       {}

func (eventStage) ProcessBatch(ctx stage.Context, batch []*record.Record) error {
	for _, rec := range batch {
		if err := ctx.Emit(rec); err != nil {
			return err
		}
	}
	return ctx.EmitEvent(ctx.CreateEventRecord("batch-done", 1))
}

func hello(rec *record.Record) string {
	f, err := rec.Get("/Hello")
	if err != nil {
		return ""
	}
	s, _ := f.ValueAsString()
	return s
}

func hellos(recs []*record.Record) []string {
	out := make([]string, 0, len(recs))
	for _, rec := range recs {
		out = append(out, hello(rec))
	}
	return out
}

type fakeReporter struct {
	mu   sync.Mutex
	errs []error
	tags []map[string]string
}

func (r *fakeReporter) Report(err error, tags map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
	r.tags = append(r.tags, tags)
}

func (r *fakeReporter) Flush(time.Duration) bool { return true }

func runtime(t *testing.T, id string, s stage.Stage, policy stage.OnRecordError, lanes ...string) *stage.Runtime {
	t.Helper()
	rt, err := stage.NewRuntime(stage.Info{ID: id, Type: "test", Lanes: lanes}, s,
		stage.DefaultRuntimeConfig().WithOnRecordError(policy))
	require.NoError(t, err)
	return rt
}

func TestPipeline_RunToErrorPolicy(t *testing.T) {
	src := &listSource{values: []string{"Hello", "Bye", "ab", "abcd", "x"}}
	upper := &upperStage{}
	var target, errs sink.Collector

	p, err := New(runtime(t, "src", src, stage.PolicyToError), []Processor{
		{Runtime: runtime(t, "upper", upper, stage.PolicyToError)},
	}, Options{Name: "hello", BatchSize: 2, Target: &target, Errors: &errs})
	require.NoError(t, err)

	sum, err := p.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, sum.Batches)
	assert.Equal(t, 5, sum.Produced)
	assert.Equal(t, 4, sum.Delivered)
	assert.Equal(t, 1, sum.Errors)
	assert.Equal(t, "5", sum.Offset)
	assert.Equal(t, []string{"HELLO", "AB", "ABCD", "X"}, hellos(target.Records()))

	require.Len(t, errs.Records(), 1)
	failed := errs.Records()[0]
	assert.Equal(t, "Bye", hello(failed))
	require.NotNil(t, failed.Header().ErrorInfo())
	assert.Equal(t, "TEST_01", failed.Header().ErrorInfo().Code)
	assert.Equal(t, "upper", failed.Header().ErrorInfo().StageID)

	assert.Equal(t, int32(1), src.destroyed.Load())
	assert.Equal(t, int32(1), upper.destroyed.Load())
}

func TestPipeline_DiscardPolicy(t *testing.T) {
	var target, errs sink.Collector
	p, err := New(runtime(t, "src", &listSource{values: []string{"Hello", "Bye"}}, stage.PolicyDiscard), []Processor{
		{Runtime: runtime(t, "upper", &upperStage{}, stage.PolicyDiscard)},
	}, Options{Target: &target, Errors: &errs})
	require.NoError(t, err)

	sum, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"HELLO"}, hellos(target.Records()))
	assert.Empty(t, errs.Records())
	assert.Equal(t, 0, sum.Errors)
}

func TestPipeline_InputLanes(t *testing.T) {
	var target sink.Collector
	p, err := New(runtime(t, "src", &listSource{values: []string{"Hello", "ab", "x", "abcd"}}, stage.PolicyToError), []Processor{
		{Runtime: runtime(t, "router", routerStage{}, stage.PolicyToError, "a", "other")},
		{Runtime: runtime(t, "upper", &upperStage{}, stage.PolicyToError), InputLanes: []string{"a"}},
	}, Options{Target: &target})
	require.NoError(t, err)

	_, err = p.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"AB", "ABCD"}, hellos(target.Records()))
}

func TestPipeline_LastStageLanesAllDelivered(t *testing.T) {
	var target sink.Collector
	p, err := New(runtime(t, "src", &listSource{values: []string{"Hello", "ab"}}, stage.PolicyToError), []Processor{
		{Runtime: runtime(t, "router", routerStage{}, stage.PolicyToError, "a", "other")},
	}, Options{Target: &target})
	require.NoError(t, err)

	_, err = p.Run(context.Background())
	require.NoError(t, err)
	// Declared lane order, then emission order within a lane.
	assert.Equal(t, []string{"ab", "Hello"}, hellos(target.Records()))
}

func TestPipeline_EventsDelivered(t *testing.T) {
	var target, events sink.Collector
	p, err := New(runtime(t, "src", &listSource{values: []string{"a", "b", "c"}}, stage.PolicyToError), []Processor{
		{Runtime: runtime(t, "events", eventStage{}, stage.PolicyToError)},
	}, Options{BatchSize: 2, Target: &target, Events: &events})
	require.NoError(t, err)

	sum, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.Len(t, target.Records(), 3)
	require.Len(t, events.Records(), 2)
	assert.Equal(t, 2, sum.Events)
	typ, ok := events.Records()[0].Header().Attribute(record.EventTypeAttr)
	assert.True(t, ok)
	assert.Equal(t, "batch-done", typ)
}

func TestPipeline_InitFailureAggregatesAndDestroys(t *testing.T) {
	src := &listSource{issues: []sdkerrors.ValidationIssue{{Code: "SRC_01", Message: "bad source"}}}
	upper := &upperStage{issues: []sdkerrors.ValidationIssue{{Code: "UP_01", Message: "bad upper"}}}
	rep := &fakeReporter{}

	p, err := New(runtime(t, "src", src, stage.PolicyToError), []Processor{
		{Runtime: runtime(t, "upper", upper, stage.PolicyToError)},
	}, Options{Reporter: rep})
	require.NoError(t, err)

	_, err = p.Run(context.Background())
	require.Error(t, err)
	var verr *sdkerrors.ValidationError
	require.ErrorAs(t, err, &verr)
	require.Len(t, verr.Issues, 2)
	assert.Equal(t, "src", verr.Issues[0].Stage)
	assert.Equal(t, "UP_01", verr.Issues[1].Code)

	assert.Equal(t, int32(1), src.destroyed.Load())
	assert.Equal(t, int32(1), upper.destroyed.Load())
	assert.Len(t, rep.errs, 1)
}

func TestPipeline_StopPipelineReportsFatal(t *testing.T) {
	upper := &upperStage{}
	var target sink.Collector
	rep := &fakeReporter{}
	p, err := New(runtime(t, "src", &listSource{values: []string{"Hello", "Bye", "x"}}, stage.PolicyStopPipeline), []Processor{
		{Runtime: runtime(t, "upper", upper, stage.PolicyStopPipeline)},
	}, Options{Name: "stopper", BatchSize: 2, Target: &target, Reporter: rep})
	require.NoError(t, err)

	sum, err := p.Run(context.Background())
	require.Error(t, err)
	assert.True(t, stage.IsFatal(err))
	var fatal *stage.StageFatalError
	require.ErrorAs(t, err, &fatal)
	assert.Equal(t, "upper", fatal.StageID)

	assert.Empty(t, target.Records())
	assert.Equal(t, 0, sum.Delivered)
	require.Len(t, rep.errs, 1)
	assert.Equal(t, "stopper", rep.tags[0]["pipeline"])
	assert.Equal(t, int32(1), upper.destroyed.Load())
}

type failingSink struct{}

func (failingSink) Write(context.Context, []*record.Record) error { return errors.New("disk full") }
func (failingSink) Close() error                                  { return nil }

func TestPipeline_SinkFailureStops(t *testing.T) {
	p, err := New(runtime(t, "src", &listSource{values: []string{"a"}}, stage.PolicyToError), nil,
		Options{Target: failingSink{}})
	require.NoError(t, err)

	_, err = p.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.Contains(t, err.Error(), "target sink")
}

func TestPipeline_CancelledContext(t *testing.T) {
	src := &listSource{values: []string{"a"}}
	rep := &fakeReporter{}
	p, err := New(runtime(t, "src", src, stage.PolicyToError), nil, Options{Reporter: rep})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = p.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, rep.errs)
	assert.Equal(t, int32(1), src.destroyed.Load())
}

func TestNew_Validation(t *testing.T) {
	_, err := New(nil, nil, Options{})
	assert.Error(t, err)

	_, err = New(runtime(t, "up", &upperStage{}, stage.PolicyToError), nil, Options{})
	assert.ErrorIs(t, err, stage.ErrNotASource)

	src := runtime(t, "src", &listSource{}, stage.PolicyToError)
	_, err = New(src, []Processor{{Runtime: runtime(t, "src2", &listSource{}, stage.PolicyToError)}}, Options{})
	assert.ErrorIs(t, err, stage.ErrNotAProcessor)

	_, err = New(src, []Processor{{Runtime: runtime(t, "up", &upperStage{}, stage.PolicyToError), InputLanes: []string{"missing"}}}, Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing")

	_, err = New(src, []Processor{{Runtime: runtime(t, "src", &upperStage{}, stage.PolicyToError)}}, Options{})
	assert.Error(t, err)
}

func testRegistry() *registry.Registry {
	reg := registry.New()
	reg.Register("list", func(cfg registry.StageConfig) (stage.Stage, error) {
		return &listSource{values: cfg.Config.Strings("values")}, nil
	})
	reg.Register("upper", func(registry.StageConfig) (stage.Stage, error) {
		return &upperStage{}, nil
	})
	reg.Register("router", func(registry.StageConfig) (stage.Stage, error) {
		return routerStage{}, nil
	})
	return reg
}

func TestFromDefinition(t *testing.T) {
	def := &store.PipelineDefinition{
		Name:          "greetings",
		OnRecordError: "DISCARD",
		BatchSize:     1,
		Stages: []registry.StageConfig{
			{ID: "src", Type: "list", Config: registry.Config{"values": []string{"Hello", "Bye", "ab"}}},
			{ID: "router", Type: "router", Lanes: []string{"a", "other"}},
			{ID: "upper", Type: "upper", InputLanes: []string{"other"}, OnRecordError: "TO_ERROR"},
		},
	}
	var target, errs sink.Collector
	p, err := FromDefinition(def, testRegistry(), Options{Target: &target, Errors: &errs})
	require.NoError(t, err)
	assert.Equal(t, "greetings", p.Name())

	sum, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, sum.Batches)
	assert.Equal(t, []string{"HELLO"}, hellos(target.Records()))
	assert.Equal(t, []string{"Bye"}, hellos(errs.Records()))
}

func TestFromDefinition_Errors(t *testing.T) {
	reg := testRegistry()
	tests := []struct {
		name string
		def  *store.PipelineDefinition
		want string
	}{
		{
			name: "unknown type",
			def:  &store.PipelineDefinition{Name: "p", Stages: []registry.StageConfig{{ID: "s", Type: "nope"}}},
			want: "nope",
		},
		{
			name: "bad pipeline policy",
			def:  &store.PipelineDefinition{Name: "p", OnRecordError: "IGNORE", Stages: []registry.StageConfig{{ID: "s", Type: "list"}}},
			want: "IGNORE",
		},
		{
			name: "bad stage policy",
			def:  &store.PipelineDefinition{Name: "p", Stages: []registry.StageConfig{{ID: "s", Type: "list", OnRecordError: "RETRY"}}},
			want: "RETRY",
		},
		{
			name: "first stage not a source",
			def:  &store.PipelineDefinition{Name: "p", Stages: []registry.StageConfig{{ID: "s", Type: "upper"}}},
			want: "not a source",
		},
		{
			name: "source with input lanes",
			def:  &store.PipelineDefinition{Name: "p", Stages: []registry.StageConfig{{ID: "s", Type: "list", InputLanes: []string{"x"}}}},
			want: "input lanes",
		},
		{
			name: "invalid definition",
			def:  &store.PipelineDefinition{Name: "p"},
			want: "no stages",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := FromDefinition(tt.def, reg, Options{})
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}

	_, err := FromDefinition(nil, reg, Options{})
	assert.Error(t, err)
	_, err = FromDefinition(&store.PipelineDefinition{Name: "p"}, nil, Options{})
	assert.Error(t, err)
}

func TestRunParallel(t *testing.T) {
	var target sink.Collector
	var built atomic.Int32
	sums, err := RunParallel(context.Background(), 3, func(i int) (*Pipeline, error) {
		built.Add(1)
		src, err := stage.NewRuntime(stage.Info{ID: "src", Type: "list"},
			&listSource{values: []string{fmt.Sprintf("a%d", i), fmt.Sprintf("b%d", i)}}, stage.DefaultRuntimeConfig())
		if err != nil {
			return nil, err
		}
		up, err := stage.NewRuntime(stage.Info{ID: "upper", Type: "upper"}, &upperStage{}, stage.DefaultRuntimeConfig())
		if err != nil {
			return nil, err
		}
		return New(src, []Processor{{Runtime: up}}, Options{Name: fmt.Sprintf("p%d", i), Target: &target})
	})
	require.NoError(t, err)
	assert.Equal(t, int32(3), built.Load())
	require.Len(t, sums, 3)
	for _, s := range sums {
		assert.Equal(t, 2, s.Delivered)
	}
	assert.ElementsMatch(t, []string{"A0", "B0", "A1", "B1", "A2", "B2"}, hellos(target.Records()))
}

func TestRunParallel_JoinsErrors(t *testing.T) {
	sums, err := RunParallel(context.Background(), 2, func(i int) (*Pipeline, error) {
		if i == 1 {
			return nil, errors.New("no database")
		}
		src, err := stage.NewRuntime(stage.Info{ID: "src"}, &listSource{values: []string{"a"}}, stage.DefaultRuntimeConfig())
		if err != nil {
			return nil, err
		}
		return New(src, nil, Options{})
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "build instance 1: no database")
	assert.Equal(t, 1, sums[0].Delivered)

	_, err = RunParallel(context.Background(), 0, nil)
	assert.Error(t, err)
}

func TestSentryReporter_WithoutDSN(t *testing.T) {
	r, err := NewSentryReporter(SentryConfig{Environment: "test"})
	require.NoError(t, err)
	r.Report(&stage.StageFatalError{StageID: "js", Phase: "process", Cause: errors.New("boom")}, map[string]string{"pipeline": "p"})
	r.Report(nil, nil)
	r.Flush(10 * time.Millisecond)

	_, err = NewSentryReporter(SentryConfig{DSN: "not a dsn"})
	assert.Error(t, err)
}
