package stage

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	sdkerrors "github.com/wehubfusion/Conduit/pkg/errors"
	"github.com/wehubfusion/Conduit/pkg/el"
	"github.com/wehubfusion/Conduit/pkg/record"
)

type outcome int

const (
	outcomeNone outcome = iota
	outcomeErrored
	outcomeDiscarded
)

type pendingEmit struct {
	rec   *record.Record
	lanes []string
}

type pendingError struct {
	rec  *record.Record
	info record.ErrorInfo
}

// staging buffers what a record (record mode) or a batch (batch mode)
// produced until the runtime knows whether to commit it.
type staging struct {
	emits   []pendingEmit
	errs    []pendingError
	marks   map[*record.Record]outcome
	routed  map[*record.Record]bool
	emitted map[*record.Record]bool
}

func newStaging() *staging {
	return &staging{
		marks:   make(map[*record.Record]outcome),
		routed:  make(map[*record.Record]bool),
		emitted: make(map[*record.Record]bool),
	}
}

// stageContext implements Context. One instance serves Init, Destroy, or a single batch.
type stageContext struct {
	ctx   context.Context
	rt    *Runtime
	scope *el.Scope

	// batch state, nil outside Process and Produce
	out       *Output
	st        *staging
	snapshots map[*record.Record]*record.Record
	fatal     error
}

func (c *stageContext) Context() context.Context { return c.ctx }
func (c *stageContext) StageID() string          { return c.rt.info.ID }
func (c *stageContext) Lanes() []string          { return c.rt.lanes }
func (c *stageContext) Logger() *zap.Logger      { return c.rt.logger }
func (c *stageContext) Scope() *el.Scope         { return c.scope }
func (c *stageContext) Policy() OnRecordError    { return c.rt.cfg.OnRecordError }

func (c *stageContext) CreateRecord(sourceID string) *record.Record {
	return record.New(sourceID, c.rt.info.ID, nil)
}

func (c *stageContext) CreateEventRecord(eventType string, version int) *record.Record {
	return record.NewEvent(c.rt.info.ID, eventType, version)
}

func (c *stageContext) inBatch() error {
	if c.st == nil {
		return fmt.Errorf("%w: records can only be routed while processing a batch", sdkerrors.ErrInvalidState)
	}
	return nil
}

func (c *stageContext) fail(rec *record.Record, cause error) error {
	fatal := &StageFatalError{StageID: c.rt.info.ID, Phase: "process", Record: rec, Cause: cause}
	if c.fatal == nil {
		c.fatal = fatal
	}
	return fatal
}

func (c *stageContext) Emit(rec *record.Record, lanes ...string) error {
	if err := c.inBatch(); err != nil {
		return err
	}
	if rec == nil {
		return errors.New("cannot emit a nil record")
	}
	if len(lanes) == 0 {
		lanes = c.rt.lanes
	}
	for _, lane := range lanes {
		if !c.rt.declared[lane] {
			return c.fail(rec, fmt.Errorf("%w: %q", ErrUndeclaredLane, lane))
		}
	}
	if c.st.routed[rec] || rec.Header().ErrorInfo() != nil {
		return fmt.Errorf("%w: record %s was routed to the error sink", sdkerrors.ErrInvalidState, rec.Header().ID())
	}
	c.st.emits = append(c.st.emits, pendingEmit{rec: rec, lanes: lanes})
	c.st.emitted[rec] = true
	return nil
}

func (c *stageContext) EmitEvent(rec *record.Record) error {
	if err := c.inBatch(); err != nil {
		return err
	}
	if rec == nil || !rec.IsEvent() {
		return fmt.Errorf("%w: not an event record", sdkerrors.ErrInvalidState)
	}
	// Events are not staged: they survive a failure of the record that raised them.
	rec.Header().AppendStage(c.rt.info.ID)
	c.out.Events = append(c.out.Events, rec)
	return nil
}

func (c *stageContext) ToError(rec *record.Record, err error) error {
	if e := c.inBatch(); e != nil {
		return e
	}
	if rec == nil {
		return errors.New("cannot route a nil record")
	}
	if c.st.routed[rec] || rec.Header().ErrorInfo() != nil {
		return fmt.Errorf("%w: record %s was already routed to the error sink", sdkerrors.ErrInvalidState, rec.Header().ID())
	}
	c.route(rec, rec, err)
	return nil
}

func (c *stageContext) OnRecordError(rec *record.Record, err error) error {
	if e := c.inBatch(); e != nil {
		return e
	}
	if rec == nil {
		return errors.New("cannot route a nil record")
	}
	switch c.rt.cfg.OnRecordError {
	case PolicyDiscard:
		c.st.marks[rec] = outcomeDiscarded
		c.rt.logger.Debug("Discarding failed record",
			zap.String("stage", c.rt.info.ID),
			zap.String("record", rec.Header().ID()),
			zap.Error(err))
		return nil
	case PolicyToError:
		target := rec
		if snap, ok := c.snapshots[rec]; ok {
			target = snap
		}
		if c.st.routed[target] || target.Header().ErrorInfo() != nil {
			c.st.marks[rec] = outcomeErrored
			return nil
		}
		c.route(rec, target, err)
		return nil
	}
	return c.fail(rec, err)
}

// route stages target for the error sink on behalf of input rec.
func (c *stageContext) route(rec, target *record.Record, err error) {
	if err == nil {
		err = errors.New("record routed to error")
	}
	c.st.routed[rec] = true
	c.st.routed[target] = true
	c.st.marks[rec] = outcomeErrored
	c.st.errs = append(c.st.errs, pendingError{
		rec: target,
		info: record.ErrorInfo{
			StageID:   c.rt.info.ID,
			Code:      errorCode(err),
			Message:   errorMessage(err),
			Timestamp: c.rt.cfg.Clock(),
		},
	})
}

// commit moves staged emissions and error routes into the output and
// returns the number of records committed to lanes.
func (c *stageContext) commit(st *staging) int {
	committed := 0
	for _, pe := range st.errs {
		if err := pe.rec.Header().AttachError(pe.info); err != nil {
			c.rt.logger.Warn("Record already carries error metadata",
				zap.String("stage", c.rt.info.ID),
				zap.String("record", pe.rec.Header().ID()))
		}
		c.out.Errors = append(c.out.Errors, pe.rec)
	}
	for _, em := range st.emits {
		if st.marks[em.rec] != outcomeNone || st.routed[em.rec] {
			continue
		}
		em.rec.Header().AppendStage(c.rt.info.ID)
		for i, lane := range em.lanes {
			r := em.rec
			if i > 0 {
				r = em.rec.Clone()
			}
			c.out.Lanes[lane] = append(c.out.Lanes[lane], r)
			c.out.Report.LaneCounts[lane]++
		}
		committed++
	}
	return committed
}

// classify accounts for input rec after st was committed. passed reports
// whether the record produced output.
func (c *stageContext) classify(st *staging, rec *record.Record, passed bool) {
	switch st.marks[rec] {
	case outcomeErrored:
		c.out.Report.Errored++
	case outcomeDiscarded:
		c.out.Report.Discarded++
	default:
		if passed {
			c.out.Report.Passed++
		} else {
			c.out.Report.Discarded++
		}
	}
}
