// Package record defines the unit of data flowing through a pipeline: a
// root field plus a header of metadata.
package record

import (
	"iter"
	"strconv"
	"time"

	"github.com/google/uuid"

	sdkerrors "github.com/wehubfusion/Conduit/pkg/errors"
	"github.com/wehubfusion/Conduit/pkg/field"
)

// Header attributes carried by event records.
const (
	EventTypeAttr     = "event.type"
	EventVersionAttr  = "event.version"
	EventCreationAttr = "event.creation_timestamp"
	EventStageAttr    = "event.stage"
)

// Record is a root field plus header metadata. A record is owned by the
// stage processing it; emitting it transfers ownership.
type Record struct {
	header *Header
	root   *field.Field
}

// New creates a record with a fresh id. A nil root starts as an empty MAP.
func New(sourceID, stageCreator string, root *field.Field) *Record {
	if root == nil {
		root = field.NewMap(nil)
	}
	return &Record{
		header: &Header{
			id:           uuid.NewString(),
			sourceID:     sourceID,
			stageCreator: stageCreator,
		},
		root: root,
	}
}

// NewEvent creates an event record tagged with its type and version.
func NewEvent(stageCreator, eventType string, version int) *Record {
	r := New(stageCreator+"::event::"+eventType, stageCreator, field.NewMap(nil))
	r.header.SetAttribute(EventTypeAttr, eventType)
	r.header.SetAttribute(EventVersionAttr, strconv.Itoa(version))
	r.header.SetAttribute(EventCreationAttr, strconv.FormatInt(time.Now().UnixMilli(), 10))
	r.header.SetAttribute(EventStageAttr, stageCreator)
	return r
}

// IsEvent reports whether the record carries an event type.
func (r *Record) IsEvent() bool {
	_, ok := r.header.Attribute(EventTypeAttr)
	return ok
}

// Header returns the mutable header.
func (r *Record) Header() *Header {
	return r.header
}

// Root returns the root field.
func (r *Record) Root() *field.Field {
	return r.root
}

// Get returns the field at path. "" and "/" return the root.
func (r *Record) Get(path string) (*field.Field, error) {
	return r.root.Get(path)
}

// Has reports whether path resolves.
func (r *Record) Has(path string) bool {
	return r.root.Has(path)
}

// Set stores f at path, replacing it wholesale. Setting "" or "/" replaces the root.
func (r *Record) Set(path string, f *field.Field) error {
	if f == nil {
		return sdkerrors.NewInvalidPath(path, "nil field")
	}
	if path == "" || path == "/" {
		r.root = f
		return nil
	}
	return r.root.Put(path, f)
}

// Delete removes and returns the field at path.
func (r *Record) Delete(path string) (*field.Field, error) {
	return r.root.Delete(path)
}

// EscapedFieldPaths yields the escaped path of every field, depth-first in
// pre-order starting with "". Each yielded path resolves through Get. The
// sequence is lazy and can be ranged over again.
func (r *Record) EscapedFieldPaths() iter.Seq[string] {
	return func(yield func(string) bool) {
		for p := range r.root.Walk() {
			if !yield(p) {
				return
			}
		}
	}
}

// Clone returns a deep copy with a new record id.
func (r *Record) Clone() *Record {
	return &Record{
		header: r.header.clone(uuid.NewString()),
		root:   r.root.Clone(),
	}
}

// Snapshot returns a deep copy that keeps the record id.
func (r *Record) Snapshot() *Record {
	return &Record{
		header: r.header.clone(r.header.id),
		root:   r.root.Clone(),
	}
}

func (r *Record) String() string {
	return "Record[" + r.header.id + " source=" + r.header.sourceID + " root=" + r.root.String() + "]"
}
