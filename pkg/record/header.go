package record

import (
	"slices"
	"strings"
	"time"

	sdkerrors "github.com/wehubfusion/Conduit/pkg/errors"
)

// ErrorInfo describes why a record was redirected to the error sink.
type ErrorInfo struct {
	// StageID is the stage that routed the record
	StageID string
	// Code is a machine-readable error code
	Code string
	// Message is a human-readable description
	Message string
	// Timestamp is when the record was routed
	Timestamp time.Time
}

// Header carries record metadata. SourceID and StageCreator are fixed at
// creation; attributes are free-form and mutable.
type Header struct {
	id           string
	sourceID     string
	stageCreator string
	stagesPath   []string
	attributes   map[string]string
	errorInfo    *ErrorInfo
	raw          []byte
	rawMIME      string
}

// ID returns the generated record id.
func (h *Header) ID() string { return h.id }

// SourceID returns the origin-assigned source id.
func (h *Header) SourceID() string { return h.sourceID }

// StageCreator returns the id of the stage that created the record.
func (h *Header) StageCreator() string { return h.stageCreator }

// StagesPath returns the stage ids the record passed through, joined by ":".
func (h *Header) StagesPath() string { return strings.Join(h.stagesPath, ":") }

// AppendStage records that the record passed through stageID.
func (h *Header) AppendStage(stageID string) {
	h.stagesPath = append(h.stagesPath, stageID)
}

// Attribute returns a header attribute.
func (h *Header) Attribute(name string) (string, bool) {
	v, ok := h.attributes[name]
	return v, ok
}

// SetAttribute sets a header attribute.
func (h *Header) SetAttribute(name, value string) {
	if h.attributes == nil {
		h.attributes = make(map[string]string)
	}
	h.attributes[name] = value
}

// DeleteAttribute removes a header attribute.
func (h *Header) DeleteAttribute(name string) {
	delete(h.attributes, name)
}

// AttributeNames returns the attribute names in sorted order.
func (h *Header) AttributeNames() []string {
	names := make([]string, 0, len(h.attributes))
	for k := range h.attributes {
		names = append(names, k)
	}
	slices.Sort(names)
	return names
}

// Attributes returns a copy of all attributes.
func (h *Header) Attributes() map[string]string {
	out := make(map[string]string, len(h.attributes))
	for k, v := range h.attributes {
		out[k] = v
	}
	return out
}

// ErrorInfo returns the error metadata, or nil if the record was never routed to an error sink.
func (h *Header) ErrorInfo() *ErrorInfo {
	if h.errorInfo == nil {
		return nil
	}
	info := *h.errorInfo
	return &info
}

// AttachError sets the error metadata. It may be set once per record.
func (h *Header) AttachError(info ErrorInfo) error {
	if h.errorInfo != nil {
		return sdkerrors.NewError("RECORD_ALREADY_ERRORED", "error metadata already set by stage "+h.errorInfo.StageID, sdkerrors.ErrInvalidState)
	}
	if info.Timestamp.IsZero() {
		info.Timestamp = time.Now()
	}
	h.errorInfo = &info
	return nil
}

// Raw returns the raw payload and its MIME type, if any.
func (h *Header) Raw() ([]byte, string) {
	return h.raw, h.rawMIME
}

// SetRaw stores the raw payload the record was parsed from.
func (h *Header) SetRaw(data []byte, mime string) {
	h.raw = data
	h.rawMIME = mime
}

func (h *Header) clone(id string) *Header {
	c := &Header{
		id:           id,
		sourceID:     h.sourceID,
		stageCreator: h.stageCreator,
		stagesPath:   slices.Clone(h.stagesPath),
		raw:          slices.Clone(h.raw),
		rawMIME:      h.rawMIME,
	}
	if len(h.attributes) > 0 {
		c.attributes = make(map[string]string, len(h.attributes))
		for k, v := range h.attributes {
			c.attributes[k] = v
		}
	}
	if h.errorInfo != nil {
		info := *h.errorInfo
		c.errorInfo = &info
	}
	return c
}
