package record

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	sdkerrors "github.com/wehubfusion/Conduit/pkg/errors"
	"github.com/wehubfusion/Conduit/pkg/field"
)

type envelopeField struct {
	path  string
	value any
}

// Encode renders the record as a JSON envelope:
//
//	{"header":{"id":...,"sourceId":...,"attributes":{...},"error":{...}},"value":<root>}
//
// Field types that JSON cannot distinguish are not preserved.
func Encode(r *Record) ([]byte, error) {
	value, err := field.ToJSON(r.root)
	if err != nil {
		return nil, fmt.Errorf("encode record %s: %w", r.header.id, err)
	}

	h := r.header
	doc := []byte(`{}`)
	sets := []envelopeField{
		{"header.id", h.id},
		{"header.sourceId", h.sourceID},
		{"header.stageCreator", h.stageCreator},
		{"header.stagesPath", h.StagesPath()},
		{"header.attributes", h.Attributes()},
	}
	if h.errorInfo != nil {
		sets = append(sets, envelopeField{"header.error", map[string]any{
			"stage":     h.errorInfo.StageID,
			"code":      h.errorInfo.Code,
			"message":   h.errorInfo.Message,
			"timestamp": h.errorInfo.Timestamp.UnixMilli(),
		}})
	}
	if h.raw != nil {
		sets = append(sets,
			envelopeField{"header.raw", base64.StdEncoding.EncodeToString(h.raw)},
			envelopeField{"header.rawMime", h.rawMIME},
		)
	}
	for _, s := range sets {
		if doc, err = sjson.SetBytes(doc, s.path, s.value); err != nil {
			return nil, fmt.Errorf("encode record %s: %w", h.id, err)
		}
	}
	if doc, err = sjson.SetRawBytes(doc, "value", value); err != nil {
		return nil, fmt.Errorf("encode record %s: %w", h.id, err)
	}
	return doc, nil
}

// Decode parses a JSON envelope produced by Encode. The record keeps its id.
func Decode(data []byte) (*Record, error) {
	if !gjson.ValidBytes(data) {
		return nil, sdkerrors.NewError("RECORD_DECODE", "invalid record envelope", nil)
	}
	doc := gjson.ParseBytes(data)
	hdr := doc.Get("header")
	h := &Header{
		id:           hdr.Get("id").String(),
		sourceID:     hdr.Get("sourceId").String(),
		stageCreator: hdr.Get("stageCreator").String(),
	}
	if h.id == "" {
		return nil, sdkerrors.NewError("RECORD_DECODE", "record envelope has no id", nil)
	}
	if sp := hdr.Get("stagesPath").String(); sp != "" {
		h.stagesPath = strings.Split(sp, ":")
	}
	hdr.Get("attributes").ForEach(func(k, v gjson.Result) bool {
		h.SetAttribute(k.String(), v.String())
		return true
	})
	if e := hdr.Get("error"); e.Exists() {
		h.errorInfo = &ErrorInfo{
			StageID:   e.Get("stage").String(),
			Code:      e.Get("code").String(),
			Message:   e.Get("message").String(),
			Timestamp: time.UnixMilli(e.Get("timestamp").Int()),
		}
	}
	if raw := hdr.Get("raw"); raw.Exists() {
		b, err := base64.StdEncoding.DecodeString(raw.String())
		if err != nil {
			return nil, sdkerrors.NewError("RECORD_DECODE", "invalid raw payload", err)
		}
		h.SetRaw(b, hdr.Get("rawMime").String())
	}

	root := field.NewMap(nil)
	if v := doc.Get("value"); v.Exists() {
		root = field.FromGJSON(v)
	}
	return &Record{header: h, root: root}, nil
}
