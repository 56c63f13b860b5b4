package board

import (
	"encoding/json"
	"strings"
)

// Kind is the coarse classification of a drawing payload. It only decides
// which board sequence a payload is stored in; the payload itself stays
// opaque.
type Kind int

const (
	Unrecognized Kind = iota
	PenStroke
	Shape
)

func (k Kind) String() string {
	switch k {
	case PenStroke:
		return "pen"
	case Shape:
		return "shape"
	default:
		return "unrecognized"
	}
}

var penTools = map[string]bool{
	"pen":    true,
	"path":   true,
	"pencil": true,
	"line":   true,
	"brush":  true,
	"eraser": true,
}

var shapeKinds = map[string]bool{
	"rectangle": true,
	"rect":      true,
	"circle":    true,
	"ellipse":   true,
	"triangle":  true,
	"arrow":     true,
	"text":      true,
}

type tags struct {
	Points json.RawMessage `json:"points"`
	Type   any             `json:"type"`
	Tool   any             `json:"tool"`
}

func Classify(payload json.RawMessage) Kind {
	var t tags
	if err := json.Unmarshal(payload, &t); err != nil {
		return Unrecognized
	}

	typ := tagValue(t.Type)
	tool := tagValue(t.Tool)

	if len(t.Points) > 0 && string(t.Points) != "null" {
		return PenStroke
	}
	if penTools[typ] || penTools[tool] {
		return PenStroke
	}
	if shapeKinds[typ] || shapeKinds[tool] {
		return Shape
	}
	return Unrecognized
}

func tagValue(v any) string {
	s, ok := v.(string)
	if !ok {
		return ""
	}
	return strings.ToLower(strings.TrimSpace(s))
}
