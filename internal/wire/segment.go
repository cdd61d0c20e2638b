package wire

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Segment types understood by the codec.
const (
	SegText    = "text"
	SegEmoji   = "emoji"
	SegVoice   = "voice"
	SegImage   = "image"
	SegSeglist = "seglist"
)

// Segment is one typed content node. A seglist carries Children and no Data;
// every other type carries a scalar Data payload.
type Segment struct {
	Type     string
	Data     string
	Children []Segment
}

// NewTextSegment returns a text segment.
func NewTextSegment(text string) Segment {
	return Segment{Type: SegText, Data: text}
}

// NewSeglist returns a seglist of the given children. Empty seglist children
// are dropped.
func NewSeglist(children ...Segment) Segment {
	return Segment{Type: SegSeglist, Children: pruneEmpty(children)}
}

// IsList reports whether the segment is a seglist.
func (s Segment) IsList() bool {
	return s.Type == SegSeglist
}

// Types returns the distinct leaf segment types in first-seen order.
func (s Segment) Types() []string {
	var out []string
	seen := make(map[string]bool)
	var walk func(Segment)
	walk = func(seg Segment) {
		if seg.IsList() {
			for _, c := range seg.Children {
				walk(c)
			}
			return
		}
		if !seen[seg.Type] {
			seen[seg.Type] = true
			out = append(out, seg.Type)
		}
	}
	walk(s)
	return out
}

// MarshalJSON encodes {"type": ..., "data": string | [segment...]}.
func (s Segment) MarshalJSON() ([]byte, error) {
	if s.IsList() {
		children := s.Children
		if children == nil {
			children = []Segment{}
		}
		return json.Marshal(struct {
			Type string    `json:"type"`
			Data []Segment `json:"data"`
		}{s.Type, children})
	}
	return json.Marshal(struct {
		Type string `json:"type"`
		Data string `json:"data"`
	}{s.Type, s.Data})
}

// UnmarshalJSON decodes a segment tree.
func (s *Segment) UnmarshalJSON(b []byte) error {
	var raw struct {
		Type *string         `json:"type"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	if raw.Type == nil {
		return fmt.Errorf("segment without type")
	}

	s.Type = *raw.Type
	s.Data = ""
	s.Children = nil

	if s.IsList() {
		var children []Segment
		if len(raw.Data) > 0 && string(raw.Data) != "null" {
			if err := json.Unmarshal(raw.Data, &children); err != nil {
				return fmt.Errorf("seglist data: %w", err)
			}
		}
		s.Children = pruneEmpty(children)
		return nil
	}

	data, err := scalarString(raw.Data)
	if err != nil {
		return fmt.Errorf("%s data: %w", s.Type, err)
	}
	s.Data = data
	return nil
}

// scalarString accepts a JSON string, number or boolean.
func scalarString(raw json.RawMessage) (string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return "", err
	}
	switch t := v.(type) {
	case string:
		return t, nil
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), nil
	case bool:
		return strconv.FormatBool(t), nil
	default:
		return "", fmt.Errorf("expected scalar, got %s", raw)
	}
}

func pruneEmpty(children []Segment) []Segment {
	if children == nil {
		return nil
	}
	out := children[:0:0]
	for _, c := range children {
		if c.IsList() && len(c.Children) == 0 {
			continue
		}
		out = append(out, c)
	}
	return out
}
