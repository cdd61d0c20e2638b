package wire

import "testing"

func TestClassify(t *testing.T) {
	tests := []struct {
		name    string
		seg     Segment
		kind    Kind
		display string
		bubble  bool
	}{
		{"text", NewTextSegment("hi"), KindText, "hi", true},
		{
			"nested text joined",
			NewSeglist(NewTextSegment("a"), NewSeglist(NewTextSegment("b"), NewTextSegment("c"))),
			KindText, "a b c", true,
		},
		{"emoji only", Segment{Type: SegEmoji, Data: "x"}, KindEmoji, EmojiPlaceholder, true},
		{
			"emoji with text",
			NewSeglist(NewTextSegment("look"), Segment{Type: SegEmoji, Data: "x"}),
			KindEmoji, "look", true,
		},
		{
			"voice wins",
			NewSeglist(Segment{Type: SegEmoji, Data: "x"}, Segment{Type: SegVoice, Data: "v"}),
			KindVoice, "", false,
		},
		{
			"voice with text",
			NewSeglist(NewTextSegment("listen"), Segment{Type: SegVoice, Data: "v"}),
			KindVoice, "listen", true,
		},
		{"unknown as text", Segment{Type: "image", Data: "abc"}, KindText, "[image]abc", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Classify(tt.seg)
			if c.Kind != tt.kind {
				t.Fatalf("expected kind %s, got %s", tt.kind, c.Kind)
			}
			display, bubble := c.Display()
			if display != tt.display || bubble != tt.bubble {
				t.Fatalf("expected (%q, %v), got (%q, %v)", tt.display, tt.bubble, display, bubble)
			}
		})
	}
}
