package messenger

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/goleak"

	"github.com/MaiM-with-u/Maimchat/internal/chat"
	"github.com/MaiM-with-u/Maimchat/internal/wire"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// roundTrip sends an envelope through its JSON encoding.
func roundTrip(t *testing.T, env Envelope) Envelope {
	t.Helper()
	data, err := Encode(env)
	if err != nil {
		t.Fatal(err)
	}
	out, err := Decode(data)
	if err != nil {
		t.Fatal(err)
	}
	return out
}

func TestStateEventRoundTrip(t *testing.T) {
	ev, err := ParseEvent(roundTrip(t, StateEvent(chat.Connected)))
	if err != nil {
		t.Fatal(err)
	}
	if ev.State != chat.Connected || ev.Label != "已连接" {
		t.Fatalf("got state %v label %q", ev.State, ev.Label)
	}
}

func TestUnknownStateOrdinal(t *testing.T) {
	env := NewEnvelope(OpConnectionState, ExtraConnectionState, 42)
	ev, err := ParseEvent(env)
	if err != nil {
		t.Fatal(err)
	}
	if ev.State != chat.Disconnected {
		t.Fatalf("state = %v, want Disconnected", ev.State)
	}
}

func TestSnapshotEventRoundTrip(t *testing.T) {
	std := &wire.Message{
		Info:    wire.MessageInfo{Platform: "live2d_chat", MessageID: "s1", Time: 1700000000.5},
		Segment: wire.NewTextSegment("hi"),
	}
	snap := chat.Snapshot{
		Messages: []chat.Message{
			{ID: "a", Content: "hello", FromUser: true, Timestamp: 1700000000123},
			{ID: "b", Content: "你好", Timestamp: 1700000001000},
		},
		Standard: []*wire.Message{std},
	}

	for name, env := range map[string]Envelope{
		"in-process": SnapshotEvent(snap),
		"json":       roundTrip(t, SnapshotEvent(snap)),
	} {
		t.Run(name, func(t *testing.T) {
			ev, err := ParseEvent(env)
			if err != nil {
				t.Fatal(err)
			}
			if diff := cmp.Diff(snap.Messages, ev.Messages); diff != "" {
				t.Fatalf("messages (-want +got):\n%s", diff)
			}
			if len(ev.Standard) != 1 || ev.Standard[0].Info.MessageID != "s1" {
				t.Fatalf("standard = %+v", ev.Standard)
			}
		})
	}
}

func TestNewMessageRequiresID(t *testing.T) {
	env := NewEnvelope(OpNewMessage, ExtraMessageContent, "orphan")
	if _, err := ParseEvent(env); !errors.Is(err, ErrMalformed) {
		t.Fatalf("err = %v, want ErrMalformed", err)
	}
}

func TestDecodeRejectsMissingOp(t *testing.T) {
	if _, err := Decode([]byte(`{"extras":{}}`)); !errors.Is(err, ErrMalformed) {
		t.Fatalf("err = %v, want ErrMalformed", err)
	}
	if _, err := Decode([]byte(`not json`)); !errors.Is(err, ErrMalformed) {
		t.Fatalf("err = %v, want ErrMalformed", err)
	}
}

func TestEnvelopeAccessors(t *testing.T) {
	env := roundTrip(t, NewEnvelope(OpUpdateConfig,
		ExtraNickname, "",
		ExtraMessageTimestamp, int64(1700000000123),
	))
	if !env.Has(ExtraNickname) {
		t.Fatal("empty nickname should still be present")
	}
	if env.Has(ExtraPlatform) {
		t.Fatal("platform should be absent")
	}
	if n, ok := env.Int(ExtraMessageTimestamp); !ok || n != 1700000000123 {
		t.Fatalf("Int = %d, %v", n, ok)
	}
}

func TestOpNames(t *testing.T) {
	if OpSetActiveModel.String() != "set_active_model" {
		t.Fatalf("got %q", OpSetActiveModel.String())
	}
	if Op(77).String() != "unknown_77" {
		t.Fatalf("got %q", Op(77).String())
	}
	if !OpClearMessagesEphemeral.IsCommand() || OpSnapshot.IsCommand() {
		t.Fatal("IsCommand misclassified")
	}
}

func TestFormatPreview(t *testing.T) {
	long := ""
	for i := 0; i < 90; i++ {
		long += "好"
	}
	tests := []struct {
		content  string
		fromUser bool
		want     string
	}{
		{"hello", true, "我: hello"},
		{" line one\nline two ", false, "TA: line one line two"},
		{"   ", false, "TA"},
		{long, false, "TA: " + long[:80*len("好")] + "…"},
	}
	for _, tt := range tests {
		if got := FormatPreview(tt.content, tt.fromUser); got != tt.want {
			t.Errorf("FormatPreview(%q, %v) = %q, want %q", tt.content, tt.fromUser, got, tt.want)
		}
	}
}
