package wire

import "strings"

// Kind is the presentation category of a message.
type Kind int

const (
	KindText Kind = iota
	KindEmoji
	KindVoice
)

func (k Kind) String() string {
	switch k {
	case KindEmoji:
		return "emoji"
	case KindVoice:
		return "voice"
	default:
		return "text"
	}
}

// EmojiPlaceholder is shown for an emoji message without text.
const EmojiPlaceholder = "[表情]"

// Content is the flattened payload of a segment tree.
type Content struct {
	Kind  Kind
	Texts []string
	Emoji []string
	Voice []string
}

// Classify flattens seg and decides its category: voice wins over emoji,
// emoji over text. Unknown leaf types are kept as text "[type]data".
func Classify(seg Segment) Content {
	var c Content
	var walk func(Segment)
	walk = func(s Segment) {
		switch s.Type {
		case SegText:
			c.Texts = append(c.Texts, s.Data)
		case SegEmoji:
			c.Emoji = append(c.Emoji, s.Data)
		case SegVoice:
			c.Voice = append(c.Voice, s.Data)
		case SegSeglist:
			for _, child := range s.Children {
				walk(child)
			}
		default:
			c.Texts = append(c.Texts, "["+s.Type+"]"+s.Data)
		}
	}
	walk(seg)

	switch {
	case len(c.Voice) > 0:
		c.Kind = KindVoice
	case len(c.Emoji) > 0:
		c.Kind = KindEmoji
	default:
		c.Kind = KindText
	}
	return c
}

// Text joins the text parts with single spaces.
func (c Content) Text() string {
	return strings.Join(c.Texts, " ")
}

// Display returns the chat bubble text. The boolean is false when the
// message has nothing to show as a bubble (voice without text).
func (c Content) Display() (string, bool) {
	text := c.Text()
	switch c.Kind {
	case KindVoice:
		if strings.TrimSpace(text) == "" {
			return "", false
		}
		return text, true
	case KindEmoji:
		if strings.TrimSpace(text) == "" {
			return EmojiPlaceholder, true
		}
		return text, true
	default:
		return text, true
	}
}
