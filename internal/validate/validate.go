// Package validate holds the pure record checks applied before any write or broadcast.
package validate

import (
	"strings"
	"unicode/utf16"

	"github.com/rivo/uniseg"
)

// Limits bounds a text value in grapheme clusters and in raw UTF-16 code units.
type Limits struct {
	Graphemes int
	Chars     int
}

// Fixed limits for profile and room fields.
var (
	NicknameLimits = Limits{Graphemes: 32, Chars: 320}
	RoomNameLimits = Limits{Graphemes: 32, Chars: 320}
	TopicLimits    = Limits{Graphemes: 256, Chars: 2560}
)

// Within reports whether value fits both limits. Graphemes are checked first.
func (l Limits) Within(value string) bool {
	if uniseg.GraphemeClusterCount(value) > l.Graphemes {
		return false
	}
	return RawLength(value) <= l.Chars
}

// RawLength counts UTF-16 code units, the unit record limits are expressed in upstream.
func RawLength(value string) int {
	length := 0
	for _, r := range value {
		n := utf16.RuneLen(r)
		if n < 0 {
			n = 1
		}
		length += n
	}
	return length
}

// Text accepts message or post content that is non-blank and within limits.
func Text(text string, limits Limits) bool {
	if strings.TrimSpace(text) == "" {
		return false
	}
	return limits.Within(text)
}

// Nickname returns the nickname when valid and nil otherwise. It never rejects the event.
func Nickname(nickname *string) *string {
	return optional(nickname, NicknameLimits)
}

// RoomName accepts a non-blank room name within the room name limits.
func RoomName(name string) bool {
	return Text(name, RoomNameLimits)
}

// Topic returns the topic when valid and nil otherwise.
func Topic(topic *string) *string {
	return optional(topic, TopicLimits)
}

func optional(value *string, limits Limits) *string {
	if value == nil || *value == "" {
		return nil
	}
	if !limits.Within(*value) {
		return nil
	}
	result := *value
	return &result
}
