package wildcard_test

import (
	"testing"

	"github.com/questline/questline/encoding/wildcard"
	"github.com/questline/questline/testing/assert"
)

func TestMatch(t *testing.T) {
	tests := []struct {
		name    string
		pattern string
		value   string
		want    bool
	}{
		{name: "exact", pattern: "points.awarded", value: "points.awarded", want: true},
		{name: "exact mismatch", pattern: "points.awarded", value: "points.deducted", want: false},
		{name: "star suffix", pattern: "points.*", value: "points.awarded", want: true},
		{name: "star suffix no match", pattern: "points.*", value: "level.up", want: false},
		{name: "star matches empty", pattern: "points.*", value: "points.", want: true},
		{name: "lone star", pattern: "*", value: "anything.at.all", want: true},
		{name: "lone star empty", pattern: "*", value: "", want: true},
		{name: "question mark", pattern: "user:?", value: "user:1", want: true},
		{name: "question mark needs one", pattern: "user:?", value: "user:", want: false},
		{name: "dot is literal", pattern: "a.b", value: "aXb", want: false},
		{name: "embedded star", pattern: "quest.*.completed", value: "quest.daily.completed", want: true},
		{name: "anchored", pattern: "level.up", value: "prefix level.up suffix", want: false},
		{name: "regex chars are literal", pattern: "a+b(c)", value: "a+b(c)", want: true},
		{name: "regex chars do not repeat", pattern: "a+", value: "aa", want: false},
		{name: "empty pattern empty value", pattern: "", value: "", want: true},
		{name: "empty pattern nonempty value", pattern: "", value: "x", want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, wildcard.Match(tt.pattern, tt.value))
		})
	}
}

func TestCompile_Anchors(t *testing.T) {
	re, err := wildcard.Compile("streak.*")
	assert.NoError(t, err)
	assert.Equal(t, true, re.MatchString("streak.broken"))
	assert.Equal(t, false, re.MatchString("mystreak.broken"))
}

func TestIsLiteral(t *testing.T) {
	assert.Equal(t, true, wildcard.IsLiteral("points.awarded"))
	assert.Equal(t, false, wildcard.IsLiteral("points.*"))
	assert.Equal(t, false, wildcard.IsLiteral("user:?"))
}
