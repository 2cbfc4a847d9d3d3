package events_test

import (
	"testing"

	"github.com/questline/questline/events"
	"github.com/questline/questline/testing/assert"
)

func TestValidName(t *testing.T) {
	valid := []string{"a", "points.awarded", "level.xp.added", "quest.chain-1.completed", "a_b", "0.1"}
	for _, name := range valid {
		assert.Equal(t, true, events.ValidName(name), name)
	}
	invalid := []string{"", ".", "a.", ".a", "a..b", "A.b", "a b", "a/b", "ümlaut"}
	for _, name := range invalid {
		assert.Equal(t, false, events.ValidName(name), name)
	}
}

func TestEventUserID(t *testing.T) {
	ev := &events.Event{Data: map[string]interface{}{"userId": "u1"}}
	assert.Equal(t, "u1", ev.UserID())

	assert.Equal(t, "", (&events.Event{}).UserID())
	assert.Equal(t, "", (&events.Event{Data: map[string]interface{}{"userId": 7}}).UserID())
}
