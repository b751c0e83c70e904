package terminal

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseTag(t *testing.T) {
	tests := []struct {
		comment string
		want    int64
		ok      bool
	}{
		{"CPY:12345", 12345, true},
		{"CPY:S7:12345", 12345, true},
		{"CPY:12345[sl]", 12345, true},
		{"CPY:S7:12345[tp]", 12345, true},
		{"prefix CPY:99", 99, true},
		{"manual trade", 0, false},
		{"CPY:", 0, false},
		{"", 0, false},
	}
	for _, tc := range tests {
		got, ok := ParseTag(tc.comment)
		assert.Equal(t, tc.ok, ok, "comment %q", tc.comment)
		assert.Equal(t, tc.want, got, "comment %q", tc.comment)
	}
}

func TestTagRoundTrip(t *testing.T) {
	ticket, ok := ParseTag(Tag(777))
	assert.True(t, ok)
	assert.Equal(t, int64(777), ticket)

	ticket, ok = ParseTag(SessionTag(42, 777))
	assert.True(t, ok)
	assert.Equal(t, int64(777), ticket)
}

func TestOrderResultDone(t *testing.T) {
	assert.True(t, OrderResult{Retcode: RetcodeDone}.Done())
	assert.False(t, OrderResult{Retcode: 10013}.Done())
}
