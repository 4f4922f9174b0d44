package bus

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMatchSubject(t *testing.T) {
	cases := []struct {
		pattern, subject string
		want             bool
	}{
		{"a.b", "a.b", true},
		{"a.b", "a.c", false},
		{"a.*", "a.b", true},
		{"a.*", "a.b.c", false},
		{"a.>", "a.b.c", true},
		{"a.>", "a", false},
		{">", "anything.at.all", true},
		{"a.*.c", "a.b.c", true},
		{"a.*.c", "a.b.d", false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, MatchSubject(tc.pattern, tc.subject), "%s vs %s", tc.pattern, tc.subject)
	}
}

func TestMsgHeaders(t *testing.T) {
	m := &Msg{Subject: "a.b"}
	assert.Equal(t, "", m.GetHeader(HeaderRequestID))

	m.SetHeader(HeaderRequestID, "r1")
	m.SetHeader(HeaderReplyTo, "inbox.n.1")
	assert.Equal(t, "r1", m.GetHeader(HeaderRequestID))
	assert.Equal(t, "inbox.n.1", m.GetHeader(HeaderReplyTo))
}
