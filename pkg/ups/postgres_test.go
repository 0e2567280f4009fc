package ups

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashChannelShape(t *testing.T) {
	ch := hashChannel("chirp.workflow.msg.some-very-long-subject-name-that-would-not-fit")
	assert.True(t, strings.HasPrefix(ch, "ups_"))
	// Postgres truncates identifiers at 63 characters.
	assert.LessOrEqual(t, len(ch), 63)

	assert.Equal(t, ch, hashChannel("chirp.workflow.msg.some-very-long-subject-name-that-would-not-fit"))
	assert.NotEqual(t, ch, hashChannel("chirp.workflow.msg.other"))
}

func TestSubjectHelpers(t *testing.T) {
	assert.Equal(t, "chirp.workflow.msg.ping", MsgSubject("ping"))
	assert.Equal(t, "chirp.workflow.signal.abcd", SignalSubject("abcd"))
}

func TestNotifyEncodingRoundTrip(t *testing.T) {
	raw := []byte{0x00, 0x01, 0xFF, 'a'}
	enc := notifyEncoding.EncodeToString(raw)
	dec, err := notifyEncoding.DecodeString(enc)
	require.NoError(t, err)
	assert.Equal(t, raw, dec)
}
