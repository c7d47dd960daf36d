package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeMessageDefaults(t *testing.T) {
	m, err := DecodeMessage([]byte(`{"id":"m1","userId":"u1","content":"hi"}`))
	require.NoError(t, err)
	assert.Equal(t, "m1", m.ID)
	assert.Equal(t, 1, m.V)
	assert.Equal(t, DefaultName, m.Name)
	assert.Equal(t, DefaultFonts[0], m.FontFamily)
	assert.Equal(t, DefaultColor, m.Color)
	assert.Equal(t, DefaultBubble, m.Bubble)
	assert.NotZero(t, m.TS)
}

func TestDecodeMessageRequiredFields(t *testing.T) {
	_, err := DecodeMessage([]byte(`{"userId":"u1","content":"hi"}`))
	assert.ErrorIs(t, err, ErrMissingID)

	_, err = DecodeMessage([]byte(`{"id":"m1","content":"hi"}`))
	assert.ErrorIs(t, err, ErrMissingUserID)

	_, err = DecodeMessage([]byte(`not json`))
	assert.Error(t, err)
}

func TestDecodeMessageSanitizes(t *testing.T) {
	m, err := DecodeMessage([]byte(`{"id":"m1","userId":"u1","name":"<script>x</script>Bob","content":"<b>hi</b> there"}`))
	require.NoError(t, err)
	assert.Equal(t, "Bob", m.Name)
	assert.Equal(t, "hi there", m.Content)
}

func TestDecodeDelete(t *testing.T) {
	d, err := DecodeDelete([]byte(`{"id":"m1","userId":"u1"}`))
	require.NoError(t, err)
	assert.Equal(t, "m1", d.ID)
	assert.Equal(t, "u1", d.UserID)

	_, err = DecodeDelete([]byte(`{}`))
	assert.ErrorIs(t, err, ErrMissingID)
}

func TestDecodeTyping(t *testing.T) {
	ev, err := DecodeTyping([]byte(`{"userId":"u1","typing":true}`))
	require.NoError(t, err)
	assert.True(t, ev.Typing)

	_, err = DecodeTyping([]byte(`{"typing":true}`))
	assert.ErrorIs(t, err, ErrMissingUserID)
}

func TestDecodeMetaDefaults(t *testing.T) {
	p, err := DecodeMeta([]byte(`{"userId":"u1"}`))
	require.NoError(t, err)
	assert.Equal(t, DefaultName, p.Name)
	assert.Equal(t, DefaultFonts[0], p.FontFamily)
	assert.Equal(t, DefaultColor, p.Color)
	assert.False(t, p.Typing)
}

func TestCleanMetaSanitizesName(t *testing.T) {
	p, err := CleanMeta(PresenceMeta{UserID: "u1", Name: "<script>alert(1)</script>Bob"})
	require.NoError(t, err)
	assert.Equal(t, "Bob", p.Name)

	p, err = CleanMeta(PresenceMeta{UserID: "u1", Name: "<b></b>"})
	require.NoError(t, err)
	assert.Equal(t, DefaultName, p.Name, "markup-only names fall back to the default")

	_, err = CleanMeta(PresenceMeta{Name: "Bob"})
	assert.ErrorIs(t, err, ErrMissingUserID)
}

func TestNormalizeRoomCode(t *testing.T) {
	code, err := NormalizeRoomCode("abc12")
	require.NoError(t, err)
	assert.Equal(t, "ABC12", code)

	code, err = NormalizeRoomCode("")
	require.NoError(t, err)
	assert.Equal(t, GlobalRoom, code)

	_, err = NormalizeRoomCode("bad code!")
	assert.ErrorIs(t, err, ErrBadRoomCode)

	_, err = NormalizeRoomCode("TOOLONGTOOLONGTOO")
	assert.ErrorIs(t, err, ErrBadRoomCode)
}

func TestScopes(t *testing.T) {
	assert.Equal(t, "room:GLOBAL", RoomScope(GlobalRoom))
	// DM scope is order-independent.
	assert.Equal(t, DMScope("b", "a"), DMScope("a", "b"))
	assert.Equal(t, "dm:a-b", DMScope("b", "a"))
}
