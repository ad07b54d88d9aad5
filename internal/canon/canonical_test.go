package canon

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalSortsKeysByUTF16(t *testing.T) {
	// U+E000 sorts after U+1F600 in UTF-16 (surrogates are 0xD83D) but before it in UTF-8.
	got, err := Marshal(map[string]any{
		"\U0001F600": 1,
		"\uE000":     2,
		"a":          3,
	})
	require.NoError(t, err)
	assert.Equal(t, "{\"a\":3,\"\U0001F600\":1,\"\uE000\":2}", string(got))
}

func TestMarshalDoesNotEscapeHTML(t *testing.T) {
	got, err := Marshal("<a & b>")
	require.NoError(t, err)
	assert.Equal(t, `"<a & b>"`, string(got))
}

func TestMarshalKeepsLineSeparatorsLiteral(t *testing.T) {
	got, err := Marshal("x\u2028y")
	require.NoError(t, err)
	assert.Equal(t, "\"x\u2028y\"", string(got))

	got, err = Marshal(`x\u2028y`)
	require.NoError(t, err)
	assert.Equal(t, `"x\\u2028y"`, string(got))
}

func TestMarshalNormalizesNFC(t *testing.T) {
	got, err := Marshal("e\u0301")
	require.NoError(t, err)
	assert.Equal(t, "\"\u00e9\"", string(got))
}

func TestMarshalRejectsFloatsAndNull(t *testing.T) {
	_, err := Marshal(1.5)
	assert.Error(t, err)

	_, err = Marshal([]any{"a", nil})
	assert.Error(t, err)
}

func TestMarshalNested(t *testing.T) {
	got, err := Marshal([]any{"s", int64(7), true, []string{"x"}, map[string]any{"k": []any{1}}})
	require.NoError(t, err)
	assert.Equal(t, `["s",7,true,["x"],{"k":[1]}]`, string(got))
}

func TestDigestSeparatesDomains(t *testing.T) {
	a := Digest(DomainVersion, []byte("x"))
	b := Digest(DomainScript, []byte("x"))
	assert.NotEqual(t, hex.EncodeToString(a), hex.EncodeToString(b))
	assert.Len(t, a, 32)
}

func TestBech32Length(t *testing.T) {
	s, err := Bech32("scr", Digest(DomainScript, []byte("bundle")))
	require.NoError(t, err)
	assert.Len(t, s, 62)
	assert.Regexp(t, `^scr1[ac-hj-np-z02-9]{58}$`, s)
}

func TestVersionAndScriptHashFormats(t *testing.T) {
	v, err := VersionHash(Digest(DomainVersion, []byte("manifest")))
	require.NoError(t, err)
	assert.Len(t, v, VersionHashLength)
	assert.True(t, IsVersionHash(v), v)

	s, err := ScriptHash([]byte("bundle"))
	require.NoError(t, err)
	assert.True(t, IsScriptHash(s), s)
	assert.False(t, IsVersionHash(s))

	assert.False(t, IsVersionHash("dbx1bbbbbbbbbbbbbbbbbb"), "b is outside the alphabet")
	assert.False(t, IsVersionHash("../../etc/passwd"))
}
