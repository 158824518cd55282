package canon

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalCanonical_Basic(t *testing.T) {
	tests := []struct {
		name     string
		input    any
		expected string
	}{
		{"string", String("hello"), `"hello"`},
		{"empty string", String(""), `""`},
		{"int", Int(42), "42"},
		{"negative int", Int(-100), "-100"},
		{"null", Null{}, "null"},
		{"bool", Bool(true), "true"},
		{"empty array", Array{}, "[]"},
		{"empty object", Object{}, "{}"},
		{"nested", Array{Int(1), Object{"a": String("x")}}, `[1,{"a":"x"}]`},
		{"html not escaped", String("<a&b>"), `"<a&b>"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := MarshalCanonical(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, string(out))
		})
	}
}

func TestMarshalCanonical_SortedKeys(t *testing.T) {
	out, err := MarshalCanonical(Object{"zebra": Int(1), "alpha": Int(2), "beta": Int(3)})
	require.NoError(t, err)
	assert.Equal(t, `{"alpha":2,"beta":3,"zebra":1}`, string(out))
}

func TestMarshalCanonical_UTF16Ordering(t *testing.T) {
	// U+10000 encodes as a surrogate pair starting 0xD800, which sorts
	// before U+E000 in UTF-16 but after it in UTF-8.
	obj := Object{
		"\uE000":     Int(1),
		"\U00010000": Int(2),
	}
	out, err := MarshalCanonical(obj)
	require.NoError(t, err)
	assert.Equal(t, `{"`+"\U00010000"+`":2,"`+"\uE000"+`":1}`, string(out))
}

func TestMarshalCanonical_NFC(t *testing.T) {
	decomposed := "e\u0301"
	composed := "\u00e9"

	a, err := MarshalCanonical(String(decomposed))
	require.NoError(t, err)
	b, err := MarshalCanonical(String(composed))
	require.NoError(t, err)
	assert.Equal(t, string(b), string(a))
}

func TestMarshalCanonical_LineSeparators(t *testing.T) {
	out, err := MarshalCanonical(String("a\u2028b"))
	require.NoError(t, err)
	assert.Equal(t, "\"a\u2028b\"", string(out))

	// A literal backslash followed by u2028 text stays escaped.
	out, err = MarshalCanonical(String(`a\u2028b`))
	require.NoError(t, err)
	assert.Equal(t, `"a\\u2028b"`, string(out))
}

func TestMarshalCanonical_RejectsFloats(t *testing.T) {
	_, err := MarshalCanonical(3.14)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "floats are forbidden")

	_, err = UnmarshalValue([]byte(`{"a":1.5}`))
	require.Error(t, err)
}

func TestUnmarshalValue_Canonical(t *testing.T) {
	in := []byte(`{"b":[1,true,null],"a":"x"}`)
	v, err := UnmarshalValue(in)
	require.NoError(t, err)

	out, err := MarshalCanonical(v)
	require.NoError(t, err)
	assert.Equal(t, `{"a":"x","b":[1,true,null]}`, string(out))
}

func TestUnmarshalValue_TrailingData(t *testing.T) {
	_, err := UnmarshalValue([]byte(`1 2`))
	require.Error(t, err)
}

func TestBytes_RoundTrip(t *testing.T) {
	raw := []byte{0, 1, 2, 0xff}
	got, err := DecodeBytes(Bytes(raw))
	require.NoError(t, err)
	assert.Equal(t, raw, got)

	_, err = DecodeBytes(Int(1))
	require.Error(t, err)
}

func TestCompare(t *testing.T) {
	assert.Equal(t, 0, Compare(String("a"), String("a")))
	assert.Negative(t, Compare(String("a"), String("b")))
	assert.True(t, Equal(Object{"x": Int(1)}, Object{"x": Int(1)}))
	assert.False(t, Equal(Object{"x": Int(1)}, Object{"x": Int(2)}))
}
