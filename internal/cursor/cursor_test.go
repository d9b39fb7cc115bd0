package cursor

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestScalarRoundTrip(t *testing.T) {
	buf := make([]byte, 13)
	c := PutU8(buf, 0xab)
	c = PutU32(c, 0xdeadbeef)
	c = PutU64(c, 0x0123456789abcdef)
	require.Len(t, c, 0)

	b, c, err := U8(buf)
	require.NoError(t, err)
	require.Equal(t, byte(0xab), b)
	v32, c, err := U32(c)
	require.NoError(t, err)
	require.Equal(t, uint32(0xdeadbeef), v32)
	v64, c, err := U64(c)
	require.NoError(t, err)
	require.Equal(t, uint64(0x0123456789abcdef), v64)
	require.Len(t, c, 0)
}

func TestTruncation(t *testing.T) {
	_, _, err := U32([]byte{1, 2, 3})
	require.ErrorIs(t, err, ErrTruncated)
	_, _, err = U64(make([]byte, 7))
	require.ErrorIs(t, err, ErrTruncated)
	_, _, err = U8(nil)
	require.ErrorIs(t, err, ErrTruncated)
	_, _, err = Bytes([]byte{1}, 2)
	require.ErrorIs(t, err, ErrTruncated)
}

func TestStringPresence(t *testing.T) {
	for _, tc := range []struct {
		name    string
		s       string
		present bool
	}{
		{name: "absent", s: "", present: false},
		{name: "present empty", s: "", present: true},
		{name: "present", s: "buffer", present: true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			buf := make([]byte, SizeString(tc.s, tc.present))
			rest := PutString(buf, tc.s, tc.present)
			require.Len(t, rest, 0)

			s, present, rest, err := String(buf)
			require.NoError(t, err)
			require.Equal(t, tc.present, present)
			require.Equal(t, tc.s, s)
			require.Len(t, rest, 0)
		})
	}
}

func TestStringTruncated(t *testing.T) {
	buf := make([]byte, SizeString("hello", true))
	PutString(buf, "hello", true)
	_, _, _, err := String(buf[:6])
	require.ErrorIs(t, err, ErrTruncated)
}
