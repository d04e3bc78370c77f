package cfmt

import (
	"math"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func strs(m map[uint64]string) StringReader {
	return func(addr uint64) (string, error) {
		s, ok := m[addr]
		if !ok {
			return "", errors.Errorf("no string at 0x%x", addr)
		}
		return s, nil
	}
}

func u(v int64) uint64 { return uint64(v) }

func TestSprintf(t *testing.T) {
	str := strs(map[uint64]string{0x100: "abc"})
	tests := []struct {
		format string
		args   []uint64
		want   string
	}{
		{"i=%d, g=%lld\n", []uint64{4, 1000}, "i=4, g=1000\n"},
		{"%d", []uint64{0xffffffff}, "-1"},
		{"%ld", []uint64{u(-5)}, "-5"},
		{"%hhd %hd", []uint64{0xff, 0xfffe}, "-1 -2"},
		{"%u", []uint64{0xffffffff}, "4294967295"},
		{"%5d|%-5d|%05d", []uint64{42, 42, 42}, "   42|42   |00042"},
		{"%+d % d", []uint64{3, 3}, "+3  3"},
		{"%.3d", []uint64{7}, "007"},
		{"%x %X %#x %o", []uint64{255, 255, 255, 8}, "ff FF 0xff 10"},
		{"%c%c", []uint64{'o', 'k'}, "ok"},
		{"%s|%.2s|%5s", []uint64{0x100, 0x100, 0x100}, "abc|ab|  abc"},
		{"%*d|%-*d", []uint64{4, 1, 3, 2}, "   1|2  "},
		{"%.*f", []uint64{2, math.Float64bits(3.14159)}, "3.14"},
		{"%f %e", []uint64{math.Float64bits(1.5), math.Float64bits(1.5)}, "1.500000 1.500000e+00"},
		{"%g %g %g", []uint64{math.Float64bits(0.1 + 0.2), math.Float64bits(1e6), math.Float64bits(100000)}, "0.3 1e+06 100000"},
		{"%f %F", []uint64{math.Float64bits(math.Inf(-1)), math.Float64bits(math.NaN())}, "-inf NAN"},
		{"%p %p", []uint64{0, 0x10000}, "(nil) 0x10000"},
		{"100%%", nil, "100%"},
	}
	for _, tt := range tests {
		got, err := Sprintf(tt.format, tt.args, str)
		require.NoError(t, err, tt.format)
		require.Equal(t, tt.want, got, tt.format)
	}
}

func TestSprintfErrors(t *testing.T) {
	str := strs(nil)
	_, err := Sprintf("%d %d", []uint64{1}, str)
	require.True(t, errors.Is(err, ErrMissingArg))

	_, err = Sprintf("%n", []uint64{1}, str)
	require.True(t, errors.Is(err, ErrBadFormat))

	_, err = Sprintf("50%", nil, str)
	require.True(t, errors.Is(err, ErrBadFormat))

	_, err = Sprintf("%s", []uint64{0x200}, str)
	require.Error(t, err)
}

func TestParseCache(t *testing.T) {
	f1, err := Parse("x=%d\n")
	require.NoError(t, err)
	f2, err := Parse("x=%d\n")
	require.NoError(t, err)
	require.Equal(t, f1, f2)
	require.Len(t, f1, 2)
	require.Equal(t, byte('d'), f1[0].conv)
	require.Equal(t, "\n", f1[1].lit)
}
