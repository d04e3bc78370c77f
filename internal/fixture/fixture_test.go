package fixture

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	src := `;; Run-time:
;;   env-var: TRACEJIT_HOT_THRESHOLD=0
;;   env-var: TRACEJIT_LOG=4
;;   exit-code: 2
;;   stderr:
;;     jit-event: start-tracing
;;     ...
;;   stdout:
;;     done

func @main() -> i32 {
bb0:
  ret 2i32
}
`
	f, err := Parse([]byte(src))
	require.NoError(t, err)
	require.Equal(t, Env{{"TRACEJIT_HOT_THRESHOLD", "0"}, {"TRACEJIT_LOG", "4"}}, f.Env)
	v, ok := f.Env.Lookup("TRACEJIT_LOG")
	require.True(t, ok)
	require.Equal(t, "4", v)
	require.Equal(t, 2, f.ExitCode)
	require.Equal(t, "jit-event: start-tracing\n...", f.Stderr.String())
	require.Equal(t, "done", f.Stdout.String())
}

func TestParseErrors(t *testing.T) {
	_, err := Parse([]byte("func @main() -> void {\n"))
	require.Error(t, err)
	_, err = Parse([]byte(";; Run-time:\n;;   colour: red\n"))
	require.ErrorContains(t, err, "unknown fixture key")
	_, err = Parse([]byte(";; Run-time:\n;;   env-var: NOVALUE\n"))
	require.Error(t, err)
}

func TestMatch(t *testing.T) {
	tests := []struct {
		pat  []string
		out  string
		ok   bool
		bind map[string]string
	}{
		{[]string{"a", "b"}, "a\nb\n", true, nil},
		{[]string{"a", "b"}, "a\nc\n", false, nil},
		{[]string{"a"}, "a\nb\n", false, nil},
		{[]string{"a", "...", "d"}, "a\nb\nc\nd\n", true, nil},
		{[]string{"a", "...", "b"}, "a\nb\n", true, nil},
		{[]string{"..."}, "", true, nil},
		{[]string{"x = ...;"}, "x = 1 + 2;\n", true, nil},
		{[]string{"x = ...;"}, "x = 1 + 2\n", false, nil},
		{[]string{"%{{a}} = add %{{b}}, 1", "ret %{{a}}"}, "%3 = add %1, 1\nret %3\n", true, map[string]string{"a": "3", "b": "1"}},
		{[]string{"%{{a}} = add %{{b}}, 1", "ret %{{a}}"}, "%3 = add %1, 1\nret %1\n", false, nil},
		{[]string{"f({{x}})", "...", "g({{x}})"}, "f(q)\ng(r)\nh\ng(q)\n", true, map[string]string{"x": "q"}},
		{[]string{"a.b"}, "axb\n", false, nil},
	}
	for _, tt := range tests {
		p, err := Compile(tt.pat)
		require.NoError(t, err)
		binds, err := p.Match(tt.out)
		if !tt.ok {
			require.True(t, errors.Is(err, ErrMismatch), "%v should not match %q", tt.pat, tt.out)
			continue
		}
		require.NoError(t, err, "%v", tt.pat)
		for k, v := range tt.bind {
			require.Equal(t, v, binds[k])
		}
	}
}

func TestMismatchDiff(t *testing.T) {
	p, err := Compile([]string{"one", "two"})
	require.NoError(t, err)
	_, err = p.Match("one\nthree\n")
	require.Error(t, err)
	require.Contains(t, err.Error(), "-two")
	require.Contains(t, err.Error(), "+three")
}
