package aot

import (
	"testing"

	"github.com/stretchr/testify/require"
)

const outlineSrc = `
func @leaf(%a: i32) -> i32 {
bb0:
  %r: i32 = add %a, 1i32
  ret %r
}

func @looper(%n: i32) -> i32 {
bb0:
  br bb1
bb1:
  %i: i32 = phi bb0: %n, bb1: %j
  %j: i32 = sub %i, 1i32
  %c: i1 = sgt %j, 0i32
  condbr %c, bb1, bb2
bb2:
  ret %j
}

func @fib(%n: i32) -> i32 {
bb0:
  %c: i1 = slt %n, 2i32
  condbr %c, bb1, bb2
bb1:
  ret %n
bb2:
  %a: i32 = sub %n, 1i32
  %x: i32 = call @fib(%a)
  %b: i32 = sub %n, 2i32
  %y: i32 = call @fib(%b)
  %s: i32 = add %x, %y
  ret %s
}

func @even(%n: i32) -> i1 {
bb0:
  %z: i1 = eq %n, 0i32
  condbr %z, bb1, bb2
bb1:
  ret true
bb2:
  %m: i32 = sub %n, 1i32
  %r: i1 = call @odd(%m)
  ret %r
}

func @odd(%n: i32) -> i1 {
bb0:
  %z: i1 = eq %n, 0i32
  condbr %z, bb1, bb2
bb1:
  ret false
bb2:
  %m: i32 = sub %n, 1i32
  %r: i1 = call @even(%m)
  ret %r
}

func @caller() -> i32 {
bb0:
  %a: i32 = call @leaf(1i32)
  %b: i32 = call @fib(%a)
  ret %b
}
`

func TestInferOutline(t *testing.T) {
	m, err := ParseString(outlineSrc)
	require.NoError(t, err)

	marked := InferOutline(m)
	require.Equal(t, []string{"looper", "fib", "even", "odd"}, marked)
	require.False(t, m.Func("leaf").IsOutline())
	require.False(t, m.Func("caller").IsOutline())
	require.True(t, m.Func("fib").IsOutline())

	// a second pass has nothing left to do
	require.Empty(t, InferOutline(m))
}

func TestExplicitOutlineKept(t *testing.T) {
	m, err := ParseString("func @f() -> void outline {\nbb0:\n  ret\n}\n")
	require.NoError(t, err)
	require.True(t, m.Func("f").IsOutline())
	require.Empty(t, InferOutline(m))
	require.Contains(t, m.String(), "func @f() -> void outline {")
}
