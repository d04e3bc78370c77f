package runtime

import (
	"io"
	"testing"

	"github.com/tracejit/tracejit/aot"
	"github.com/tracejit/tracejit/config"
)

const sumSrc = `
extern @location_new() -> i64

global @acc: i64 = 0

func @main() -> i32 {
bb0:
  %loc: i64 = call @location_new()
  br bb1
bb1:
  %i: i64 = phi bb0: 0i64, bb2: %next
  %c: i1 = slt %i, 100000i64
  condbr %c, bb2, bb3
bb2:
  control_point %loc
  %a: i64 = load @acc
  %m: i64 = and %i, 7i64
  %s: i64 = add %a, %m
  store %s, @acc
  %next: i64 = add %i, 1i64
  br bb1
bb3:
  %r: i64 = load @acc
  %t: i32 = trunc %r
  ret %t
}
`

func benchmarkSum(b *testing.B, cfg config.Config) {
	mod, err := aot.ParseString(sumSrc)
	if err != nil {
		b.Fatal(err)
	}
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := Execute(mod, &Config{JIT: cfg, Stdout: io.Discard, Stderr: io.Discard}); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkSumLoop(b *testing.B) {
	interp := config.Defaults
	interp.Disabled = true
	interp.LogLevel = 0

	jit := config.Defaults
	jit.SerialiseCompilation = true
	jit.LogLevel = 0

	noopt := jit
	noopt.Opt.Enabled = false

	b.Run("Interpreter", func(b *testing.B) { benchmarkSum(b, interp) })
	b.Run("JIT", func(b *testing.B) { benchmarkSum(b, jit) })
	b.Run("JITNoOpt", func(b *testing.B) { benchmarkSum(b, noopt) })
}
