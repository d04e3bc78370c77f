package vm

import (
	"bytes"
	"io"

	"github.com/pkg/errors"

	"github.com/tracejit/tracejit/core/mt"
	"github.com/tracejit/tracejit/core/vm/cfmt"
)

// ErrAbort is returned when the program calls abort.
var ErrAbort = errors.New("program aborted")

// externFunc is the host implementation of an extern. Variadic arguments
// arrive as raw words.
type externFunc func(vm *VM, args []uint64) (uint64, error)

var libc = map[string]externFunc{
	"printf":  libcPrintf,
	"fprintf": libcFprintf,
	"puts":    libcPuts,
	"fputs":   libcFputs,
	"putchar": libcPutchar,
	"fflush":  func(*VM, []uint64) (uint64, error) { return 0, nil },

	"strlen":  libcStrlen,
	"strcmp":  libcStrcmp,
	"memcpy":  libcMemcpy,
	"memmove": libcMemcpy,
	"memset":  libcMemset,
	"memcmp":  libcMemcmp,

	"malloc": libcMalloc,
	"calloc": libcCalloc,
	"free":   libcFree,

	"abs":  func(_ *VM, a []uint64) (uint64, error) { return uint64(absInt(int64(int32(arg(a, 0))))), nil },
	"labs": func(_ *VM, a []uint64) (uint64, error) { return uint64(absInt(int64(arg(a, 0)))), nil },

	"exit":  func(_ *VM, a []uint64) (uint64, error) { return 0, &ExitError{Code: int(int32(arg(a, 0)))} },
	"abort": func(*VM, []uint64) (uint64, error) { return 0, ErrAbort },

	"location_new":  libcLocationNew,
	"location_drop": libcLocationDrop,
}

func arg(args []uint64, i int) uint64 {
	if i < len(args) {
		return args[i]
	}
	return 0
}

func absInt(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

func (vm *VM) stream(file uint64) (io.Writer, error) {
	w, ok := vm.streams[file]
	if !ok {
		return nil, errors.Errorf("bad FILE pointer 0x%x", file)
	}
	return w, nil
}

func (vm *VM) printf(w io.Writer, format uint64, args []uint64) (uint64, error) {
	f, err := vm.mem.CString(format)
	if err != nil {
		return 0, err
	}
	s, err := cfmt.Sprintf(f, args, vm.mem.CString)
	if err != nil {
		return 0, err
	}
	n, err := io.WriteString(w, s)
	return uint64(n), err
}

func libcPrintf(vm *VM, args []uint64) (uint64, error) {
	if len(args) < 1 {
		return 0, cfmt.ErrMissingArg
	}
	return vm.printf(vm.stdout, args[0], args[1:])
}

func libcFprintf(vm *VM, args []uint64) (uint64, error) {
	if len(args) < 2 {
		return 0, cfmt.ErrMissingArg
	}
	w, err := vm.stream(args[0])
	if err != nil {
		return 0, err
	}
	return vm.printf(w, args[1], args[2:])
}

func libcPuts(vm *VM, args []uint64) (uint64, error) {
	s, err := vm.mem.CString(arg(args, 0))
	if err != nil {
		return 0, err
	}
	if _, err := io.WriteString(vm.stdout, s+"\n"); err != nil {
		return 0, err
	}
	return 1, nil
}

func libcFputs(vm *VM, args []uint64) (uint64, error) {
	s, err := vm.mem.CString(arg(args, 0))
	if err != nil {
		return 0, err
	}
	w, err := vm.stream(arg(args, 1))
	if err != nil {
		return 0, err
	}
	if _, err := io.WriteString(w, s); err != nil {
		return 0, err
	}
	return 1, nil
}

func libcPutchar(vm *VM, args []uint64) (uint64, error) {
	c := byte(arg(args, 0))
	if _, err := vm.stdout.Write([]byte{c}); err != nil {
		return 0, err
	}
	return uint64(c), nil
}

func libcStrlen(vm *VM, args []uint64) (uint64, error) {
	s, err := vm.mem.CString(arg(args, 0))
	if err != nil {
		return 0, err
	}
	return uint64(len(s)), nil
}

func libcStrcmp(vm *VM, args []uint64) (uint64, error) {
	a, err := vm.mem.CString(arg(args, 0))
	if err != nil {
		return 0, err
	}
	b, err := vm.mem.CString(arg(args, 1))
	if err != nil {
		return 0, err
	}
	return uint64(int64(bytes.Compare([]byte(a), []byte(b)))), nil
}

func libcMemcpy(vm *VM, args []uint64) (uint64, error) {
	dst := arg(args, 0)
	if err := vm.mem.Copy(dst, arg(args, 1), int(arg(args, 2))); err != nil {
		return 0, err
	}
	return dst, nil
}

func libcMemset(vm *VM, args []uint64) (uint64, error) {
	dst := arg(args, 0)
	if err := vm.mem.Set(dst, byte(arg(args, 1)), int(arg(args, 2))); err != nil {
		return 0, err
	}
	return dst, nil
}

func libcMemcmp(vm *VM, args []uint64) (uint64, error) {
	n := int(arg(args, 2))
	a, err := vm.mem.Bytes(arg(args, 0), n)
	if err != nil {
		return 0, err
	}
	b, err := vm.mem.Bytes(arg(args, 1), n)
	if err != nil {
		return 0, err
	}
	return uint64(int64(bytes.Compare(a, b))), nil
}

func libcMalloc(vm *VM, args []uint64) (uint64, error) {
	return vm.mem.Malloc(int(arg(args, 0))), nil
}

func libcCalloc(vm *VM, args []uint64) (uint64, error) {
	return vm.mem.Malloc(int(arg(args, 0) * arg(args, 1))), nil
}

func libcFree(vm *VM, args []uint64) (uint64, error) {
	return 0, vm.mem.Free(arg(args, 0))
}

// libcLocationNew hands out a location handle. Without a meta-tracer the
// handles are plain counters and control points ignore them.
func libcLocationNew(vm *VM, _ []uint64) (uint64, error) {
	if vm.mt == nil {
		vm.locs++
		return vm.locs, nil
	}
	return vm.mt.NewLocation().ID(), nil
}

func libcLocationDrop(vm *VM, args []uint64) (uint64, error) {
	if vm.mt == nil || arg(args, 0) == 0 {
		return 0, nil
	}
	loc, ok := vm.mt.LookupLocation(arg(args, 0))
	if !ok {
		return 0, nil
	}
	if err := vm.mt.DropLocation(loc); err != nil {
		return 0, err
	}
	if vm.th.TracingLocation(loc) {
		vm.mt.AbortTracing(vm.th, mt.AbortDropped)
	}
	return 0, nil
}
