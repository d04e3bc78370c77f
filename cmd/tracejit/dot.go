package main

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"

	"github.com/tracejit/tracejit/aot"
)

var dotCommand = &cli.Command{
	Action:    drawCFG,
	Name:      "dot",
	Usage:     "Draw the control flow graph of a function as DOT or SVG",
	ArgsUsage: "<file.aot>",
	Flags:     []cli.Flag{funcFlag, outFlag, titleFlag},
}

func drawCFG(ctx *cli.Context) error {
	mod, err := loadModule(ctx)
	if err != nil {
		return err
	}
	name := ctx.String(funcFlag.Name)
	f := mod.Func(name)
	if f == nil || f.Extern {
		return errors.Errorf("no function @%s with a body", name)
	}
	dot := buildDOT(mod, f, ctx.String(titleFlag.Name))

	out := ctx.String(outFlag.Name)
	switch {
	case out == "":
		_, err := ctx.App.Writer.Write(dot)
		return err
	case strings.ToLower(filepath.Ext(out)) == ".svg":
		if _, err := exec.LookPath("dot"); err != nil {
			return errors.New("dot not found in PATH; install graphviz or write a .dot file")
		}
		var svg bytes.Buffer
		cmd := exec.Command("dot", "-Tsvg")
		cmd.Stdin = bytes.NewReader(dot)
		cmd.Stdout = &svg
		cmd.Stderr = os.Stderr
		if err := cmd.Run(); err != nil {
			return errors.Wrap(err, "dot render")
		}
		return os.WriteFile(out, svg.Bytes(), 0o644)
	default:
		return os.WriteFile(out, dot, 0o644)
	}
}

func buildDOT(mod *aot.Module, f *aot.Func, title string) []byte {
	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)
	fmt.Fprintln(w, "digraph CFG {")
	fmt.Fprintln(w, "  node [shape=box, fontname=\"monospace\"];")
	if title == "" {
		title = "@" + f.Name
		if f.IsOutline() {
			title += " (outline)"
		}
	}
	fmt.Fprintf(w, "  labelloc=\"t\";\n  label=\"%s\";\n", escapeDOT(title))

	// Nodes
	for i, bb := range f.Blocks {
		lines := make([]string, 0, len(bb.Insts)+1)
		lines = append(lines, fmt.Sprintf("bb%d:", i))
		for _, in := range bb.Insts {
			lines = append(lines, mod.FormatInst(f, in))
		}
		attrs := ""
		for _, in := range bb.Insts {
			if in.Op == aot.OpControlPoint {
				attrs = ", style=filled, fillcolor=\"#ffe4b5\""
				break
			}
		}
		// \l left-justifies each line
		fmt.Fprintf(w, "  n%d [label=\"%s\\l\"%s];\n", i, escapeDOT(strings.Join(lines, "\n")), attrs)
	}
	// Edges
	for i, bb := range f.Blocks {
		term := bb.Terminator()
		for j, s := range bb.Successors() {
			label := ""
			if term != nil && term.Op == aot.OpCondBr {
				label = " [label=\"T\"]"
				if j == 1 {
					label = " [label=\"F\"]"
				}
			}
			fmt.Fprintf(w, "  n%d -> n%d%s;\n", i, s, label)
		}
	}
	fmt.Fprintln(w, "}")
	w.Flush()
	return buf.Bytes()
}

func escapeDOT(s string) string {
	s = strings.ReplaceAll(s, "\\", "\\\\")
	s = strings.ReplaceAll(s, "\"", "\\\"")
	return strings.ReplaceAll(s, "\n", "\\l")
}
