package main

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/fatih/color"
	"github.com/urfave/cli/v2"
)

var dumpCommand = &cli.Command{
	Action:    dump,
	Name:      "dump",
	Usage:     "Print a program as the JIT sees it, after outline inference",
	ArgsUsage: "<file.aot>",
	Flags:     []cli.Flag{colorFlag},
}

func dump(ctx *cli.Context) error {
	mod, err := loadModule(ctx)
	if err != nil {
		return err
	}
	enable := isTerminal(os.Stdout)
	if ctx.IsSet(colorFlag.Name) {
		enable = ctx.Bool(colorFlag.Name)
	}
	fmt.Fprint(ctx.App.Writer, newHighlighter(enable).highlight(mod.String()))
	return nil
}

var tokenRe = regexp.MustCompile(`"(?:[^"\\]|\\.)*"|@[A-Za-z0-9_.$]+|%[A-Za-z0-9_.]+|\bbb[0-9]+\b|-?\b[0-9][0-9A-Za-z.+]*|\b(?:func|extern|global|outline|noinline)\b`)

type highlighter struct {
	keyword, sym, local, label, num, str *color.Color
}

func newHighlighter(enable bool) *highlighter {
	h := &highlighter{
		keyword: color.New(color.Bold),
		sym:     color.New(color.FgCyan),
		local:   color.New(color.FgYellow),
		label:   color.New(color.FgGreen, color.Bold),
		num:     color.New(color.FgMagenta),
		str:     color.New(color.FgRed),
	}
	for _, c := range []*color.Color{h.keyword, h.sym, h.local, h.label, h.num, h.str} {
		if enable {
			c.EnableColor()
		} else {
			c.DisableColor()
		}
	}
	return h
}

func (h *highlighter) highlight(text string) string {
	return tokenRe.ReplaceAllStringFunc(text, func(tok string) string {
		switch {
		case strings.HasPrefix(tok, `"`):
			return h.str.Sprint(tok)
		case strings.HasPrefix(tok, "@"):
			return h.sym.Sprint(tok)
		case strings.HasPrefix(tok, "%"):
			return h.local.Sprint(tok)
		case strings.HasPrefix(tok, "bb"):
			return h.label.Sprint(tok)
		case tok[0] == '-' || (tok[0] >= '0' && tok[0] <= '9'):
			return h.num.Sprint(tok)
		}
		return h.keyword.Sprint(tok)
	})
}
