package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	prompt "github.com/c-bata/go-prompt"
	"golang.org/x/term"

	errs "github.com/xtxerr/barstore/internal/errors"
	"github.com/xtxerr/barstore/internal/storage/registry"
)

// shell runs commands interactively on a terminal, or line by line when
// stdin is redirected.
func (a *app) shell(ctx context.Context, _ []string) error {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return a.script(ctx, os.Stdin)
	}

	fmt.Fprintln(a.out, "barstore shell. Type \"help\" for commands, \"exit\" to quit.")
	p := prompt.New(
		func(line string) { a.exec(ctx, line) },
		complete,
		prompt.OptionPrefix("barstore> "),
		prompt.OptionTitle("barstore"),
		prompt.OptionSetExitCheckerOnInput(func(in string, breakline bool) bool {
			return breakline && isExit(in)
		}),
	)
	p.Run()
	return ctx.Err()
}

// script executes one command per line until EOF or exit. The first
// failing line's error is returned after the remaining lines run.
func (a *app) script(ctx context.Context, r io.Reader) error {
	var first error
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if isExit(line) {
			break
		}
		if err := a.exec(ctx, line); err != nil && first == nil {
			first = err
		}
	}
	if err := sc.Err(); err != nil {
		return errs.Wrapf(errs.ErrBadInput, "read script: %v", err)
	}
	return first
}

func (a *app) exec(ctx context.Context, line string) error {
	args := strings.Fields(line)
	if len(args) == 0 {
		return nil
	}
	if args[0] == "shell" {
		return nil
	}
	err := a.dispatch(ctx, args)
	if err != nil {
		fmt.Fprintf(a.out, "error [%s]: %v\n", errs.CodeName(errs.ErrorToCode(err)), err)
	}
	return err
}

func isExit(line string) bool {
	switch strings.TrimSpace(line) {
	case "exit", "quit", `\q`:
		return true
	}
	return false
}

func complete(d prompt.Document) []prompt.Suggest {
	before := d.TextBeforeCursor()
	word := d.GetWordBeforeCursor()
	if !strings.Contains(before, " ") {
		var s []prompt.Suggest
		for _, c := range commands {
			s = append(s, prompt.Suggest{Text: c.name, Description: c.help})
		}
		s = append(s, prompt.Suggest{Text: "exit", Description: "leave the shell"})
		return prompt.FilterHasPrefix(s, word, true)
	}

	var s []prompt.Suggest
	for _, e := range registry.All() {
		s = append(s, prompt.Suggest{Text: string(e.ID), Description: e.Granularity.String() + " " + e.Schema.String()})
	}
	return prompt.FilterHasPrefix(s, word, true)
}
