package emera

import (
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"

	"github.com/peterh/liner"
	"go.followtheprocess.codes/emera/internal/loader"
	"go.followtheprocess.codes/emera/internal/plugin"
	"go.followtheprocess.codes/emera/internal/scope"
	"go.followtheprocess.codes/emera/internal/syntax"
	"go.followtheprocess.codes/emera/internal/transpile"
	"go.followtheprocess.codes/hue"
)

const (
	prompt   = "emera> "
	replID   = "repl"
	replHelp = `Expressions are evaluated against the root scope, the prefix emjs: is optional.
Lines starting with export run as a script, their exports are available to later lines.
Type .exit or press ctrl+d to quit.`
)

// session is a REPL session, it owns a scope below the root that scripts entered
// at the prompt export into.
type session struct {
	plugin *plugin.Plugin // Where code runs
	scope  *scope.Node    // Bindings made at the prompt
	count  int            // Lines evaluated so far, used to name them
}

// newSession returns a new REPL [session].
func newSession(p *plugin.Plugin) (*session, error) {
	if existing, ok := p.Host().Scope(replID); ok {
		existing.Dispose()
	}

	node := scope.New(replID)
	if err := p.Host().Root().AddChild(node); err != nil {
		return nil, err
	}

	return &session{plugin: p, scope: node}, nil
}

// run reads lines from the terminal and evaluates them until the user quits.
func (s *session) run(ctx context.Context, stdout, stderr io.Writer) error {
	line := liner.NewLiner()
	defer line.Close()

	line.SetCtrlCAborts(true)
	line.SetCompleter(s.complete)

	fmt.Fprintln(stdout, replHelp)

	for {
		input, err := line.Prompt(prompt)
		if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		input = strings.TrimSpace(input)
		switch input {
		case "":
			continue
		case ".exit":
			return nil
		}

		line.AppendHistory(input)

		out, err := s.eval(ctx, input)
		if err != nil {
			hue.Red.Fprintf(stderr, "%s\n", describe(err))
			continue
		}
		if out != "" {
			fmt.Fprintln(stdout, out)
		}
	}
}

// eval evaluates one line of input, returning what should be printed.
func (s *session) eval(ctx context.Context, input string) (string, error) {
	s.count++
	name := fmt.Sprintf("repl:%d", s.count)
	options := transpile.Options{Scope: s.scope, Name: name}

	transpiler := s.plugin.Transpiler()
	runtime := s.plugin.Loader()

	if strings.HasPrefix(input, "export ") || strings.HasPrefix(input, "import ") {
		code, err := transpiler.Transpile(ctx, input, options)
		if err != nil {
			return "", err
		}

		module, err := runtime.Load(ctx, code, name)
		if err != nil {
			return "", err
		}

		exports := module.Exports()
		s.scope.SetMany(exports)
		return strings.Join(slices.Sorted(maps.Keys(exports)), ", "), nil
	}

	expr := strings.TrimPrefix(input, syntax.InlineScriptPrefix)

	code, err := transpiler.CompileExpression(ctx, expr, options)
	if err != nil {
		return "", err
	}

	module, err := runtime.Load(ctx, code, name)
	if err != nil {
		return "", err
	}

	factory, ok := module.Default()
	if !ok {
		return "", fmt.Errorf("%s compiled without a default export", name)
	}

	return runtime.Text(ctx, factory)
}

// complete completes the name being typed at the end of line from everything in scope.
func (s *session) complete(line string) []string {
	start := strings.LastIndexFunc(line, func(r rune) bool {
		return !(r == '_' || r == '$' || r == '.' || 'a' <= r && r <= 'z' || 'A' <= r && r <= 'Z' || '0' <= r && r <= '9')
	}) + 1

	prefix, word := line[:start], line[start:]
	if word == "" || strings.Contains(word, ".") {
		return nil
	}

	var completions []string
	for _, name := range slices.Sorted(maps.Keys(s.scope.All())) {
		if strings.HasPrefix(name, word) {
			completions = append(completions, prefix+name)
		}
	}
	return completions
}

// describe returns the message shown for an error at the prompt.
func describe(err error) string {
	var evalErr *loader.EvaluationError
	if errors.As(err, &evalErr) {
		return "Uncaught " + evalErr.Message
	}
	return err.Error()
}
