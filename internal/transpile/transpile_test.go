package transpile_test

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"go.followtheprocess.codes/emera/internal/config"
	"go.followtheprocess.codes/emera/internal/host"
	"go.followtheprocess.codes/emera/internal/scope"
	"go.followtheprocess.codes/emera/internal/transpile"
	"go.followtheprocess.codes/log"
	"go.followtheprocess.codes/test"
)

func newTranspiler() *transpile.Transpiler {
	return transpile.New(host.New(config.Default(), host.App{}, log.New(io.Discard)))
}

func TestTranspile(t *testing.T) {
	tests := []struct {
		options  transpile.Options // Options to pass
		name     string            // Name of the test case
		src      string            // Source to compile
		contains []string          // Fragments the output must contain
		excludes []string          // Fragments the output must not contain
	}{
		{
			name:     "strips types",
			src:      "const x: number = 1;\nexport default x;\n",
			excludes: []string{": number"},
			contains: []string{"const x = 1"},
		},
		{
			name:     "rewrites bare imports",
			src:      "import { format } from \"emera\";\nexport const out = format(1);\n",
			contains: []string{`__emera.module("emera")`},
			excludes: []string{"import "},
		},
		{
			name:     "keeps relative imports",
			src:      "import thing from \"./thing.js\";\nexport default thing;\n",
			contains: []string{`from "./thing.js"`},
		},
		{
			name:     "keeps imports when asked",
			src:      "import { a } from \"x\";\nexport default a;\n",
			options:  transpile.Options{KeepImports: true},
			contains: []string{`from "x"`},
		},
		{
			name:     "redirects free identifiers",
			src:      "export const doubled = count * 2;\n",
			options:  transpile.Options{Scope: scope.New("page/note.md/1")},
			contains: []string{`__emera.scope("page/note.md/1")`, `__emeraScope.has("count")`},
		},
		{
			name:     "no prologue without scope",
			src:      "export const doubled = count * 2;\n",
			excludes: []string{"__emeraScope"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := newTranspiler().Transpile(context.Background(), tt.src, tt.options)
			test.Ok(t, err)

			for _, want := range tt.contains {
				test.True(t, strings.Contains(got, want), test.Context("output missing %q:\n%s", want, got))
			}
			for _, unwanted := range tt.excludes {
				test.False(t, strings.Contains(got, unwanted), test.Context("output contains %q:\n%s", unwanted, got))
			}
		})
	}
}

func TestCompileMarkup(t *testing.T) {
	node := scope.New("page/note.md/2")

	got, err := newTranspiler().CompileMarkup(
		context.Background(),
		`<Greeting name="World" />`,
		transpile.Options{Scope: node},
	)
	test.Ok(t, err)

	test.True(t, strings.Contains(got, `__emeraScope.component("Greeting")`), test.Context("got:\n%s", got))
	test.True(t, strings.Contains(got, `__emera.module("emera/jsx-runtime")`), test.Context("got:\n%s", got))
	test.True(t, strings.Contains(got, "export default"), test.Context("got:\n%s", got))
}

func TestCompileExpression(t *testing.T) {
	got, err := newTranspiler().CompileExpression(
		context.Background(),
		"total + 1",
		transpile.Options{Scope: scope.New("page/note.md")},
	)
	test.Ok(t, err)
	test.True(t, strings.Contains(got, `__emeraScope.get("total")`), test.Context("got:\n%s", got))
}

func TestCompileError(t *testing.T) {
	_, err := newTranspiler().Transpile(context.Background(), "const = ;", transpile.Options{Name: "broken.tsx"})
	test.Err(t, err)

	var compileErr *transpile.CompileError
	test.True(t, errors.As(err, &compileErr))
	test.Equal(t, compileErr.Name, "broken.tsx")
	test.True(t, len(compileErr.Messages) > 0)
	test.True(t, strings.HasPrefix(err.Error(), "could not compile broken.tsx"))
}

func TestCompileExpressionEmpty(t *testing.T) {
	_, err := newTranspiler().CompileExpression(context.Background(), "", transpile.Options{})
	test.Err(t, err)
}
