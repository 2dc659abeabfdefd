package emera

import (
	"context"
	"io"
	"slices"
	"testing"
	"time"

	"go.followtheprocess.codes/emera/internal/config"
	"go.followtheprocess.codes/emera/internal/plugin"
	"go.followtheprocess.codes/emera/internal/vault"
	"go.followtheprocess.codes/log"
	"go.followtheprocess.codes/test"
)

func newTestSession(t *testing.T) *session {
	t.Helper()

	files := vault.NewMemory(map[string]string{
		"Components/index.js": "export const answer = 42;\n",
	})

	p, err := plugin.New(files, config.Default(), log.New(io.Discard))
	test.Ok(t, err)
	t.Cleanup(func() { test.Ok(t, p.Unload()) })

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	test.Ok(t, p.Load(ctx))

	s, err := newSession(p)
	test.Ok(t, err)

	return s
}

func TestSessionEval(t *testing.T) {
	s := newTestSession(t)
	ctx := context.Background()

	tests := []struct {
		input string // Line typed at the prompt
		want  string // Expected output
	}{
		{input: "1 + 2", want: "3"},
		{input: "emjs:1 + 2", want: "3"},
		{input: "answer", want: "42"},
		{input: "export const double = (n) => n * 2;", want: "double"},
		{input: "double(answer)", want: "84"},
		{input: "export const a = 1, b = 2;", want: "a, b"},
		{input: "a + b", want: "3"},
	}

	// Order matters, later lines use earlier exports
	for _, tt := range tests {
		got, err := s.eval(ctx, tt.input)
		test.Ok(t, err, test.Context("eval(%q)", tt.input))
		test.Equal(t, got, tt.want, test.Context("eval(%q)", tt.input))
	}

	_, err := s.eval(ctx, "1 +")
	test.Err(t, err, test.Context("syntax errors should be reported"))

	_, err = s.eval(ctx, "nope.nothing")
	test.Err(t, err, test.Context("runtime errors should be reported"))
}

func TestSessionComplete(t *testing.T) {
	s := newTestSession(t)

	_, err := s.eval(context.Background(), "export const answerTwice = 84, other = 1;")
	test.Ok(t, err)

	tests := []struct {
		line string   // Line being typed
		want []string // Expected completions
	}{
		{line: "ans", want: []string{"answer", "answerTwice"}},
		{line: "1 + answerT", want: []string{"1 + answerTwice"}},
		{line: "oth", want: []string{"other"}},
		{line: "Math.fl", want: nil},
		{line: "", want: nil},
		{line: "zzz", want: nil},
	}

	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			got := s.complete(tt.line)
			test.True(t, slices.Equal(got, tt.want), test.Context("complete(%q) = %v, want %v", tt.line, got, tt.want))
		})
	}
}

func TestNewSessionReplaces(t *testing.T) {
	s := newTestSession(t)

	_, err := s.eval(context.Background(), "export const stale = 1;")
	test.Ok(t, err)

	fresh, err := newSession(s.plugin)
	test.Ok(t, err)

	test.False(t, fresh.scope.Has("stale"), test.Context("a new session should start empty"))
}
