package host_test

import (
	"io"
	"slices"
	"strings"
	"testing"

	"github.com/dop251/goja"
	"go.followtheprocess.codes/emera/internal/config"
	"go.followtheprocess.codes/emera/internal/host"
	"go.followtheprocess.codes/emera/internal/scope"
	"go.followtheprocess.codes/log"
	"go.followtheprocess.codes/test"
)

func empty(vm *goja.Runtime) (*goja.Object, error) {
	return vm.NewObject(), nil
}

func TestContext(t *testing.T) {
	ctx := host.New(
		config.Default(),
		host.App{Vault: "/vault"},
		log.New(io.Discard),
		host.WithModule("emera", empty),
	)

	test.Equal(t, ctx.Root().ID(), host.RootID)

	names, err := ctx.Root().Get(host.BindingModules)
	test.Ok(t, err)
	test.EqualFunc(t, names.([]string), []string{"emera"}, slices.Equal)

	app, err := ctx.Root().Get(host.BindingApp)
	test.Ok(t, err)
	test.Equal(t, app.(host.App).ComponentsFolder, config.DefaultComponentsFolder)

	ctx.Register("emera/jsx-runtime", empty)
	test.EqualFunc(t, ctx.ModuleNames(), []string{"emera", "emera/jsx-runtime"}, slices.Equal)

	_, ok := ctx.Module("react")
	test.False(t, ok)

	message := ctx.MissingModule("react")
	test.True(t, strings.Contains(message, "You're trying to import module react"))
	test.True(t, strings.Contains(message, "emera, emera/jsx-runtime"))
}

func TestScope(t *testing.T) {
	ctx := host.New(config.Default(), host.App{}, log.New(io.Discard))

	page := scope.New("page/note.md")
	test.Ok(t, ctx.Root().AddChild(page))

	got, ok := ctx.Scope("page/note.md")
	test.True(t, ok)
	test.Equal(t, got, page)

	got, ok = ctx.Scope(host.RootID)
	test.True(t, ok)
	test.Equal(t, got, ctx.Root())

	_, ok = ctx.Scope("page/other.md")
	test.False(t, ok)
}

func TestReady(t *testing.T) {
	ctx := host.New(config.Default(), host.App{}, log.New(io.Discard))

	select {
	case <-ctx.Ready():
		t.Fatal("context should not be ready yet")
	default:
	}

	ctx.MarkReady()
	ctx.MarkReady() // Must not panic

	select {
	case <-ctx.Ready():
	default:
		t.Fatal("context should be ready")
	}
}
