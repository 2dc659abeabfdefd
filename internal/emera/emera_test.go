package emera_test

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"go.followtheprocess.codes/emera/internal/config"
	"go.followtheprocess.codes/emera/internal/emera"
	"go.followtheprocess.codes/emera/internal/syntax"
	"go.followtheprocess.codes/test"
	"go.followtheprocess.codes/txtar"
)

var update = flag.Bool("update", false, "Update snapshots and testdata")

func ctx(t *testing.T) context.Context {
	t.Helper()
	c, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return c
}

// newVault writes files into a fresh vault directory and returns its root.
func newVault(t *testing.T, files map[string]string) string {
	t.Helper()
	root := t.TempDir()

	for name, contents := range files {
		path := filepath.Join(root, filepath.FromSlash(name))
		test.Ok(t, os.MkdirAll(filepath.Dir(path), 0o755))
		test.Ok(t, os.WriteFile(path, []byte(contents), 0o644))
	}

	return root
}

func TestCheck(t *testing.T) {
	good := filepath.Join("testdata", "check", "good.md")
	bad := filepath.Join("testdata", "check", "bad.md")
	broken := filepath.Join("testdata", "check", "broken.md")

	t.Run("good", func(t *testing.T) {
		stdout := &bytes.Buffer{}
		stderr := &bytes.Buffer{}

		app := emera.New(stdout, stderr, "dev", false)

		err := app.Check(ctx(t), []string{good})
		test.Ok(t, err)

		// Stderr should be empty
		test.Equal(t, stderr.String(), "")

		// Stdout should have the success message
		want := fmt.Sprintf("Success: %s is valid\n", good)
		test.Equal(t, stdout.String(), want)
	})

	t.Run("malformed", func(t *testing.T) {
		stdout := &bytes.Buffer{}
		stderr := &bytes.Buffer{}

		app := emera.New(stdout, stderr, "dev", false)

		err := app.Check(ctx(t), []string{bad})
		test.Err(t, err)

		got := stderr.String()

		// Replace \ with / on windows
		if runtime.GOOS == "windows" {
			got = strings.ReplaceAll(got, `\`, "/")
		}

		test.True(t, strings.Contains(got, "testdata/check/bad.md:3:"), test.Context("got %s", got))
		test.True(t, strings.Contains(got, `invalid component name "1Bad"`), test.Context("got %s", got))

		// Stdout should be empty
		test.Equal(t, stdout.String(), "")
	})

	t.Run("does not compile", func(t *testing.T) {
		stdout := &bytes.Buffer{}
		stderr := &bytes.Buffer{}

		app := emera.New(stdout, stderr, "dev", false)

		err := app.Check(ctx(t), []string{broken})
		test.Err(t, err)

		got := stderr.String()
		if runtime.GOOS == "windows" {
			got = strings.ReplaceAll(got, `\`, "/")
		}

		test.True(t, strings.Contains(got, "testdata/check/broken.md:3:"), test.Context("got %s", got))
		test.True(t, strings.Contains(got, "1 of 1 regions failed to compile"), test.Context("got %s", got))
	})

	t.Run("mixed", func(t *testing.T) {
		stdout := &bytes.Buffer{}
		stderr := &bytes.Buffer{}

		app := emera.New(stdout, stderr, "dev", false)

		err := app.Check(ctx(t), []string{good, bad, broken})
		test.Err(t, err)
		test.True(t, strings.Contains(err.Error(), "2 of 3 files failed"), test.Context("got %v", err))

		// The good one is still reported
		test.Equal(t, stdout.String(), fmt.Sprintf("Success: %s is valid\n", good))
	})
}

func TestRegions(t *testing.T) {
	good := filepath.Join("testdata", "check", "good.md")

	t.Run("text", func(t *testing.T) {
		stdout := &bytes.Buffer{}
		stderr := &bytes.Buffer{}

		app := emera.New(stdout, stderr, "dev", false)

		err := app.Regions(good, emera.RegionsOptions{})
		test.Ok(t, err)
		test.Equal(t, stderr.String(), "")

		lines := strings.Split(strings.TrimSpace(stdout.String()), "\n")
		test.Equal(t, len(lines), 5)
		test.True(t, strings.HasSuffix(lines[0], "inline-expression 1 + 1"), test.Context("got %q", lines[0]))
		test.True(t, strings.HasSuffix(lines[4], "block-markup:Callout Plain text body"), test.Context("got %q", lines[4]))
	})

	t.Run("json", func(t *testing.T) {
		stdout := &bytes.Buffer{}
		stderr := &bytes.Buffer{}

		app := emera.New(stdout, stderr, "dev", false)

		err := app.Regions(good, emera.RegionsOptions{JSON: true})
		test.Ok(t, err)

		var doc struct {
			Regions []struct {
				Kind      string `json:"kind"`
				Component string `json:"component"`
			} `json:"regions"`
		}
		test.Ok(t, json.Unmarshal(stdout.Bytes(), &doc))

		kinds := make([]string, 0, len(doc.Regions))
		for _, region := range doc.Regions {
			kinds = append(kinds, region.Kind)
		}
		want := []string{
			syntax.InlineScript.String(),
			syntax.InlineMarkup.String(),
			syntax.BlockScript.String(),
			syntax.BlockMarkup.String(),
			syntax.BlockMarkup.String(),
		}
		test.Equal(t, strings.Join(kinds, ","), strings.Join(want, ","))
		test.Equal(t, doc.Regions[4].Component, "Callout")
	})

	t.Run("none", func(t *testing.T) {
		stdout := &bytes.Buffer{}
		file := filepath.Join(newVault(t, map[string]string{"plain.md": "# Nothing here\n"}), "plain.md")

		app := emera.New(stdout, &bytes.Buffer{}, "dev", false)

		test.Ok(t, app.Regions(file, emera.RegionsOptions{}))
		test.Equal(t, stdout.String(), file+" has no regions\n")
	})
}

// TestRender renders the doc.md from each txtar archive in testdata/render in a
// vault whose user module is the archive's index.jsx, if it has one, and compares
// the HTML against want.html.
func TestRender(t *testing.T) {
	test.ColorEnabled(true) // Force colour in the diffs

	pattern := filepath.Join("testdata", "render", "*.txtar")
	files, err := filepath.Glob(pattern)
	test.Ok(t, err)

	for _, file := range files {
		name := filepath.Base(file)
		t.Run(name, func(t *testing.T) {
			archive, err := txtar.ParseFile(file)
			test.Ok(t, err)

			doc, ok := archive.Read("doc.md")
			test.True(t, ok, test.Context("archive %s missing doc.md", name))

			want, ok := archive.Read("want.html")
			test.True(t, ok, test.Context("archive %s missing want.html", name))

			contents := map[string]string{"notes/doc.md": doc}
			if index, ok := archive.Read("index.jsx"); ok {
				contents[config.DefaultComponentsFolder+"/index.jsx"] = index
			}
			root := newVault(t, contents)

			stdout := &bytes.Buffer{}
			stderr := &bytes.Buffer{}

			app := emera.New(stdout, stderr, "dev", false)

			options := emera.RenderOptions{VaultOptions: emera.VaultOptions{Vault: root}}
			err = app.Render(ctx(t), filepath.Join(root, "notes", "doc.md"), options)
			test.Ok(t, err)

			got := stdout.String()

			if *update {
				err := archive.Write("want.html", got)
				test.Ok(t, err)

				err = txtar.DumpFile(file, archive)
				test.Ok(t, err)

				return
			}

			test.Diff(t, got, want)
		})
	}
}

func TestRenderOutput(t *testing.T) {
	root := newVault(t, map[string]string{
		"Components/index.jsx": `const style = document.createElement("style");
style.textContent = ".answer { color: teal; }";
document.head.appendChild(style);
export const answer = 42;
`,
		"notes/doc.md": "`emjs:answer`\n",
	})
	doc := filepath.Join(root, "notes", "doc.md")
	out := filepath.Join(t.TempDir(), "doc.html")

	stdout := &bytes.Buffer{}
	app := emera.New(stdout, &bytes.Buffer{}, "dev", false)

	options := emera.RenderOptions{
		VaultOptions: emera.VaultOptions{Vault: root},
		Output:       out,
		Standalone:   true,
	}
	test.Ok(t, app.Render(ctx(t), doc, options))
	test.Equal(t, stdout.String(), fmt.Sprintf("Success: Rendered %s to %s (1 regions)\n", doc, out))

	contents, err := os.ReadFile(out)
	test.Ok(t, err)

	got := string(contents)
	for _, want := range []string{
		"<!DOCTYPE html>",
		"<title>notes/doc.md</title>",
		".answer { color: teal; }",
		`<span class="emera-inline-expression">42</span>`,
	} {
		test.True(t, strings.Contains(got, want), test.Context("%q not in %s", want, got))
	}
}

func TestRenderOutsideVault(t *testing.T) {
	root := newVault(t, nil)
	elsewhere := filepath.Join(newVault(t, map[string]string{"doc.md": "hi\n"}), "doc.md")

	app := emera.New(&bytes.Buffer{}, &bytes.Buffer{}, "dev", false)

	err := app.Render(ctx(t), elsewhere, emera.RenderOptions{VaultOptions: emera.VaultOptions{Vault: root}})
	test.Err(t, err)
}

func TestExports(t *testing.T) {
	root := newVault(t, map[string]string{
		"Components/index.jsx": `export const Greeting = () => <p>Hi</p>;
export const answer = 42;
export const name = "emera";
`,
	})

	t.Run("json", func(t *testing.T) {
		stdout := &bytes.Buffer{}
		app := emera.New(stdout, &bytes.Buffer{}, "dev", false)

		options := emera.ExportsOptions{VaultOptions: emera.VaultOptions{Vault: root}, JSON: true}
		test.Ok(t, app.Exports(ctx(t), options))

		test.Equal(t, stdout.String(), `{"Greeting":"function","answer":"number","name":"string"}`+"\n")
	})

	t.Run("table", func(t *testing.T) {
		stdout := &bytes.Buffer{}
		app := emera.New(stdout, &bytes.Buffer{}, "dev", false)

		options := emera.ExportsOptions{VaultOptions: emera.VaultOptions{Vault: root}}
		test.Ok(t, app.Exports(ctx(t), options))

		got := stdout.String()
		for _, want := range []string{"NAME", "TYPE", "Greeting", "function", "answer", "number"} {
			test.True(t, strings.Contains(got, want), test.Context("%q not in %s", want, got))
		}
	})

	t.Run("none", func(t *testing.T) {
		stdout := &bytes.Buffer{}
		app := emera.New(stdout, &bytes.Buffer{}, "dev", false)

		options := emera.ExportsOptions{VaultOptions: emera.VaultOptions{Vault: newVault(t, nil)}}
		test.Ok(t, app.Exports(ctx(t), options))
		test.Equal(t, stdout.String(), "The user module has no exports\n")
	})
}

func TestShow(t *testing.T) {
	root := newVault(t, map[string]string{
		"Components/index.jsx": `import { double } from "./maths";
export const answer = double(21);
`,
		"Components/maths.js": "export const double = (n) => n * 2;\n",
	})

	t.Run("bundled", func(t *testing.T) {
		stdout := &bytes.Buffer{}
		app := emera.New(stdout, &bytes.Buffer{}, "dev", false)

		options := emera.ShowOptions{VaultOptions: emera.VaultOptions{Vault: root}, Bundle: true}
		test.Ok(t, app.Show(ctx(t), options))

		// The relative import is inlined
		got := stdout.String()
		test.True(t, strings.Contains(got, "n * 2"), test.Context("got %s", got))
		test.False(t, strings.Contains(got, "./maths"), test.Context("got %s", got))
	})

	t.Run("compiled", func(t *testing.T) {
		stdout := &bytes.Buffer{}
		app := emera.New(stdout, &bytes.Buffer{}, "dev", false)

		options := emera.ShowOptions{VaultOptions: emera.VaultOptions{Vault: root}}
		test.Ok(t, app.Show(ctx(t), options))
		test.True(t, strings.Contains(stdout.String(), "answer"), test.Context("got %s", stdout.String()))
	})

	t.Run("missing entry", func(t *testing.T) {
		app := emera.New(&bytes.Buffer{}, &bytes.Buffer{}, "dev", false)

		options := emera.ShowOptions{VaultOptions: emera.VaultOptions{Vault: newVault(t, nil)}}
		test.Err(t, app.Show(ctx(t), options))
	})
}

func TestConfig(t *testing.T) {
	root := newVault(t, map[string]string{
		"emera.yaml":          "components_folder: UI\n",
		"UI/index.js":         "export const fromUI = 'ui';\n",
		"Components/index.js": "export const fromComponents = 'components';\n",
	})

	stdout := &bytes.Buffer{}
	app := emera.New(stdout, &bytes.Buffer{}, "dev", false)

	options := emera.ExportsOptions{VaultOptions: emera.VaultOptions{Vault: root}, JSON: true}
	test.Ok(t, app.Exports(ctx(t), options))
	test.Equal(t, stdout.String(), `{"fromUI":"string"}`+"\n")

	// A settings file that doesn't parse is an error
	broken := newVault(t, map[string]string{"emera.yaml": "components_folder: [\n"})
	options = emera.ExportsOptions{VaultOptions: emera.VaultOptions{Vault: broken}}
	test.Err(t, emera.New(&bytes.Buffer{}, &bytes.Buffer{}, "dev", false).Exports(ctx(t), options))
}

func TestInit(t *testing.T) {
	root := newVault(t, nil)

	stdout := &bytes.Buffer{}
	app := emera.New(stdout, &bytes.Buffer{}, "dev", false)

	options := emera.InitOptions{VaultOptions: emera.VaultOptions{Vault: root}}
	test.Ok(t, app.Init(options))

	settings := filepath.Join(root, config.FileName)
	entry := filepath.Join(root, "Components", "index.jsx")
	test.Equal(t, stdout.String(), fmt.Sprintf(
		"Success: Wrote settings to %s\nSuccess: Wrote a starter user module to Components/index.jsx\n", settings,
	))

	loaded, err := config.Load(settings)
	test.Ok(t, err)
	test.Equal(t, loaded.ComponentsFolder, config.DefaultComponentsFolder)

	_, err = os.Stat(entry)
	test.Ok(t, err)

	// The starter module loads and exports its component
	stdout.Reset()
	test.Ok(t, app.Exports(ctx(t), emera.ExportsOptions{VaultOptions: options.VaultOptions, JSON: true}))
	test.Equal(t, stdout.String(), `{"Callout":"function"}`+"\n")

	// Running it again needs --force, and never replaces the user module
	test.Err(t, app.Init(options))

	test.Ok(t, os.WriteFile(entry, []byte("export const Mine = 1;\n"), 0o644))
	options.Force = true
	test.Ok(t, app.Init(options))

	contents, err := os.ReadFile(entry)
	test.Ok(t, err)
	test.Equal(t, string(contents), "export const Mine = 1;\n")
}
