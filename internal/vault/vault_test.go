package vault_test

import (
	"errors"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"go.followtheprocess.codes/emera/internal/vault"
	"go.followtheprocess.codes/test"
)

func TestMemory(t *testing.T) {
	files := vault.NewMemory(map[string]string{
		"Components/index.tsx":       "export const A = 1;",
		"/Components/lib/util.ts":    "export const B = 2;",
		"notes/today.md":             "# Today",
		"Components/styles/main.css": "body {}",
	})

	test.True(t, files.Exists("Components/index.tsx"))
	test.True(t, files.Exists("Components/lib/../lib/util.ts"), test.Context("paths should be cleaned"))
	test.False(t, files.Exists("Components/index.ts"))

	text, err := files.Read("notes/today.md")
	test.Ok(t, err)
	test.Equal(t, text, "# Today")

	_, err = files.Read("missing.md")
	test.True(t, errors.Is(err, vault.ErrNotFound))

	test.Ok(t, files.Write("Components/storage.json", "{}"))
	test.True(t, files.Exists("Components/storage.json"))

	got, err := files.List("Components/**/*.ts")
	test.Ok(t, err)
	test.EqualFunc(t, got, []string{"Components/lib/util.ts"}, slices.Equal)

	got, err = files.List("Components/*")
	test.Ok(t, err)
	test.EqualFunc(t, got, []string{"Components/index.tsx", "Components/storage.json"}, slices.Equal)
}

func TestDir(t *testing.T) {
	root := t.TempDir()
	test.Ok(t, os.MkdirAll(filepath.Join(root, "Components"), 0o755))
	test.Ok(t, os.WriteFile(filepath.Join(root, "Components", "index.js"), []byte("export default 1;"), 0o644))

	dir, err := vault.NewDir(root)
	test.Ok(t, err)

	test.True(t, dir.Exists("Components/index.js"))
	test.False(t, dir.Exists("Components"), test.Context("directories are not files"))

	text, err := dir.Read("Components/index.js")
	test.Ok(t, err)
	test.Equal(t, text, "export default 1;")

	_, err = dir.Read("nope.md")
	test.True(t, errors.Is(err, vault.ErrNotFound))

	test.Ok(t, dir.Write("notes/new.md", "hello"))
	test.True(t, dir.Exists("notes/new.md"))

	got, err := dir.List("**/*.md")
	test.Ok(t, err)
	test.EqualFunc(t, got, []string{"notes/new.md"}, slices.Equal)

	rel, err := dir.Rel(filepath.Join(root, "notes", "new.md"))
	test.Ok(t, err)
	test.Equal(t, rel, "notes/new.md")

	_, err = vault.NewDir(filepath.Join(root, "Components", "index.js"))
	test.Err(t, err)
}

func TestMatch(t *testing.T) {
	tests := []struct {
		pattern string // Glob pattern
		name    string // Vault path
		want    bool   // Expected match
	}{
		{pattern: "*.md", name: "today.md", want: true},
		{pattern: "*.md", name: "notes/today.md", want: false},
		{pattern: "**/*.md", name: "today.md", want: true},
		{pattern: "**/*.md", name: "a/b/c/today.md", want: true},
		{pattern: "Components/**", name: "Components/a/b.ts", want: true},
		{pattern: "Components/index.*", name: "Components/index.tsx", want: true},
		{pattern: "Components/index.*", name: "Components/lib/index.tsx", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.pattern+" "+tt.name, func(t *testing.T) {
			test.Equal(t, vault.Match(tt.pattern, tt.name), tt.want)
		})
	}
}

func TestFrontmatter(t *testing.T) {
	tests := []struct {
		want    map[string]any // Expected frontmatter
		name    string         // Name of the test case
		text    string         // Document text
		ok      bool           // Whether frontmatter should be found
		wantErr bool           // Whether parsing should fail
	}{
		{
			name: "present",
			text: "---\ntitle: Hello\ncount: 3\n---\n# Body\n",
			want: map[string]any{"title": "Hello", "count": 3},
			ok:   true,
		},
		{
			name: "absent",
			text: "# Just a heading\n",
			ok:   false,
		},
		{
			name: "unclosed",
			text: "---\ntitle: Hello\n",
			ok:   false,
		},
		{
			name:    "invalid",
			text:    "---\ntitle: [unclosed\n---\n",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok, err := vault.Frontmatter(tt.text)
			test.WantErr(t, err, tt.wantErr)
			test.Equal(t, ok, tt.ok)

			test.Equal(t, len(got), len(tt.want))
			for key, value := range tt.want {
				test.Equal(t, got[key], value, test.Context("frontmatter key %q", key))
			}
		})
	}
}

func TestBody(t *testing.T) {
	tests := []struct {
		name string // Name of the test case
		text string // Document text
		want string // Expected body
	}{
		{name: "frontmatter", text: "---\ntitle: Hello\n---\n# Body\n", want: "# Body\n"},
		{name: "none", text: "# Body\n", want: "# Body\n"},
		{name: "unclosed", text: "---\ntitle: Hello\n", want: "---\ntitle: Hello\n"},
		{name: "only frontmatter", text: "---\na: 1\n---", want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			test.Equal(t, vault.Body(tt.text), tt.want)
		})
	}
}

func TestMetadata(t *testing.T) {
	files := vault.NewMemory(map[string]string{
		"note.md": "---\ntags: [a]\n---\n",
	})
	metadata := vault.NewMetadata(files)

	frontmatter, ok := metadata.Frontmatter("note.md")
	test.True(t, ok)
	test.Equal(t, len(frontmatter), 1)

	_, ok = metadata.Frontmatter("other.md")
	test.False(t, ok)

	var calls int
	unsubscribe := metadata.OnChanged("./note.md", func() { calls++ })

	metadata.Changed("note.md")
	metadata.Changed("other.md")
	test.Equal(t, calls, 1)

	unsubscribe()
	metadata.Changed("note.md")
	test.Equal(t, calls, 1)
}

func TestNewFile(t *testing.T) {
	got := vault.NewFile("notes/today.md")
	test.Equal(t, got, vault.File{Path: "notes/today.md", Name: "today.md", Basename: "today", Extension: "md"})
}
