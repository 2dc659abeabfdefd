package vault

import (
	"fmt"
	"maps"
	"path"
	"slices"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// frontmatterDelim opens and closes a YAML frontmatter block.
const frontmatterDelim = "---"

// File describes a document, it is what region code sees as `file`.
type File struct {
	Path      string `json:"path"`      // Vault path e.g. "notes/today.md"
	Name      string `json:"name"`      // Base name with extension e.g. "today.md"
	Basename  string `json:"basename"`  // Base name without extension e.g. "today"
	Extension string `json:"extension"` // Extension without the dot e.g. "md"
}

// NewFile returns the [File] for a vault path.
func NewFile(name string) File {
	name = Clean(name)
	base := path.Base(name)
	ext := path.Ext(base)
	return File{
		Path:      name,
		Name:      base,
		Basename:  strings.TrimSuffix(base, ext),
		Extension: strings.TrimPrefix(ext, "."),
	}
}

// Frontmatter parses the YAML frontmatter at the very start of a document.
//
// It returns false if the document has none. A frontmatter block that isn't valid
// YAML is an error.
func Frontmatter(text string) (map[string]any, bool, error) {
	block, _, ok := split(text)
	if !ok {
		return nil, false, nil
	}

	frontmatter := make(map[string]any)
	if err := yaml.Unmarshal([]byte(block), &frontmatter); err != nil {
		return nil, false, fmt.Errorf("invalid frontmatter: %w", err)
	}

	return frontmatter, true, nil
}

// Body returns the document without its frontmatter.
func Body(text string) string {
	_, body, ok := split(text)
	if !ok {
		return text
	}
	return body
}

// split separates the frontmatter block of a document from the rest of it.
func split(text string) (block, body string, ok bool) {
	text = strings.TrimPrefix(text, "\ufeff")

	first, rest, found := strings.Cut(text, "\n")
	if !found || strings.TrimRight(first, " \t\r") != frontmatterDelim {
		return "", text, false
	}

	var b strings.Builder
	offset := 0
	for line := range strings.Lines(rest) {
		offset += len(line)
		if strings.TrimRight(line, " \t\r\n") == frontmatterDelim {
			return b.String(), rest[offset:], true
		}
		b.WriteString(line)
	}

	return "", text, false
}

// Metadata is the document metadata collaborator: it serves parsed frontmatter
// for documents in an [FS] and tells subscribers when a document changed.
type Metadata struct {
	files     FS                        // Where documents are read from
	listeners map[string]map[int]func() // Change listeners by document path then subscription ID
	nextID    int                       // Next subscription ID
	mu        sync.Mutex                // Guards listeners and nextID
}

// NewMetadata returns a [Metadata] serving documents from files.
func NewMetadata(files FS) *Metadata {
	return &Metadata{
		files:     files,
		listeners: make(map[string]map[int]func()),
	}
}

// Frontmatter returns the parsed frontmatter of the document at path, false if it
// has none or can't be read.
func (m *Metadata) Frontmatter(name string) (map[string]any, bool) {
	text, err := m.files.Read(name)
	if err != nil {
		return nil, false
	}

	frontmatter, ok, err := Frontmatter(text)
	if err != nil || !ok {
		return nil, false
	}

	return frontmatter, true
}

// OnChanged registers callback to be called whenever [Metadata.Changed] is
// reported for the document at path. The returned function unsubscribes.
func (m *Metadata) OnChanged(name string, callback func()) (unsubscribe func()) {
	name = Clean(name)

	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextID
	m.nextID++

	if m.listeners[name] == nil {
		m.listeners[name] = make(map[int]func())
	}
	m.listeners[name][id] = callback

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.listeners[name], id)
		if len(m.listeners[name]) == 0 {
			delete(m.listeners, name)
		}
	}
}

// Changed tells subscribers that the document at path has changed.
func (m *Metadata) Changed(name string) {
	name = Clean(name)

	m.mu.Lock()
	subscribers := m.listeners[name]
	callbacks := make([]func(), 0, len(subscribers))
	for _, id := range slices.Sorted(maps.Keys(subscribers)) {
		callbacks = append(callbacks, subscribers[id])
	}
	m.mu.Unlock()

	for _, callback := range callbacks {
		callback()
	}
}
