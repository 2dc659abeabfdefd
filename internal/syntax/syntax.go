// Package syntax handles discovering embedded code regions in markdown documents
// and defines the data structures shared by the scanner, the parser and the
// scheduler that executes the regions.
package syntax

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"

	"go.followtheprocess.codes/hue"
)

// Region markers.
const (
	ScriptLang         = "emjs"   // Language tag of a fenced script block
	MarkupLang         = "emera"  // Language tag of a fenced markup block
	MarkupShorthand    = "em"     // Short form of MarkupLang, only useful with a component e.g. em:Callout
	InlineScriptPrefix = "emjs:"  // Prefix of an inline code span holding a script expression
	InlineMarkupPrefix = "emera:" // Prefix of an inline code span holding markup
)

// fencePattern matches the reconstructed text of a fenced block, it's the final say
// on whether a fence the scanner found is really one of ours.
var fencePattern = regexp.MustCompile("^([`~]{3,})(?:emjs|(?:emera|em):?(\\S+)?)\\n([\\s\\S]+)\\n([`~]{3,})$")

// componentPattern is what a named component shortcut must look like.
var componentPattern = regexp.MustCompile(`^[A-Za-z_$][A-Za-z0-9_$]*(\.[A-Za-z_$][A-Za-z0-9_$]*)*$`)

// An ErrorHandler may be provided to parts of the parsing pipeline. If a syntax error is encountered and
// a non-nil handler was provided, it is called with the position info and error message.
type ErrorHandler func(pos Position, msg string)

// Position is an arbitrary source file position including file, line
// and column information. It can also express a range of source via StartCol
// and EndCol, this is useful for error reporting.
//
// Position's without filenames are considered invalid, in the case of stdin
// the string "stdin" may be used.
type Position struct {
	Name     string `json:"name"`     // Filename
	Offset   int    `json:"offset"`   // Byte offset of the position from the start of the file
	Line     int    `json:"line"`     // Line number (1 indexed)
	StartCol int    `json:"startCol"` // Start column (1 indexed)
	EndCol   int    `json:"endCol"`   // End column (1 indexed), EndCol == StartCol when pointing to a single character
}

// IsValid reports whether the [Position] describes a valid source position.
//
// The rules are:
//
//   - At least Name, Line and StartCol must be set (and non zero)
//   - EndCol cannot be 0, it's only allowed values are StartCol or any number greater than StartCol
func (p Position) IsValid() bool {
	if p.Name == "" || p.Line < 1 || p.StartCol < 1 || p.EndCol < 1 || (p.EndCol >= 1 && p.EndCol < p.StartCol) {
		return false
	}
	return true
}

// String returns a string representation of a [Position].
//
// It is formatted such that most text editors/terminals will be able to support clicking on it
// and navigating to the position.
//
// Depending on which fields are set, the string returned will be different:
//
//   - "file:line:start-end": valid position pointing to a range of text on the line
//   - "file:line:start": valid position pointing to a single character on the line (EndCol == StartCol)
func (p Position) String() string {
	if !p.IsValid() {
		return fmt.Sprintf(
			"BadPosition: {Name: %q, Line: %d, StartCol: %d, EndCol: %d}",
			p.Name,
			p.Line,
			p.StartCol,
			p.EndCol,
		)
	}

	if p.StartCol == p.EndCol {
		return fmt.Sprintf("%s:%d:%d", p.Name, p.Line, p.StartCol)
	}

	return fmt.Sprintf("%s:%d:%d-%d", p.Name, p.Line, p.StartCol, p.EndCol)
}

// Kind is the kind of an embedded code region.
type Kind int

const (
	InlineScript Kind = iota // inline-expression
	InlineMarkup             // inline-markup
	BlockScript              // block-script
	BlockMarkup              // block-markup
)

// String returns the name of the region kind.
func (k Kind) String() string {
	switch k {
	case InlineScript:
		return "inline-expression"
	case InlineMarkup:
		return "inline-markup"
	case BlockScript:
		return "block-script"
	case BlockMarkup:
		return "block-markup"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// MarshalText implements [encoding.TextMarshaler] so regions serialise nicely.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// IsScript reports whether regions of this kind export bindings to the regions
// below them. Only block scripts do, inline expressions are render only.
func (k Kind) IsScript() bool {
	return k == BlockScript
}

// IsInline reports whether the kind is one of the inline code span forms.
func (k Kind) IsInline() bool {
	return k == InlineScript || k == InlineMarkup
}

// Region is a single embedded code snippet discovered in a document.
type Region struct {
	Kind      Kind     `json:"kind"`                // The kind of region
	Source    string   `json:"source"`              // Code inside the region, without fences or prefixes
	Component string   `json:"component,omitempty"` // Named component shortcut for markup blocks e.g. "Callout"
	Index     int      `json:"index"`               // Sequence index amongst the document's regions
	Start     int      `json:"start"`               // Byte offset of the start of the whole region (fences or backticks included)
	End       int      `json:"end"`                 // Byte offset of the end of the whole region
	Position  Position `json:"position"`            // Source position of the region start, for error reporting
}

// Document is the result of scanning a single markdown document for regions.
type Document struct {
	Name    string   `json:"name"`              // Name of the document, typically its path in the vault
	Regions []Region `json:"regions,omitempty"` // Discovered regions in document order
}

// String implements [fmt.Stringer] for a [Document], one region per line.
func (d Document) String() string {
	var s strings.Builder
	for _, region := range d.Regions {
		s.WriteString(region.String())
		s.WriteByte('\n')
	}
	return s.String()
}

// String implements [fmt.Stringer] for a [Region], showing where it is, what kind
// it is and the first line of its source.
func (r Region) String() string {
	kind := r.Kind.String()
	if r.Component != "" {
		kind += ":" + r.Component
	}

	first, _, more := strings.Cut(strings.TrimSpace(r.Source), "\n")
	if more {
		first += " ..."
	}

	return fmt.Sprintf("#%d %s %s %s", r.Index, r.Position, kind, first)
}

// ClassifyFence reports whether a fenced code block's info string marks it as one of
// our block regions, returning the kind and the optional named component.
//
// Only the first word of info is considered, matching how markdown renderers
// derive the language of a fence.
func ClassifyFence(info string) (kind Kind, component string, ok bool) {
	lang, _, _ := strings.Cut(strings.TrimSpace(info), " ")
	switch {
	case lang == ScriptLang:
		return BlockScript, "", true
	case lang == MarkupLang, lang == MarkupShorthand:
		return BlockMarkup, "", true
	case strings.HasPrefix(lang, MarkupLang+":"):
		return BlockMarkup, strings.TrimPrefix(lang, MarkupLang+":"), true
	case strings.HasPrefix(lang, MarkupShorthand+":"):
		return BlockMarkup, strings.TrimPrefix(lang, MarkupShorthand+":"), true
	default:
		return 0, "", false
	}
}

// ClassifyInline reports whether the text of an inline code span marks it as one
// of our inline regions, returning the kind and the code after the prefix.
func ClassifyInline(text string) (kind Kind, source string, ok bool) {
	switch {
	case strings.HasPrefix(text, InlineScriptPrefix):
		return InlineScript, strings.TrimPrefix(text, InlineScriptPrefix), true
	case strings.HasPrefix(text, InlineMarkupPrefix):
		return InlineMarkup, strings.TrimPrefix(text, InlineMarkupPrefix), true
	default:
		return 0, "", false
	}
}

// MatchFence reports whether the reconstructed text of a fenced block is a well
// formed block region: matching open and close markers and a non empty body.
func MatchFence(text string) bool {
	match := fencePattern.FindStringSubmatch(text)
	if match == nil {
		return false
	}

	// Go's regexp has no backreferences so check the closing marker by hand
	return match[1] == match[4]
}

// ValidComponent reports whether name is usable as a named component shortcut.
func ValidComponent(name string) bool {
	return componentPattern.MatchString(name)
}

// PrettyConsoleHandler returns a [ErrorHandler] that formats the syntax error for
// display on the terminal to a user.
func PrettyConsoleHandler(w io.Writer) ErrorHandler {
	return func(pos Position, msg string) {
		fmt.Fprintf(w, "%s: %s\n\n", pos, msg)

		contents, err := os.ReadFile(pos.Name)
		if err != nil {
			fmt.Fprintf(w, "unable to show src context: %v\n", err)
			return
		}

		lines := bytes.Split(contents, []byte("\n"))

		const contextLines = 3

		startLine := max(pos.Line-contextLines, 1)
		endLine := min(pos.Line+contextLines, len(lines))

		for i, line := range lines {
			i++ // Lines are 1 indexed
			if i >= startLine && i <= endLine {
				margin := fmt.Sprintf("%d | ", i)
				fmt.Fprintf(w, "%s%s\n", margin, line)
				if i == pos.Line {
					hue.Red.Fprintf(
						w,
						"%s%s\n",
						strings.Repeat(" ", len(margin)+pos.StartCol-1),
						strings.Repeat("─", max(pos.EndCol-pos.StartCol, 1)),
					)
				}
			}
		}
	}
}
