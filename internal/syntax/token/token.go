// Package token provides the set of lexical tokens for markdown region discovery.
package token

import "fmt"

// Kind is the kind of a token.
type Kind int

const (
	EOF        Kind = iota // EOF
	Error                  // Error
	Text                   // Text
	Fence                  // Fence
	Info                   // Info
	Code                   // Code
	Backtick               // Backtick
	InlineCode             // InlineCode
)

// String returns the name of the token kind.
func (k Kind) String() string {
	switch k {
	case EOF:
		return "EOF"
	case Error:
		return "Error"
	case Text:
		return "Text"
	case Fence:
		return "Fence"
	case Info:
		return "Info"
	case Code:
		return "Code"
	case Backtick:
		return "Backtick"
	case InlineCode:
		return "InlineCode"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Token is a lexical token in a markdown document.
type Token struct {
	Kind  Kind // The kind of token this is
	Start int  // Byte offset from the start of the file to the start of this token
	End   int  // Byte offset from the start of the file to the end of this token
}

// String returns a string representation of a [Token].
func (t Token) String() string {
	return fmt.Sprintf("<Token::%s start=%d, end=%d>", t.Kind, t.Start, t.End)
}

// Is reports whether the token is one of the given kinds.
func (t Token) Is(kinds ...Kind) bool {
	for _, kind := range kinds {
		if t.Kind == kind {
			return true
		}
	}
	return false
}
