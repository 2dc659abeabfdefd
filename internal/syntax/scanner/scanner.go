// Package scanner implements the lexical scanner for markdown region discovery.
//
// It only understands as much markdown as is needed to find fenced code blocks
// and inline code spans, everything else is emitted as opaque [token.Text].
package scanner

import (
	"bytes"
	"fmt"
	"unicode/utf8"

	"go.followtheprocess.codes/emera/internal/syntax"
	"go.followtheprocess.codes/emera/internal/syntax/token"
)

const (
	bufferSize = 32       // Benchmarking suggests this as the best token buffer size
	eof        = rune(-1) // eof signifies we have reached the end of the input
	minFence   = 3        // Minimum number of fence characters to open a fenced block
	maxIndent  = 3        // A fence may be indented by at most this many spaces
	bom        = "\ufeff" // Byte order mark, skipped if present
)

// scanFn represents the state of the scanner as a function that returns the next state.
type scanFn func(*Scanner) scanFn

// Scanner is the markdown region scanner.
type Scanner struct {
	handler    syntax.ErrorHandler // The error handler, if any
	tokens     chan token.Token    // Channel on which to emit scanned tokens
	name       string              // Name of the file
	src        []byte              // Raw source text
	start      int                 // The start position of the current token
	pos        int                 // Current scanner position in src (bytes, 0 indexed)
	line       int                 // Current line number (1 indexed)
	lineStart  int                 // Offset at which the current line started
	fenceChar  byte                // The character of the currently open fence, '`' or '~'
	fenceWidth int                 // Width of the currently open fence
}

// New returns a new [Scanner] that scans src.
func New(name string, src []byte, handler syntax.ErrorHandler) *Scanner {
	s := &Scanner{
		handler: handler,
		tokens:  make(chan token.Token, bufferSize),
		name:    name,
		src:     src,
		line:    1,
	}

	// run terminates when the scanning state machine is finished and all the tokens
	// drained from s.tokens so no wg.Add needed here
	go s.run()
	return s
}

// Scan scans the input and returns the next token.
func (s *Scanner) Scan() token.Token {
	return <-s.tokens
}

// next returns, and consumes, the next character in the input or [eof].
func (s *Scanner) next() rune {
	if s.pos >= len(s.src) {
		return eof
	}

	char, width := utf8.DecodeRune(s.src[s.pos:])
	if char == utf8.RuneError && width <= 1 {
		s.errorf("invalid utf8 char: %U", char)
		// Advance to the end to prevent cascade errors
		s.pos = len(s.src)
		return eof
	}

	s.pos += width
	if char == '\n' {
		s.line++
		s.lineStart = s.pos
	}

	return char
}

// char returns the character the scanner is currently sat on or [eof].
func (s *Scanner) char() rune {
	if s.pos >= len(s.src) {
		return eof
	}
	char, _ := utf8.DecodeRune(s.src[s.pos:])
	return char
}

// rest returns the rest of src, starting from the current position.
func (s *Scanner) rest() []byte {
	if s.pos >= len(s.src) {
		return nil
	}
	return s.src[s.pos:]
}

// atLineStart reports whether the scanner is sat at the very start of a line.
func (s *Scanner) atLineStart() bool {
	return s.pos == s.lineStart
}

// emit passes a token over the tokens channel, using the scanner's internal
// state to populate position information.
func (s *Scanner) emit(kind token.Kind) {
	s.tokens <- token.Token{
		Kind:  kind,
		Start: s.start,
		End:   s.pos,
	}
	s.start = s.pos
}

// emitText emits any pending text between s.start and s.pos.
func (s *Scanner) emitText() {
	if s.pos > s.start {
		s.emit(token.Text)
	}
}

// run starts the state machine for the scanner, it runs with each [scanFn] returning the next
// state until one returns nil (typically an error or eof), at which point the tokens channel
// is closed as a signal to the receiver that no more tokens will be sent.
func (s *Scanner) run() {
	// Skip a leading byte order mark
	if bytes.HasPrefix(s.src, []byte(bom)) {
		s.pos = len(bom)
		s.start = s.pos
		s.lineStart = s.pos
	}

	for state := scanText; state != nil; {
		state = state(s)
	}
	s.tokens <- token.Token{Kind: token.EOF, Start: s.pos, End: s.pos}
	close(s.tokens)
}

// error calculates the position information and arranges for s.handler to be called
// with the information.
func (s *Scanner) error(msg string) {
	if s.handler == nil {
		return
	}

	// Column is the number of bytes between the last newline and the current position
	// +1 because columns are 1 indexed
	startCol := 1 + max(s.start-s.lineStart, 0)
	endCol := max(1+s.pos-s.lineStart, startCol)

	position := syntax.Position{
		Name:     s.name,
		Offset:   s.start,
		Line:     s.line,
		StartCol: startCol,
		EndCol:   endCol,
	}

	s.handler(position, msg)
}

// errorf calls error with a formatted message.
func (s *Scanner) errorf(format string, a ...any) {
	s.error(fmt.Sprintf(format, a...))
}

// scanText is the initial state of the scanner, it consumes ordinary markdown
// text until it finds the opening of a fence or an inline code span.
func scanText(s *Scanner) scanFn {
	for {
		if s.atLineStart() {
			if char, width := fenceAt(s.rest()); width >= minFence {
				s.emitText()
				s.fenceChar = char
				return scanFence
			}
		}

		switch s.char() {
		case eof:
			s.emitText()
			return nil
		case '`':
			if closing := s.closingBackticks(); closing != -1 {
				s.emitText()
				return scanInlineCode
			}

			// An unmatched run of backticks is literal text
			for s.char() == '`' {
				s.next()
			}
		default:
			s.next()
		}
	}
}

// scanFence scans a fenced code block: the opening marker, its info string, the
// body and the closing marker.
//
// A fence left open at eof runs to the end of the document, the parser decides
// whether that matters.
func scanFence(s *Scanner) scanFn {
	s.skipIndent()

	s.fenceWidth = 0
	for s.char() == rune(s.fenceChar) {
		s.next()
		s.fenceWidth++
	}
	s.emit(token.Fence)

	for isLineSpace(s.char()) {
		s.next()
	}
	s.start = s.pos

	for s.char() != '\n' && s.char() != eof {
		s.next()
	}

	// Trailing whitespace isn't part of the info string
	end := s.pos
	for end > s.start && isLineSpace(rune(s.src[end-1])) {
		end--
	}
	if end > s.start {
		s.tokens <- token.Token{Kind: token.Info, Start: s.start, End: end}
	}

	if s.char() == eof {
		s.start = s.pos
		s.emit(token.Code)
		return nil
	}

	s.next() // The newline ending the info line
	s.start = s.pos

	return scanFenceBody
}

// scanFenceBody scans the body of a fenced block line by line until it finds a
// matching closing fence or eof.
func scanFenceBody(s *Scanner) scanFn {
	for {
		if s.char() == eof {
			s.emit(token.Code)
			return nil
		}

		if s.atLineStart() && s.isClosingFence() {
			// The newline before the closing fence belongs to neither
			end := max(s.pos-1, s.start)
			s.tokens <- token.Token{Kind: token.Code, Start: s.start, End: end}

			s.start = s.pos
			s.skipIndent()
			for s.char() == rune(s.fenceChar) {
				s.next()
			}
			s.emit(token.Fence)

			// Swallow the rest of the closing line
			for s.char() != '\n' && s.char() != eof {
				s.next()
			}
			s.start = s.pos

			return scanText
		}

		for s.char() != '\n' && s.char() != eof {
			s.next()
		}
		if s.char() == '\n' {
			s.next()
		}
	}
}

// scanInlineCode scans an inline code span, the caller must have already checked
// that a matching closing run of backticks exists.
func scanInlineCode(s *Scanner) scanFn {
	width := 0
	for s.char() == '`' {
		s.next()
		width++
	}
	s.emit(token.Backtick)

	closing := s.findBackticks(width)
	for s.pos < closing {
		s.next()
	}
	s.emit(token.InlineCode)

	for range width {
		s.next()
	}
	s.emit(token.Backtick)

	return scanText
}

// closingBackticks returns the offset of the run of backticks closing the span
// opened at the current position, or -1 if it is never closed.
func (s *Scanner) closingBackticks() int {
	width := 0
	for width < len(s.rest()) && s.rest()[width] == '`' {
		width++
	}

	save := s.pos
	s.pos += width
	closing := s.findBackticks(width)
	s.pos = save

	return closing
}

// findBackticks searches forward from the current position for a run of exactly
// width backticks, stopping at the end of the paragraph. It does not move the scanner.
func (s *Scanner) findBackticks(width int) int {
	src := s.src
	for i := s.pos; i < len(src); {
		switch {
		case src[i] == '\n' && i+1 < len(src) && src[i+1] == '\n':
			return -1
		case src[i] == '`':
			run := 0
			for i+run < len(src) && src[i+run] == '`' {
				run++
			}
			if run == width {
				return i
			}
			i += run
		default:
			i++
		}
	}
	return -1
}

// skipIndent consumes up to maxIndent spaces at the start of a line.
func (s *Scanner) skipIndent() {
	for i := 0; i < maxIndent && s.char() == ' '; i++ {
		s.next()
	}
}

// isClosingFence reports whether the line starting at the current position closes
// the currently open fence: at least as many fence characters followed only by
// whitespace.
func (s *Scanner) isClosingFence() bool {
	char, width := fenceAt(s.rest())
	if char != s.fenceChar || width < s.fenceWidth {
		return false
	}

	line := s.rest()
	if i := bytes.IndexByte(line, '\n'); i != -1 {
		line = line[:i]
	}

	return len(bytes.TrimSpace(bytes.TrimLeft(bytes.TrimSpace(line), string(char)))) == 0
}

// fenceAt reports the fence character and width of a fence marker at the start of
// line, allowing for up to maxIndent spaces of indentation.
func fenceAt(line []byte) (char byte, width int) {
	indent := 0
	for indent < len(line) && indent < maxIndent && line[indent] == ' ' {
		indent++
	}
	line = line[indent:]

	if len(line) == 0 || (line[0] != '`' && line[0] != '~') {
		return 0, 0
	}

	char = line[0]
	for width < len(line) && line[width] == char {
		width++
	}

	// A backtick fence can't have backticks in its info string
	if char == '`' && width >= minFence {
		rest := line[width:]
		if i := bytes.IndexByte(rest, '\n'); i != -1 {
			rest = rest[:i]
		}
		if bytes.IndexByte(rest, '`') != -1 {
			return 0, 0
		}
	}

	return char, width
}

// isLineSpace reports whether r is a non line terminating whitespace character,
// imagine [unicode.IsSpace] but without '\n' or '\r'.
func isLineSpace(r rune) bool {
	return r == ' ' || r == '\t'
}
