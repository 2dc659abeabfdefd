// Package parser implements the markdown region parser.
package parser

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"go.followtheprocess.codes/emera/internal/syntax"
	"go.followtheprocess.codes/emera/internal/syntax/scanner"
	"go.followtheprocess.codes/emera/internal/syntax/token"
)

// ErrParse is a generic parsing error, details on the error are passed
// to the parsers [syntax.ErrorHandler] at the moment it occurs.
var ErrParse = errors.New("parse error")

// Parser is the markdown region parser.
type Parser struct {
	handler   syntax.ErrorHandler // The error handler
	scanner   *scanner.Scanner    // Scanner to generate tokens
	name      string              // Name of the file being parsed
	src       []byte              // Raw source text
	current   token.Token         // Current token under inspection
	next      token.Token         // Next token in the stream
	hadErrors bool                // Whether we encountered parse errors
}

// New returns a new [Parser].
func New(name string, r io.Reader, handler syntax.ErrorHandler) (*Parser, error) {
	// Notes are smol, it's okay to read the whole thing
	src, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read from input: %w", err)
	}

	p := &Parser{
		handler: handler,
		name:    name,
		src:     src,
		scanner: scanner.New(name, src, handler),
	}

	// Read 2 tokens so current and next are set
	p.advance()
	p.advance()

	return p, nil
}

// Parse parses the document to completion returning a [syntax.Document] holding every
// region discovered and any parsing errors encountered.
//
// The returned error will simply signify whether or not there were parse errors,
// the error handler passed to [New] should be preferred. The regions that were
// well formed are returned even when there were errors, so a document someone is
// halfway through typing still has its complete regions.
func (p *Parser) Parse() (syntax.Document, error) {
	doc := syntax.Document{
		Name: p.name,
	}

	for p.current.Kind != token.EOF {
		switch p.current.Kind {
		case token.Fence:
			if region, ok := p.parseBlock(); ok {
				region.Index = len(doc.Regions)
				doc.Regions = append(doc.Regions, region)
			}
		case token.Backtick:
			if region, ok := p.parseInline(); ok {
				region.Index = len(doc.Regions)
				doc.Regions = append(doc.Regions, region)
			}
		}
		p.advance()
	}

	if p.hadErrors {
		return doc, ErrParse
	}

	return doc, nil
}

// parseBlock parses a fenced code block, p.current is the opening fence.
//
// It returns the region and true if the block is one of ours, fences in
// other languages are consumed and ignored.
func (p *Parser) parseBlock() (syntax.Region, bool) {
	open := p.current

	var info string
	if p.next.Kind == token.Info {
		p.advance()
		info = p.text()
	}

	p.expect(token.Code)
	body := p.current

	kind, component, ok := syntax.ClassifyFence(info)

	if p.next.Kind != token.Fence {
		if ok {
			p.errorAt(open, fmt.Sprintf("unterminated %s block, expected a closing %s", kind, p.slice(open)))
		}
		return syntax.Region{}, false
	}

	p.advance()
	closing := p.current

	if !ok {
		return syntax.Region{}, false
	}

	if component != "" && !syntax.ValidComponent(component) {
		p.errorAt(open, fmt.Sprintf("invalid component name %q", component))
		return syntax.Region{}, false
	}

	lang, _, _ := strings.Cut(info, " ")
	source := string(p.src[body.Start:body.End])

	// Blocks with nothing in them don't render anything in the editor
	if !syntax.MatchFence(p.slice(open) + lang + "\n" + source + "\n" + p.slice(closing)) {
		return syntax.Region{}, false
	}

	return syntax.Region{
		Kind:      kind,
		Source:    source,
		Component: component,
		Start:     open.Start,
		End:       closing.End,
		Position:  p.position(open.Start, open.End),
	}, true
}

// parseInline parses an inline code span, p.current is the opening run of backticks.
func (p *Parser) parseInline() (syntax.Region, bool) {
	open := p.current

	p.expect(token.InlineCode)
	code := p.current

	p.expect(token.Backtick)
	closing := p.current

	if code.Kind != token.InlineCode || closing.Kind != token.Backtick {
		return syntax.Region{}, false
	}

	kind, source, ok := syntax.ClassifyInline(string(p.src[code.Start:code.End]))
	if !ok {
		return syntax.Region{}, false
	}

	return syntax.Region{
		Kind:     kind,
		Source:   source,
		Start:    open.Start,
		End:      closing.End,
		Position: p.position(open.Start, closing.End),
	}, true
}

// advance advances the parser by a single token.
func (p *Parser) advance() {
	p.current = p.next
	p.next = p.scanner.Scan()
}

// expect asserts that the next token is of the given kind, emitting a syntax error if not.
//
// The parser is advanced only if the next token is of this kind such that after returning
// p.current will be of that kind.
func (p *Parser) expect(kind token.Kind) {
	if p.next.Kind != kind {
		p.errorAt(p.next, fmt.Sprintf("expected %s, got %s", kind, p.next.Kind))
		return
	}

	p.advance()
}

// text returns the source text of the current token.
func (p *Parser) text() string {
	return p.slice(p.current)
}

// slice returns the source text of tok.
func (p *Parser) slice(tok token.Token) string {
	return string(p.src[tok.Start:tok.End])
}

// position returns the [syntax.Position] of the byte range start:end.
//
// Ranges spanning multiple lines are clipped to the end of the first line.
func (p *Parser) position(start, end int) syntax.Position {
	line := 1              // Line counter
	lastNewLineOffset := 0 // The byte offset of the (end of the) last newline seen
	for index, byt := range p.src {
		if index >= start {
			break
		}

		if byt == '\n' {
			lastNewLineOffset = index + 1 // +1 to account for len("\n")
			line++
		}
	}

	if nl := strings.IndexByte(string(p.src[start:end]), '\n'); nl != -1 {
		end = start + nl
	}

	// The column is therefore the number of bytes between the end of the last newline
	// and the current position, +1 because editors columns start at 1
	startCol := 1 + start - lastNewLineOffset
	endCol := max(1+end-lastNewLineOffset, startCol)

	return syntax.Position{
		Name:     p.name,
		Offset:   start,
		Line:     line,
		StartCol: startCol,
		EndCol:   endCol,
	}
}

// errorAt reports a syntax error located at tok.
func (p *Parser) errorAt(tok token.Token, msg string) {
	p.hadErrors = true

	if p.handler == nil {
		return
	}

	p.handler(p.position(tok.Start, tok.End), msg)
}
