// SPDX-FileCopyrightText: © 2025 Olivier Meunier <olivier@neokraft.net>
//
// SPDX-License-Identifier: AGPL-3.0-only

package stylesheet

import (
	"bytes"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/tdewolff/parse/v2"
	"github.com/tdewolff/parse/v2/css"

	"codeberg.org/readeck/pagespeed/pkg/css/scanner"
)

// ErrParse is the error wrapped by every [ParseError].
var ErrParse = errors.New("css parse error")

// ErrorFlag describes a parse failure.
type ErrorFlag uint16

const (
	// SyntaxError is a structural error (stray closing bracket, rule
	// without a block...).
	SyntaxError ErrorFlag = 1 << iota
	// BadTokenError is a string or url() broken by a newline or invalid
	// characters.
	BadTokenError
	// UnclosedBlockError is a block still open at the end of the input.
	UnclosedBlockError
)

// ParseError is returned by [Parse] and [ParseInline] when the
// document cannot be represented without losing content.
type ParseError struct {
	Flags   ErrorFlag
	Offset  int
	Message string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s at offset %d: %s", ErrParse, e.Offset, e.Message)
}

// Unwrap returns [ErrParse].
func (e *ParseError) Unwrap() error {
	return ErrParse
}

// Parse parses a stylesheet.
func Parse(contents []byte) (*Stylesheet, error) {
	if err := checkTokens(contents); err != nil {
		return nil, err
	}
	ps := newParser(contents, false)
	sheet := &Stylesheet{}
	ps.parseRules(sheet, nil, true)
	if ps.err != nil {
		return nil, ps.err
	}
	sheet.Unparseables = ps.unparseables
	return sheet, nil
}

// ParseInline parses the content of a style attribute. The result is a
// stylesheet holding one selector-less ruleset.
func ParseInline(contents []byte) (*Stylesheet, error) {
	if err := checkTokens(contents); err != nil {
		return nil, err
	}
	ps := newParser(contents, true)
	decls := ps.parseDeclarationBlock(css.EndRulesetGrammar)
	if ps.err != nil {
		return nil, ps.err
	}
	return &Stylesheet{
		Rulesets:     []*Ruleset{{Type: RuleType, Declarations: decls}},
		Unparseables: ps.unparseables,
	}, nil
}

// checkTokens rejects documents with bad tokens or unbalanced blocks.
// The grammar parser silently closes blocks at the end of the input,
// which would change the meaning of a truncated document.
func checkTokens(contents []byte) *ParseError {
	l := css.NewLexer(parse.NewInputString(string(contents)))
	depth, offset := 0, 0
	for {
		tt, data := l.Next()
		switch tt {
		case css.ErrorToken:
			if depth != 0 {
				return &ParseError{UnclosedBlockError, offset, "unclosed block"}
			}
			return nil
		case css.LeftBraceToken:
			depth++
		case css.RightBraceToken:
			depth--
			if depth < 0 {
				return &ParseError{SyntaxError, offset, "unexpected '}'"}
			}
		case css.BadStringToken:
			return &ParseError{BadTokenError, offset, "bad string"}
		case css.BadURLToken:
			return &ParseError{BadTokenError, offset, "bad url"}
		}
		offset += len(data)
	}
}

type grammar struct {
	gt       css.GrammarType
	data     string
	values   []css.Token
	parseErr string
	offset   int
}

type parser struct {
	p            *css.Parser
	err          *ParseError
	rulesSeen    bool
	unparseables bool
}

func newParser(contents []byte, inline bool) *parser {
	return &parser{p: css.NewParser(parse.NewInputString(string(contents)), inline)}
}

func (ps *parser) next() grammar {
	gt, _, data := ps.p.Next()
	g := grammar{
		gt:     gt,
		data:   string(data),
		values: trimWhitespace(slices.Clone(ps.p.Values())),
		offset: ps.p.Offset(),
	}
	if gt == css.ErrorGrammar && ps.p.HasParseError() {
		g.parseErr = ps.p.Err().Error()
	}
	return g
}

func (ps *parser) fail(flag ErrorFlag, g grammar) {
	ps.err = &ParseError{Flags: flag, Offset: g.offset, Message: g.parseErr}
}

// parseRules reads rules until the end of the input, or the end of the
// enclosing @media block when nested is true.
func (ps *parser) parseRules(sheet *Stylesheet, media []string, topLevel bool) {
	for ps.err == nil {
		g := ps.next()
		switch g.gt {
		case css.ErrorGrammar:
			if g.parseErr != "" {
				ps.fail(SyntaxError, g)
			}
			return
		case css.EndAtRuleGrammar:
			if !topLevel {
				return
			}
		case css.AtRuleGrammar:
			ps.atRule(sheet, media, g, topLevel)
		case css.BeginAtRuleGrammar:
			ps.beginAtRule(sheet, media, g, topLevel)
		case css.BeginRulesetGrammar:
			rs := &Ruleset{
				Type:      RuleType,
				Media:     slices.Clone(media),
				Selectors: tokensString(g.values),
			}
			rs.Declarations = ps.parseDeclarationBlock(css.EndRulesetGrammar)
			sheet.Rulesets = append(sheet.Rulesets, rs)
			ps.rulesSeen = true
		case css.DeclarationGrammar, css.CustomPropertyGrammar:
			ps.fail(SyntaxError, grammar{offset: g.offset, parseErr: "declaration outside of a block"})
		}
	}
}

func (ps *parser) atRule(sheet *Stylesheet, media []string, g grammar, topLevel bool) {
	head := true
	if !topLevel || ps.rulesSeen {
		head = false
	}

	switch g.data {
	case "@charset":
		if head && len(sheet.Imports) == 0 && len(g.values) > 0 && g.values[0].TokenType == css.StringToken {
			sheet.Charsets = append(sheet.Charsets, unquote(g.values[0].Data))
			return
		}
	case "@import":
		if head {
			if imp, ok := newImport(g.values); ok {
				sheet.Imports = append(sheet.Imports, imp)
				return
			}
			ps.unparseables = true
		}
	}

	sheet.Rulesets = append(sheet.Rulesets, &Ruleset{
		Type:  RawType,
		Media: slices.Clone(media),
		Raw:   atRuleHead(g) + ";",
	})
	if g.data != "@layer" {
		ps.rulesSeen = true
	}
}

func (ps *parser) beginAtRule(sheet *Stylesheet, media []string, g grammar, topLevel bool) {
	ps.rulesSeen = true
	switch g.data {
	case "@media":
		if topLevel {
			ps.parseRules(sheet, SplitMediaQueries(tokensString(g.values)), false)
			return
		}
	case "@font-face":
		rs := &Ruleset{Type: FontFaceType, Media: slices.Clone(media)}
		rs.Declarations = ps.parseDeclarationBlock(css.EndAtRuleGrammar)
		sheet.Rulesets = append(sheet.Rulesets, rs)
		return
	}

	raw := ps.readRaw(g)
	sheet.Rulesets = append(sheet.Rulesets, &Ruleset{
		Type:  RawType,
		Media: slices.Clone(media),
		Raw:   raw,
	})
}

// parseDeclarationBlock reads declarations until the end grammar or the
// end of the input.
func (ps *parser) parseDeclarationBlock(end css.GrammarType) Declarations {
	decls := Declarations{}
	for ps.err == nil {
		g := ps.next()
		switch g.gt {
		case end:
			return decls
		case css.DeclarationGrammar:
			decls = append(decls, newDeclaration(g.data, g.values))
		case css.CustomPropertyGrammar:
			value := ""
			if len(g.values) > 0 {
				value = strings.TrimSpace(string(g.values[0].Data))
			}
			decls = append(decls, &Declaration{
				Property: g.data,
				Values:   Values{{Kind: OtherValue, Text: value}},
			})
		case css.ErrorGrammar:
			if g.parseErr == "" {
				return decls
			}
			ps.unparseables = true
			raw := strings.TrimSpace(tokensString(g.values))
			raw = strings.TrimSpace(strings.TrimSuffix(raw, ";"))
			if raw != "" {
				decls = append(decls, &Declaration{Raw: raw})
			}
		case css.AtRuleGrammar:
			ps.unparseables = true
			decls = append(decls, &Declaration{Raw: atRuleHead(g)})
		case css.BeginAtRuleGrammar:
			ps.unparseables = true
			decls = append(decls, &Declaration{Raw: ps.readRaw(g)})
		}
	}
	return decls
}

// readRaw regenerates the text of an at-rule block from the grammar
// stream, up to its closing bracket.
func (ps *parser) readRaw(start grammar) string {
	sb := new(strings.Builder)
	sb.WriteString(atRuleHead(start))
	sb.WriteByte('{')

	depth := 1
	for depth > 0 {
		g := ps.next()
		switch g.gt {
		case css.ErrorGrammar:
			if g.parseErr == "" {
				// end of input, blocks are balanced so this is not reached
				// with an open block in practice
				sb.WriteString(strings.Repeat("}", depth))
				return sb.String()
			}
			ps.unparseables = true
			sb.WriteString(tokensString(g.values))
		case css.BeginAtRuleGrammar:
			sb.WriteString(atRuleHead(g))
			sb.WriteByte('{')
			depth++
		case css.EndAtRuleGrammar, css.EndRulesetGrammar:
			sb.WriteByte('}')
			if g.gt == css.EndAtRuleGrammar {
				depth--
			}
		case css.AtRuleGrammar:
			sb.WriteString(atRuleHead(g))
			sb.WriteByte(';')
		case css.BeginRulesetGrammar:
			sb.WriteString(tokensString(g.values))
			sb.WriteByte('{')
		case css.DeclarationGrammar:
			sb.WriteString(newDeclaration(g.data, g.values).String())
			sb.WriteByte(';')
		case css.CustomPropertyGrammar:
			sb.WriteString(g.data)
			sb.WriteByte(':')
			if len(g.values) > 0 {
				sb.WriteString(strings.TrimSpace(string(g.values[0].Data)))
			}
			sb.WriteByte(';')
		case css.TokenGrammar:
			sb.WriteString(g.data)
		}
	}
	return sb.String()
}

func trimWhitespace(tokens []css.Token) []css.Token {
	for len(tokens) > 0 && tokens[0].TokenType == css.WhitespaceToken {
		tokens = tokens[1:]
	}
	for len(tokens) > 0 && tokens[len(tokens)-1].TokenType == css.WhitespaceToken {
		tokens = tokens[:len(tokens)-1]
	}
	return tokens
}

func atRuleHead(g grammar) string {
	values := tokensString(g.values)
	if values == "" {
		return g.data
	}
	return g.data + " " + values
}

func tokensString(tokens []css.Token) string {
	sb := new(strings.Builder)
	for _, t := range tokens {
		sb.Write(t.Data)
	}
	return sb.String()
}

func newImport(tokens []css.Token) (*Import, bool) {
	if len(tokens) == 0 {
		return nil, false
	}
	imp := &Import{}
	switch tokens[0].TokenType {
	case css.StringToken:
		imp.Link = unquote(tokens[0].Data)
	case css.URLToken:
		link, ok := scanner.URLFromToken(tokens[0].Data)
		if !ok {
			return nil, false
		}
		imp.Link = link
	default:
		return nil, false
	}
	if imp.Link == "" {
		return nil, false
	}
	imp.Media = SplitMediaQueries(tokensString(tokens[1:]))
	return imp, true
}

func newDeclaration(property string, tokens []css.Token) *Declaration {
	d := &Declaration{Property: property}
	n := len(tokens)
	if n >= 2 && tokens[n-2].TokenType == css.DelimToken && bytes.Equal(tokens[n-2].Data, []byte("!")) &&
		tokens[n-1].TokenType == css.IdentToken && bytes.EqualFold(tokens[n-1].Data, []byte("important")) {
		d.Important = true
		tokens = tokens[:n-2]
	}
	tokens = trimWhitespace(tokens)

	d.Values = make(Values, 0, len(tokens))
	for _, t := range tokens {
		d.Values = append(d.Values, newValue(t))
	}
	return d
}

func newValue(t css.Token) *Value {
	text := string(t.Data)
	switch t.TokenType {
	case css.URLToken:
		if u, ok := scanner.URLFromToken(t.Data); ok {
			return &Value{Kind: URIValue, Text: u}
		}
	case css.StringToken:
		return &Value{Kind: StringValue, Text: text}
	case css.IdentToken:
		return &Value{Kind: IdentValue, Text: text}
	case css.NumberToken, css.PercentageToken, css.DimensionToken:
		return &Value{Kind: NumberValue, Text: text}
	case css.HashToken:
		return &Value{Kind: HashValue, Text: text}
	case css.FunctionToken:
		return &Value{Kind: FunctionValue, Text: text}
	case css.WhitespaceToken:
		return &Value{Kind: SpaceValue, Text: " "}
	case css.CommaToken, css.DelimToken, css.ColonToken,
		css.LeftParenthesisToken, css.RightParenthesisToken,
		css.LeftBracketToken, css.RightBracketToken:
		return &Value{Kind: OperatorValue, Text: text}
	}
	return &Value{Kind: OtherValue, Text: text}
}

func unquote(data []byte) string {
	if len(data) == 0 {
		return ""
	}
	q := data[0]
	if q != '"' && q != '\'' {
		return string(data)
	}
	inner := data[1:]
	if len(inner) > 0 && inner[len(inner)-1] == q {
		inner = inner[:len(inner)-1]
	}
	if s, ok := scanner.Unescape(inner); ok {
		return s
	}
	return string(inner)
}
