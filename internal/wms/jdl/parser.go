package jdl

import (
	"strconv"
	"strings"
	"unicode"

	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"
)

// ParseError reports the position of a syntax error in a JDL document.
type ParseError struct {
	Offset  int
	Message string
}

func (err *ParseError) Error() string {
	return "invalid JDL at offset " + strconv.Itoa(err.Offset) + ": " + err.Message
}

// Parse reads a ClassAd style document: an optional pair of square brackets around
// `Name = value;` statements. Values are quoted strings, numbers, booleans, {lists} or free expressions.
func Parse(text string) (*ClassAd, error) {
	p := &parser{src: text}
	return p.parse()
}

type parser struct {
	src string
	pos int
}

func (p *parser) errorf(format string, args ...interface{}) error {
	return &ParseError{Offset: p.pos, Message: errors.Errorf(format, args...).Error()}
}

func (p *parser) parse() (*ClassAd, error) {
	ad := NewClassAd()
	p.skipSpace()
	bracketed := p.consume('[')
	for {
		p.skipSpace()
		if p.eof() {
			if bracketed {
				return nil, p.errorf("missing closing ]")
			}
			return ad, nil
		}
		if bracketed && p.consume(']') {
			p.skipSpace()
			if !p.eof() {
				return nil, p.errorf("unexpected content after closing ]")
			}
			return ad, nil
		}
		if p.consume(';') {
			continue
		}
		name, err := p.identifier()
		if err != nil {
			return nil, err
		}
		p.skipSpace()
		if !p.consume('=') {
			return nil, p.errorf("expected = after attribute %s", name)
		}
		p.skipSpace()
		value, err := p.value(true)
		if err != nil {
			return nil, err
		}
		if ad.Has(name) {
			return nil, p.errorf("attribute %s defined more than once", name)
		}
		ad.Set(name, value)
		p.skipSpace()
		if !p.consume(';') && !p.eof() && !(bracketed && p.peek() == ']') {
			return nil, p.errorf("expected ; after attribute %s", name)
		}
	}
}

func (p *parser) value(topLevel bool) (Value, error) {
	switch c := p.peek(); {
	case c == '"':
		s, err := p.quoted()
		if err != nil {
			return Value{}, err
		}
		return String(s), nil
	case c == '{':
		return p.list()
	default:
		raw := strings.TrimSpace(p.until(topLevel))
		if raw == "" {
			return Value{}, p.errorf("missing value")
		}
		return scalar(raw), nil
	}
}

func scalar(raw string) Value {
	if i, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return Int(i)
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return Value{Kind: KindFloat, Float: f}
	}
	switch strings.ToLower(raw) {
	case "true":
		return Bool(true)
	case "false":
		return Bool(false)
	}
	return Value{Kind: KindExpression, Str: raw}
}

func (p *parser) list() (Value, error) {
	p.consume('{')
	out := Value{Kind: KindList, List: []Value{}}
	for {
		p.skipSpace()
		if p.eof() {
			return Value{}, p.errorf("missing closing }")
		}
		if p.consume('}') {
			return out, nil
		}
		item, err := p.value(false)
		if err != nil {
			return Value{}, err
		}
		out.List = append(out.List, item)
		p.skipSpace()
		if p.consume(',') {
			continue
		}
		if p.peek() != '}' {
			return Value{}, p.errorf("expected , or } in list")
		}
	}
}

// until reads an unquoted value up to its terminator, skipping over quoted sections and nested brackets.
func (p *parser) until(topLevel bool) string {
	start := p.pos
	depth := 0
	for !p.eof() {
		c := p.peek()
		switch {
		case c == '"':
			if _, err := p.quoted(); err != nil {
				return p.src[start:]
			}
			continue
		case c == '(' || c == '[':
			depth++
		case (c == ')' || c == ']') && depth > 0:
			depth--
		case depth == 0 && topLevel && (c == ';' || c == ']'):
			return p.src[start:p.pos]
		case depth == 0 && !topLevel && (c == ',' || c == '}'):
			return p.src[start:p.pos]
		}
		p.pos++
	}
	return p.src[start:p.pos]
}

func (p *parser) quoted() (string, error) {
	start := p.pos
	p.pos++
	var sb strings.Builder
	for !p.eof() {
		c := p.src[p.pos]
		switch c {
		case '\\':
			if p.pos+1 >= len(p.src) {
				p.pos = start
				return "", p.errorf("unterminated string")
			}
			sb.WriteByte(p.src[p.pos+1])
			p.pos += 2
		case '"':
			p.pos++
			return sb.String(), nil
		default:
			sb.WriteByte(c)
			p.pos++
		}
	}
	p.pos = start
	return "", p.errorf("unterminated string")
}

func (p *parser) identifier() (string, error) {
	start := p.pos
	for !p.eof() {
		r := rune(p.src[p.pos])
		if !(unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' || r == '.') {
			break
		}
		p.pos++
	}
	if start == p.pos {
		return "", p.errorf("expected attribute name")
	}
	return p.src[start:p.pos], nil
}

func (p *parser) skipSpace() {
	for !p.eof() {
		c := p.src[p.pos]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			p.pos++
		case c == '#' || (c == '/' && p.pos+1 < len(p.src) && p.src[p.pos+1] == '/'):
			for !p.eof() && p.src[p.pos] != '\n' {
				p.pos++
			}
		default:
			return
		}
	}
}

func (p *parser) consume(c byte) bool {
	if !p.eof() && p.src[p.pos] == c {
		p.pos++
		return true
	}
	return false
}

func (p *parser) peek() byte {
	if p.eof() {
		return 0
	}
	return p.src[p.pos]
}

func (p *parser) eof() bool {
	return p.pos >= len(p.src)
}

// CachingParser memoises parsed documents by their text. Callers receive their own copy of the ad.
type CachingParser struct {
	cache *lru.Cache
}

func NewCachingParser(size int) (*CachingParser, error) {
	cache, err := lru.New(size)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &CachingParser{cache: cache}, nil
}

func (p *CachingParser) Parse(text string) (*ClassAd, error) {
	if cached, ok := p.cache.Get(text); ok {
		return cached.(*ClassAd).Clone(), nil
	}
	ad, err := Parse(text)
	if err != nil {
		return nil, err
	}
	p.cache.Add(text, ad)
	return ad.Clone(), nil
}

func (p *CachingParser) Len() int {
	return p.cache.Len()
}
