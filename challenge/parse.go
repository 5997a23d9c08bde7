package challenge

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
)

const wwwAuthenticateHeader = "WWW-Authenticate"

// Parser turns WWW-Authenticate header values into challenges. It never
// fails: malformed fragments are dropped and, when a logger is configured,
// reported at debug level.
//
// A Parser holds no mutable state and is safe for concurrent use.
type Parser struct {
	log *slog.Logger
}

// NewParser returns a Parser that reports dropped fragments to log. A nil
// logger discards them.
func NewParser(log *slog.Logger) *Parser {
	return &Parser{log: log}
}

var defaultParser = &Parser{}

// Parse parses a single header value. See Parser.Parse.
func Parse(header string) []Challenge {
	return defaultParser.Parse(header)
}

// ParseAll parses several header values, preserving order across and
// within them.
func ParseAll(headers ...string) []Challenge {
	return defaultParser.ParseAll(headers...)
}

// FromHeader parses every WWW-Authenticate value found in h.
func FromHeader(h http.Header) []Challenge {
	return defaultParser.ParseAll(h.Values(wwwAuthenticateHeader)...)
}

// ParseAll parses several header values, preserving order across and
// within them.
func (p *Parser) ParseAll(headers ...string) []Challenge {
	var out []Challenge
	for _, h := range headers {
		out = append(out, p.Parse(h)...)
	}
	return out
}

// group accumulates one challenge while scanning.
type group struct {
	// scheme is empty when the scheme token was not well formed; params
	// collected for such a group are discarded with it.
	scheme string
	params map[string]string
	// fresh holds until the first item following the scheme is consumed. Only
	// that position may carry a token68.
	fresh bool
	// degenerate marks a group containing a segment with no parameter name
	// at all (e.g. "=value").
	degenerate bool
}

// Parse returns the challenges in header, left to right.
//
// Challenges are separated by commas; parameters are key=token or
// key="quoted string" pairs separated by commas or whitespace. A token68
// directly after the scheme is accepted and discarded. Malformed parameters
// are dropped individually; a group left with nothing but malformed content
// is dropped entirely, without disturbing its siblings.
func (p *Parser) Parse(header string) []Challenge {
	items := lex(header)

	var (
		out []Challenge
		cur *group
	)
	flush := func() {
		switch {
		case cur == nil:
		case cur.scheme == "":
		case cur.degenerate && len(cur.params) == 0:
			p.debug("dropping malformed challenge", slog.String("scheme", cur.scheme))
		default:
			out = append(out, Challenge{scheme: CanonicalScheme(cur.scheme), params: cur.params})
		}
		cur = nil
	}

	for i := 0; items[i].kind != itemEOF; {
		it := items[i]
		switch it.kind {
		case itemSpace:
			i++
		case itemComma:
			if cur != nil {
				cur.fresh = false
			}
			i++
		case itemWord:
			switch items[i+1].kind {
			case itemEquals:
				i = p.param(items, i, cur)
			case itemSpace, itemComma, itemEOF:
				if cur != nil && cur.fresh && validToken68(it.val) {
					cur.fresh = false
					i++
					continue
				}
				flush()
				cur = &group{fresh: true}
				if validScheme(it.val) {
					cur.scheme = it.val
				} else {
					p.debug("dropping challenge with invalid scheme", slog.String("scheme", it.val))
				}
				i++
			default:
				p.debug("dropping malformed segment", slog.String("near", it.val))
				if cur != nil {
					cur.fresh = false
				}
				i = skipSegment(items, i)
			}
		case itemEquals:
			if cur != nil {
				cur.degenerate = true
				cur.fresh = false
			}
			p.debug("dropping segment without parameter name")
			i = skipSegment(items, i)
		default:
			if cur != nil {
				cur.fresh = false
			}
			p.debug("dropping stray quoted string", slog.String("value", it.val))
			i = skipSegment(items, i)
		}
	}
	flush()
	return out
}

// param consumes a segment that starts with a word immediately followed by
// '=' and returns the index of the first item after it.
func (p *Parser) param(items []item, i int, cur *group) int {
	key := items[i].val
	j := i + 1
	for items[j].kind == itemEquals {
		j++
	}
	eqs := j - i - 1

	fresh := cur != nil && cur.fresh
	if cur != nil {
		cur.fresh = false
	}

	// "abc==" followed by a delimiter: token68 padding, or a pair with no value.
	if isSegmentEnd(items[j]) {
		if !fresh || !validToken68(key) {
			p.debug("dropping parameter without value", slog.String("param", key))
		}
		return j
	}

	val := items[j]
	if eqs != 1 || (val.kind != itemWord && val.kind != itemQuoted) || val.unterminated || !isSegmentEnd(items[j+1]) {
		p.debug("dropping malformed parameter", slog.String("param", key))
		return skipSegment(items, i)
	}
	switch {
	case cur == nil || cur.scheme == "":
		p.debug("dropping parameter outside of a challenge", slog.String("param", key))
	case !validToken(key):
		p.debug("dropping parameter with invalid name", slog.String("param", key))
	default:
		if cur.params == nil {
			cur.params = make(map[string]string)
		}
		cur.params[key] = val.val
	}
	return j + 1
}

func (p *Parser) debug(msg string, attrs ...slog.Attr) {
	if p == nil || p.log == nil {
		return
	}
	p.log.LogAttrs(context.Background(), slog.LevelDebug, "www-authenticate: "+msg, attrs...)
}

type itemKind int

const (
	itemWord itemKind = iota
	itemQuoted
	itemEquals
	itemComma
	itemSpace
	itemEOF
)

type item struct {
	kind itemKind
	val  string
	// unterminated marks a quoted string that ran to the end of input.
	unterminated bool
}

// lex splits a header value into words, quoted strings, '=', ',' and runs of
// whitespace. The result always ends with an itemEOF.
func lex(s string) []item {
	var items []item
	for i := 0; i < len(s); {
		c := s[i]
		switch {
		case isSpace(c):
			for i < len(s) && isSpace(s[i]) {
				i++
			}
			items = append(items, item{kind: itemSpace})
		case c == ',':
			items = append(items, item{kind: itemComma})
			i++
		case c == '=':
			items = append(items, item{kind: itemEquals})
			i++
		case c == '"':
			val, n, ok := lexQuoted(s[i:])
			items = append(items, item{kind: itemQuoted, val: val, unterminated: !ok})
			i += n
		default:
			j := i
			for j < len(s) && !isBreak(s[j]) {
				j++
			}
			items = append(items, item{kind: itemWord, val: s[i:j]})
			i = j
		}
	}
	return append(items, item{kind: itemEOF})
}

// lexQuoted reads a quoted-string starting at s[0] == '"'. It returns the
// unescaped value, the number of bytes consumed and whether a closing quote
// was found.
func lexQuoted(s string) (string, int, bool) {
	var b strings.Builder
	for i := 1; i < len(s); i++ {
		switch s[i] {
		case '\\':
			if i+1 < len(s) {
				i++
				b.WriteByte(s[i])
			}
		case '"':
			return b.String(), i + 1, true
		default:
			b.WriteByte(s[i])
		}
	}
	return b.String(), len(s), false
}

func skipSegment(items []item, i int) int {
	for !isSegmentEnd(items[i]) {
		i++
	}
	return i
}

func isSegmentEnd(it item) bool {
	return it.kind == itemSpace || it.kind == itemComma || it.kind == itemEOF
}

func isSpace(c byte) bool { return c == ' ' || c == '\t' || c == '\r' || c == '\n' }

func isBreak(c byte) bool { return isSpace(c) || c == ',' || c == '=' || c == '"' }
