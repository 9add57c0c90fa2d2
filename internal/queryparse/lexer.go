// Package queryparse parses vigil's restricted query language into a
// queryir.Select. Errors are *queryir.Error values of kind KindSyntax with
// a byte offset into the input.
package queryparse

import (
	"strconv"
	"strings"

	"github.com/roach88/vigil/internal/queryir"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokIdent
	tokKeyword
	tokInt
	tokString
	tokComma
	tokDot
	tokStar
	tokLParen
	tokRParen
	tokSemicolon
	tokOp // = != <> < <= > >=
)

type token struct {
	kind tokenKind
	text string // keywords uppercased, identifiers lowercased
	pos  int
	num  int64
}

var keywords = map[string]bool{
	"SELECT": true, "FROM": true, "WHERE": true, "AND": true, "OR": true,
	"NOT": true, "IN": true, "BETWEEN": true, "IS": true, "NULL": true,
	"AS": true, "JOIN": true, "INNER": true, "ON": true, "GROUP": true,
	"BY": true, "ORDER": true, "ASC": true, "DESC": true, "LIMIT": true,
}

// rejected are SQL words outside the language. They lex as keywords so the
// parser can name them in the error.
var rejected = map[string]string{
	"INSERT": "data modification", "UPDATE": "data modification",
	"DELETE": "data modification", "REPLACE": "data modification",
	"UPSERT": "data modification", "MERGE": "data modification",
	"CREATE": "schema changes", "DROP": "schema changes",
	"ALTER": "schema changes", "TRUNCATE": "schema changes",
	"ATTACH": "database commands", "DETACH": "database commands",
	"PRAGMA": "database commands", "VACUUM": "database commands",
	"GRANT": "database commands", "REVOKE": "database commands",
	"BEGIN": "transactions", "COMMIT": "transactions", "ROLLBACK": "transactions",
	"WITH": "common table expressions", "UNION": "set operations",
	"INTERSECT": "set operations", "EXCEPT": "set operations",
	"LEFT": "outer joins", "RIGHT": "outer joins", "FULL": "outer joins",
	"OUTER": "outer joins", "CROSS": "cross joins", "NATURAL": "natural joins",
	"HAVING": "HAVING", "DISTINCT": "DISTINCT", "OFFSET": "OFFSET",
	"LIKE": "LIKE", "GLOB": "GLOB", "CASE": "CASE", "CAST": "CAST",
}

// lex splits input into tokens, substituting bound parameters.
func lex(input string, params map[string]int64) ([]token, error) {
	var toks []token
	i := 0
	for i < len(input) {
		c := input[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case isIdentStart(c):
			start := i
			for i < len(input) && isIdentPart(input[i]) {
				i++
			}
			word := input[start:i]
			upper := strings.ToUpper(word)
			if keywords[upper] || rejected[upper] != "" {
				toks = append(toks, token{kind: tokKeyword, text: upper, pos: start})
			} else {
				toks = append(toks, token{kind: tokIdent, text: strings.ToLower(word), pos: start})
			}
		case isDigit(c) || (c == '-' && i+1 < len(input) && isDigit(input[i+1])):
			start := i
			i++
			for i < len(input) && isDigit(input[i]) {
				i++
			}
			if i < len(input) && (isIdentStart(input[i]) || input[i] == '.') {
				return nil, syntaxErr(start, "malformed number %q", input[start:i+1])
			}
			n, err := strconv.ParseInt(input[start:i], 10, 64)
			if err != nil {
				return nil, syntaxErr(start, "integer %s out of range", input[start:i])
			}
			toks = append(toks, token{kind: tokInt, text: input[start:i], pos: start, num: n})
		case c == '\'':
			start := i
			i++
			var sb strings.Builder
			closed := false
			for i < len(input) {
				if input[i] == '\'' {
					if i+1 < len(input) && input[i+1] == '\'' {
						sb.WriteByte('\'')
						i += 2
						continue
					}
					i++
					closed = true
					break
				}
				sb.WriteByte(input[i])
				i++
			}
			if !closed {
				return nil, syntaxErr(start, "unterminated string literal")
			}
			toks = append(toks, token{kind: tokString, text: sb.String(), pos: start})
		case c == ':':
			start := i
			i++
			for i < len(input) && isIdentPart(input[i]) {
				i++
			}
			name := strings.ToLower(input[start+1 : i])
			n, ok := params[name]
			if name == "" || !ok {
				return nil, syntaxErr(start, "unknown parameter %q", input[start:i])
			}
			toks = append(toks, token{kind: tokInt, text: strconv.FormatInt(n, 10), pos: start, num: n})
		case c == ',':
			toks = append(toks, token{kind: tokComma, text: ",", pos: i})
			i++
		case c == '.':
			toks = append(toks, token{kind: tokDot, text: ".", pos: i})
			i++
		case c == '*':
			toks = append(toks, token{kind: tokStar, text: "*", pos: i})
			i++
		case c == '(':
			toks = append(toks, token{kind: tokLParen, text: "(", pos: i})
			i++
		case c == ')':
			toks = append(toks, token{kind: tokRParen, text: ")", pos: i})
			i++
		case c == ';':
			toks = append(toks, token{kind: tokSemicolon, text: ";", pos: i})
			i++
		case c == '=':
			toks = append(toks, token{kind: tokOp, text: "=", pos: i})
			i++
		case c == '!' || c == '<' || c == '>':
			two := ""
			if i+1 < len(input) {
				two = input[i : i+2]
			}
			switch two {
			case "!=", "<=", ">=":
				toks = append(toks, token{kind: tokOp, text: two, pos: i})
				i += 2
			case "<>":
				toks = append(toks, token{kind: tokOp, text: "!=", pos: i})
				i += 2
			default:
				if c == '!' {
					return nil, syntaxErr(i, "unexpected character '!'")
				}
				toks = append(toks, token{kind: tokOp, text: string(c), pos: i})
				i++
			}
		default:
			return nil, syntaxErr(i, "unexpected character %q", string(c))
		}
	}
	toks = append(toks, token{kind: tokEOF, pos: len(input)})
	return toks, nil
}

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || isDigit(c)
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

func syntaxErr(pos int, format string, args ...any) *queryir.Error {
	return queryir.Errorf(queryir.KindSyntax, pos, format, args...)
}
