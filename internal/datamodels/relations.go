// Marketscope - Marketing Analytics and Data Source Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/marketscope

package datamodels

import (
	"fmt"
	"strings"
)

type tokenKind int

const (
	tokWord  tokenKind = iota // unquoted identifier or keyword, lower-cased
	tokIdent                  // quoted identifier
	tokRef                    // {{ }} reference
	tokPunct                  // ( ) , . ;
	tokOther                  // literals, numbers, operators
)

type token struct {
	kind tokenKind
	text string
}

func (t token) is(kind tokenKind, text string) bool {
	return t.kind == kind && t.text == text
}

// name returns the identifier a word or quoted identifier resolves to.
func (t token) name() (string, bool) {
	if t.kind == tokWord || t.kind == tokIdent {
		return t.text, true
	}
	return "", false
}

// Table functions a model may select from.
var allowedTableFuncs = map[string]bool{
	"generate_series":           true,
	"unnest":                    true,
	"json_array_elements":       true,
	"jsonb_array_elements":      true,
	"json_each":                 true,
	"jsonb_each":                true,
	"jsonb_to_recordset":        true,
	"regexp_split_to_table":     true,
	"jsonb_array_elements_text": true,
}

// Functions that read outside the statement's relations or change
// session state. Anything named pg_* is refused as well.
var deniedFuncs = map[string]bool{
	"query_to_xml":               true,
	"query_to_xml_and_xmlschema": true,
	"query_to_xmlschema":         true,
	"table_to_xml":               true,
	"table_to_xml_and_xmlschema": true,
	"schema_to_xml":              true,
	"database_to_xml":            true,
	"cursor_to_xml":              true,
	"dblink":                     true,
	"set_config":                 true,
	"current_setting":            true,
	"lo_get":                     true,
	"lo_import":                  true,
	"lo_export":                  true,
	"currval":                    true,
	"nextval":                    true,
	"setval":                     true,
}

var clauseKeywords = map[string]bool{
	"where": true, "group": true, "having": true, "order": true, "limit": true,
	"offset": true, "union": true, "intersect": true, "except": true,
	"window": true, "fetch": true, "select": true, "returning": true,
}

// checkRelations rejects SQL that reads any relation other than a {{ }}
// reference, a CTE defined in the statement or an allowed table function.
func checkRelations(sql string) error {
	toks, err := tokenize(sql)
	if err != nil {
		return err
	}
	ctes := cteNames(toks)

	type frame struct {
		query, started, inFrom, expect bool
	}
	stack := []*frame{{query: true, started: true}}

	for i := 0; i < len(toks); i++ {
		t := toks[i]
		var next token
		if i+1 < len(toks) {
			next = toks[i+1]
		}
		if name, ok := t.name(); ok && next.is(tokPunct, "(") {
			if strings.HasPrefix(name, "pg_") || deniedFuncs[name] {
				return fmt.Errorf("%w: function %s is not allowed", ErrInvalidSQL, name)
			}
		}

		f := stack[len(stack)-1]
		if !f.started {
			f.started = true
			if t.kind == tokWord {
				switch t.text {
				case "select", "with", "values", "table":
					f.query = true
				}
			}
		}

		if t.is(tokPunct, ")") {
			if len(stack) == 1 {
				return fmt.Errorf("%w: unbalanced parenthesis", ErrInvalidSQL)
			}
			stack = stack[:len(stack)-1]
			continue
		}

		if f.query && f.expect {
			switch {
			case t.is(tokWord, "lateral"), t.is(tokWord, "only"):
				continue
			case t.is(tokPunct, "("):
				f.expect = false
			case t.kind == tokRef:
				f.expect = false
				continue
			case t.kind == tokWord || t.kind == tokIdent:
				f.expect = false
				if next.is(tokPunct, "(") {
					if t.kind != tokWord || !allowedTableFuncs[t.text] {
						return fmt.Errorf("%w: table function %s is not allowed", ErrInvalidSQL, t.text)
					}
					continue
				}
				if next.is(tokPunct, ".") || !ctes[t.text] {
					return fmt.Errorf("%w: relation %q must be a {{ }} table reference", ErrInvalidSQL, t.text)
				}
				continue
			default:
				return fmt.Errorf("%w: unexpected %q in FROM clause", ErrInvalidSQL, t.text)
			}
		}

		if t.is(tokPunct, "(") {
			stack = append(stack, &frame{})
			continue
		}
		if !f.query {
			continue
		}

		switch {
		case t.is(tokWord, "from"):
			if isDistinctFrom(toks, i) {
				continue
			}
			f.inFrom, f.expect = true, true
		case t.is(tokWord, "join"), t.is(tokWord, "table"):
			f.inFrom, f.expect = true, true
		case t.is(tokPunct, ",") && f.inFrom:
			f.expect = true
		case t.kind == tokWord && clauseKeywords[t.text]:
			f.inFrom, f.expect = false, false
		}
	}
	if len(stack) != 1 {
		return fmt.Errorf("%w: unbalanced parenthesis", ErrInvalidSQL)
	}
	if stack[0].expect {
		return fmt.Errorf("%w: FROM clause without a relation", ErrInvalidSQL)
	}
	return nil
}

// isDistinctFrom reports whether toks[i] is the FROM of IS [NOT] DISTINCT FROM.
func isDistinctFrom(toks []token, i int) bool {
	return i >= 2 && toks[i-1].is(tokWord, "distinct") &&
		(toks[i-2].is(tokWord, "is") || toks[i-2].is(tokWord, "not"))
}

// cteNames collects the names defined by every WITH list in the statement.
func cteNames(toks []token) map[string]bool {
	names := make(map[string]bool)
	for i := range toks {
		if !toks[i].is(tokWord, "with") {
			continue
		}
		j := i + 1
		if j < len(toks) && toks[j].is(tokWord, "recursive") {
			j++
		}
		for j < len(toks) {
			name, ok := toks[j].name()
			if !ok {
				break
			}
			j++
			if j < len(toks) && toks[j].is(tokPunct, "(") {
				j = skipParens(toks, j)
			}
			if j >= len(toks) || !toks[j].is(tokWord, "as") {
				break
			}
			names[name] = true
			j++
			for j < len(toks) && (toks[j].is(tokWord, "not") || toks[j].is(tokWord, "materialized")) {
				j++
			}
			if j >= len(toks) || !toks[j].is(tokPunct, "(") {
				break
			}
			j = skipParens(toks, j)
			if j >= len(toks) || !toks[j].is(tokPunct, ",") {
				break
			}
			j++
		}
	}
	return names
}

// skipParens returns the index after the parenthesis opened at toks[i].
func skipParens(toks []token, i int) int {
	depth := 0
	for ; i < len(toks); i++ {
		switch {
		case toks[i].is(tokPunct, "("):
			depth++
		case toks[i].is(tokPunct, ")"):
			depth--
			if depth == 0 {
				return i + 1
			}
		}
	}
	return i
}

func isIdentStart(c byte) bool {
	return c == '_' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= 0x80
}

func isIdentChar(c byte) bool {
	return isIdentStart(c) || c == '$' || c >= '0' && c <= '9'
}

func tokenize(s string) ([]token, error) {
	var toks []token
	for i := 0; i < len(s); {
		c := s[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r' || c == '\f':
			i++
		case strings.HasPrefix(s[i:], "--"):
			end := strings.IndexByte(s[i:], '\n')
			if end < 0 {
				return toks, nil
			}
			i += end
		case strings.HasPrefix(s[i:], "/*"):
			end := strings.Index(s[i+2:], "*/")
			if end < 0 {
				return nil, fmt.Errorf("%w: unterminated comment", ErrInvalidSQL)
			}
			i += end + 4
		case strings.HasPrefix(s[i:], "{{"):
			end := strings.Index(s[i:], "}}")
			if end < 0 {
				return nil, fmt.Errorf("%w: unterminated reference", ErrInvalidSQL)
			}
			toks = append(toks, token{kind: tokRef, text: s[i : i+end+2]})
			i += end + 2
		case c == '\'':
			escapes := i > 0 && (s[i-1] == 'e' || s[i-1] == 'E') && (i == 1 || !isIdentChar(s[i-2]))
			j, err := scanQuoted(s, i, '\'', escapes)
			if err != nil {
				return nil, err
			}
			toks = append(toks, token{kind: tokOther, text: "'"})
			i = j
		case c == '"':
			j, err := scanQuoted(s, i, '"', false)
			if err != nil {
				return nil, err
			}
			toks = append(toks, token{kind: tokIdent, text: strings.ReplaceAll(s[i+1:j-1], `""`, `"`)})
			i = j
		case c == '$' && dollarTag(s[i:]) != "":
			tag := dollarTag(s[i:])
			end := strings.Index(s[i+len(tag):], tag)
			if end < 0 {
				return nil, fmt.Errorf("%w: unterminated dollar quote", ErrInvalidSQL)
			}
			toks = append(toks, token{kind: tokOther, text: "$"})
			i += len(tag) + end + len(tag)
		case isIdentStart(c):
			j := i + 1
			for j < len(s) && isIdentChar(s[j]) {
				j++
			}
			toks = append(toks, token{kind: tokWord, text: strings.ToLower(s[i:j])})
			i = j
		case c >= '0' && c <= '9':
			j := i + 1
			for j < len(s) && (isIdentChar(s[j]) || s[j] == '.') {
				j++
			}
			toks = append(toks, token{kind: tokOther, text: s[i:j]})
			i = j
		case c == '(' || c == ')' || c == ',' || c == '.' || c == ';':
			toks = append(toks, token{kind: tokPunct, text: string(c)})
			i++
		default:
			toks = append(toks, token{kind: tokOther, text: string(c)})
			i++
		}
	}
	return toks, nil
}

// scanQuoted returns the index after the quoted run starting at s[i].
func scanQuoted(s string, i int, q byte, backslashEscapes bool) (int, error) {
	for j := i + 1; j < len(s); j++ {
		switch {
		case backslashEscapes && s[j] == '\\':
			j++
		case s[j] == q:
			if j+1 < len(s) && s[j+1] == q {
				j++
				continue
			}
			return j + 1, nil
		}
	}
	return 0, fmt.Errorf("%w: unterminated quote", ErrInvalidSQL)
}
