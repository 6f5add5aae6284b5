// Marketscope - Marketing Analytics and Data Source Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/marketscope

package datamodels

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strings"

	"github.com/tomtom215/marketscope/internal/models"
	"github.com/tomtom215/marketscope/internal/warehouse"
)

// ErrInvalidSQL is returned for SQL that is not a single read query.
var ErrInvalidSQL = errors.New("invalid data model sql")

// refPattern matches {{ Logical Name }} and {{ Source.Logical }}.
var refPattern = regexp.MustCompile(`\{\{\s*([^{}]+?)\s*\}\}`)

// TableResolver maps a project's logical table references to warehouse
// tables. Implemented by *warehouse.MetadataService.
type TableResolver interface {
	ResolvePhysical(ctx context.Context, projectID int64, ref string) (*models.TableMetadata, error)
}

// Compiled is data model SQL with every reference resolved.
type Compiled struct {
	SQL string
	// DependsOn lists the referenced data sources, sorted and unique.
	DependsOn []int64
	// Tables maps each reference to its quoted physical name.
	Tables map[string]string
}

// Compile resolves table references and checks the statement is a single
// SELECT or WITH query that reads only {{ }} references of the project.
func Compile(ctx context.Context, resolver TableResolver, projectID int64, sql string) (*Compiled, error) {
	body, err := checkReadOnly(sql)
	if err != nil {
		return nil, err
	}
	if err := checkRelations(body); err != nil {
		return nil, err
	}

	out := &Compiled{Tables: make(map[string]string)}
	var resolveErr error
	compiled := refPattern.ReplaceAllStringFunc(body, func(match string) string {
		if resolveErr != nil {
			return match
		}
		ref := refPattern.FindStringSubmatch(match)[1]
		if quoted, ok := out.Tables[ref]; ok {
			return quoted
		}
		meta, err := resolver.ResolvePhysical(ctx, projectID, ref)
		if err != nil {
			resolveErr = fmt.Errorf("resolve {{ %s }}: %w", ref, err)
			return match
		}
		if meta.ProjectID != projectID {
			resolveErr = fmt.Errorf("resolve {{ %s }}: %w", ref, warehouse.ErrTableNotFound)
			return match
		}
		quoted := warehouse.Quote(meta.Schema, meta.PhysicalName)
		out.Tables[ref] = quoted
		if !slices.Contains(out.DependsOn, meta.DataSourceID) {
			out.DependsOn = append(out.DependsOn, meta.DataSourceID)
		}
		return quoted
	})
	if resolveErr != nil {
		return nil, resolveErr
	}
	slices.Sort(out.DependsOn)
	out.SQL = compiled
	return out, nil
}

// checkReadOnly returns the statement without trailing semicolons, or
// ErrInvalidSQL when it holds more than one statement or does not start
// with SELECT or WITH.
func checkReadOnly(sql string) (string, error) {
	body := strings.TrimSpace(sql)
	for strings.HasSuffix(body, ";") {
		body = strings.TrimSpace(strings.TrimSuffix(body, ";"))
	}
	if body == "" {
		return "", fmt.Errorf("%w: empty statement", ErrInvalidSQL)
	}

	code, err := stripLiterals(body)
	if err != nil {
		return "", err
	}
	if strings.Contains(code, ";") {
		return "", fmt.Errorf("%w: multiple statements", ErrInvalidSQL)
	}
	first := strings.ToLower(firstWord(code))
	if first != "select" && first != "with" {
		return "", fmt.Errorf("%w: must start with SELECT or WITH, got %q", ErrInvalidSQL, first)
	}
	return body, nil
}

// stripLiterals blanks out comments, string literals, quoted identifiers
// and dollar-quoted bodies so keyword and separator checks see only code.
func stripLiterals(s string) (string, error) {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); {
		switch {
		case strings.HasPrefix(s[i:], "--"):
			end := strings.IndexByte(s[i:], '\n')
			if end < 0 {
				return b.String(), nil
			}
			i += end
		case strings.HasPrefix(s[i:], "/*"):
			end := strings.Index(s[i+2:], "*/")
			if end < 0 {
				return "", fmt.Errorf("%w: unterminated comment", ErrInvalidSQL)
			}
			i += end + 4
			b.WriteByte(' ')
		case s[i] == '\'' || s[i] == '"':
			q := s[i]
			j := i + 1
			for {
				k := strings.IndexByte(s[j:], q)
				if k < 0 {
					return "", fmt.Errorf("%w: unterminated quote", ErrInvalidSQL)
				}
				j += k + 1
				if j < len(s) && s[j] == q {
					j++
					continue
				}
				break
			}
			i = j
			b.WriteString(" x ")
		case s[i] == '$':
			tag := dollarTag(s[i:])
			if tag == "" {
				b.WriteByte(s[i])
				i++
				continue
			}
			end := strings.Index(s[i+len(tag):], tag)
			if end < 0 {
				return "", fmt.Errorf("%w: unterminated dollar quote", ErrInvalidSQL)
			}
			i += len(tag) + end + len(tag)
			b.WriteString(" x ")
		default:
			b.WriteByte(s[i])
			i++
		}
	}
	return b.String(), nil
}

var dollarTagPattern = regexp.MustCompile(`^\$[A-Za-z_]*\$`)

func dollarTag(s string) string {
	return dollarTagPattern.FindString(s)
}

func firstWord(s string) string {
	s = strings.TrimLeft(s, " \t\r\n(")
	end := strings.IndexFunc(s, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z')
	})
	if end < 0 {
		return s
	}
	return s[:end]
}
