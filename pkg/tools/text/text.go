// Package text provides the "text" tool: locale-aware string operations
// backed by golang.org/x/text.
package text

import (
	"context"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/wehubfusion/Daedalus/pkg/tool"
)

// ID is the tool identifier.
const ID = "text"

// Operations supported by the tool.
const (
	OpUpper      = "upper"
	OpLower      = "lower"
	OpTitle      = "title"
	OpFold       = "fold"
	OpCapitalize = "capitalize"
	OpTrim       = "trim"
	OpLength     = "length"
	OpSplit      = "split"
	OpReplace    = "replace"
	OpNormalize  = "normalize"
)

// Tool applies one operation to inputs["text"].
type Tool struct{}

// New creates the tool.
func New() *Tool { return &Tool{} }

// Register adds the tool to r.
func Register(r *tool.Registry) {
	r.Register(New(),
		tool.WithVersion("1"),
		tool.WithParam("text"),
		tool.WithDefault("operation", OpUpper),
		tool.WithDefault("language", "und"),
		tool.WithDefault("delimiter", ","),
		tool.WithDefault("old", ""),
		tool.WithDefault("new", ""),
	)
}

func (t *Tool) ID() string { return ID }

func (t *Tool) Invoke(_ context.Context, inputs map[string]any) (any, error) {
	s, ok := inputs["text"].(string)
	if !ok {
		return nil, fmt.Errorf("text must be a string, got %T", inputs["text"])
	}
	op, _ := inputs["operation"].(string)
	if op == "" {
		op = OpUpper
	}

	tag := language.Und
	if code, _ := inputs["language"].(string); code != "" {
		parsed, err := language.Parse(code)
		if err != nil {
			return nil, fmt.Errorf("invalid language %q: %w", code, err)
		}
		tag = parsed
	}

	switch op {
	case OpUpper:
		return cases.Upper(tag).String(s), nil
	case OpLower:
		return cases.Lower(tag).String(s), nil
	case OpTitle:
		return cases.Title(tag).String(s), nil
	case OpFold:
		return cases.Fold().String(s), nil
	case OpCapitalize:
		if s == "" {
			return s, nil
		}
		r, size := utf8.DecodeRuneInString(s)
		return cases.Upper(tag).String(string(r)) + s[size:], nil
	case OpTrim:
		return strings.TrimSpace(s), nil
	case OpLength:
		return utf8.RuneCountInString(s), nil
	case OpSplit:
		delimiter, _ := inputs["delimiter"].(string)
		parts := strings.Split(s, delimiter)
		out := make([]any, len(parts))
		for i, p := range parts {
			out[i] = p
		}
		return out, nil
	case OpReplace:
		old, _ := inputs["old"].(string)
		replacement, _ := inputs["new"].(string)
		if old == "" {
			return s, nil
		}
		return strings.ReplaceAll(s, old, replacement), nil
	case OpNormalize:
		return removeDiacritics(s)
	default:
		return nil, fmt.Errorf("unsupported operation %q", op)
	}
}

// removeDiacritics decomposes s and drops combining marks.
func removeDiacritics(s string) (string, error) {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		return "", fmt.Errorf("failed to normalize text: %w", err)
	}
	return out, nil
}
