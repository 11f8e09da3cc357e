// Package ferr implements Forge's structured error taxonomy: every error
// surfaced to a user carries a category, a code, a human message, an
// optional source location, typed suggestions, and an optional causal
// chain. The concrete type still satisfies the standard error interface,
// so existing %w/errors.Is/errors.As idioms keep working against it.
package ferr

import (
	"fmt"
	"strings"
)

// Category groups errors by the subsystem that raised them.
type Category string

const (
	CategoryParse   Category = "parse"
	CategoryIO      Category = "io"
	CategoryConfig  Category = "config"
	CategoryGraph   Category = "graph"
	CategoryAction  Category = "action"
	CategorySandbox Category = "sandbox"
	CategoryCache   Category = "cache"
	CategoryNetwork Category = "network"
	CategoryWorker  Category = "worker"
)

// SuggestionKind selects how a Suggestion is rendered to the user.
type SuggestionKind string

const (
	SuggestCommand       SuggestionKind = "command"       // rendered prefixed with "$"
	SuggestDocumentation SuggestionKind = "documentation"  // rendered prefixed with "→"
	SuggestFileCheck     SuggestionKind = "file_check"
	SuggestConfiguration SuggestionKind = "configuration"
	SuggestGeneral       SuggestionKind = "general"
)

// Suggestion is one piece of remediation advice attached to an Error.
type Suggestion struct {
	Kind SuggestionKind
	Text string
}

// Location pinpoints an error to a source file/line, when known.
type Location struct {
	File   string
	Line   int
	Column int
}

func (l Location) String() string {
	if l.File == "" {
		return ""
	}
	if l.Line == 0 {
		return l.File
	}
	if l.Column == 0 {
		return fmt.Sprintf("%s:%d", l.File, l.Line)
	}
	return fmt.Sprintf("%s:%d:%d", l.File, l.Line, l.Column)
}

// Error is the concrete taxonomy error. It satisfies the standard error
// interface and Unwrap() so errors.Is/errors.As work against the cause
// chain the same way they do against %w-wrapped errors.
type Error struct {
	Category    Category
	Code        string
	Message     string
	Location    Location
	Suggestions []Suggestion
	Cause       error
}

// New builds an Error with no cause, for a fresh failure at this layer.
func New(cat Category, code, message string) *Error {
	return &Error{Category: cat, Code: code, Message: message}
}

// Wrap builds an Error around an existing error, preserving it as Cause so
// Unwrap/errors.Is/errors.As reach into it: the usual %w relationship,
// made inspectable by category/code.
func Wrap(cat Category, code string, cause error, format string, args ...any) *Error {
	return &Error{
		Category: cat,
		Code:     code,
		Message:  fmt.Sprintf(format, args...),
		Cause:    cause,
	}
}

// At attaches a source location and returns the receiver for chaining.
func (e *Error) At(loc Location) *Error {
	e.Location = loc
	return e
}

// Suggest appends a suggestion and returns the receiver for chaining.
func (e *Error) Suggest(kind SuggestionKind, text string) *Error {
	e.Suggestions = append(e.Suggestions, Suggestion{Kind: kind, Text: text})
	return e
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Category))
	b.WriteByte('/')
	b.WriteString(e.Code)
	b.WriteString(": ")
	b.WriteString(e.Message)
	if loc := e.Location.String(); loc != "" {
		fmt.Fprintf(&b, " (%s)", loc)
	}
	if e.Cause != nil {
		fmt.Fprintf(&b, ": %s", e.Cause.Error())
	}
	return b.String()
}

// Unwrap exposes the causal chain to errors.Is/errors.As.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Recoverable reports whether this error's category is one the relevant
// layer should retry rather than surface immediately: network, cache,
// and action-timeout failures are recoverable; parse/graph/missing-input
// failures are structural.
func (e *Error) Recoverable() bool {
	switch e.Category {
	case CategoryNetwork, CategoryCache:
		return true
	case CategoryAction:
		return e.Code == "timeout"
	default:
		return false
	}
}

// Render formats the error the way a CLI would present it to a user:
// category/code header, message, location, and suggestions grouped by
// kind with their prefix.
func (e *Error) Render() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s/%s] %s\n", e.Category, e.Code, e.Message)
	if loc := e.Location.String(); loc != "" {
		fmt.Fprintf(&b, "  at %s\n", loc)
	}
	for _, s := range e.Suggestions {
		switch s.Kind {
		case SuggestCommand:
			fmt.Fprintf(&b, "  $ %s\n", s.Text)
		case SuggestDocumentation:
			fmt.Fprintf(&b, "  → %s\n", s.Text)
		default:
			fmt.Fprintf(&b, "  - %s\n", s.Text)
		}
	}
	if e.Cause != nil {
		fmt.Fprintf(&b, "  caused by: %s\n", e.Cause.Error())
	}
	return b.String()
}
