package plan

import (
	"errors"
	"regexp"
	"strings"

	"github.com/entrhq/pilot/pkg/types"
)

var (
	errEmptyLocator     = errors.New("empty locator")
	errUnbalanced       = errors.New("unbalanced brackets, parentheses or quotes")
	errEmptyPath        = errors.New("empty path segment")
	errEmptyPredicate   = errors.New("empty predicate")
	errDanglingCombiner = errors.New("dangling combinator")
)

var positionalPredicate = regexp.MustCompile(`\[\d+\]|:nth-(?:child|of-type)\(`)

// CheckLocatorSyntax returns why a locator is malformed, or nil.
func CheckLocatorSyntax(l types.Locator) error {
	v := strings.TrimSpace(l.Value)
	v = strings.TrimSpace(strings.TrimPrefix(v, "xpath="))
	if v == "" {
		return errEmptyLocator
	}
	if !balanced(v) {
		return errUnbalanced
	}
	if strings.Contains(v, "[]") {
		return errEmptyPredicate
	}

	strategy := l.Strategy
	if strategy == "" {
		strategy = types.InferStrategy(l.Value)
	}
	if strategy == types.LocatorStructural {
		if strings.Contains(v, "///") || (len(v) > 1 && strings.HasSuffix(v, "/")) {
			return errEmptyPath
		}
		return nil
	}

	if v == "#" || v == "." {
		return errEmptyLocator
	}
	first, last := v[0], v[len(v)-1]
	if strings.ContainsRune(">+~,", rune(first)) || strings.ContainsRune(">+~,", rune(last)) {
		return errDanglingCombiner
	}
	if strings.Contains(v, ",,") {
		return errDanglingCombiner
	}
	return nil
}

// balanced reports whether brackets and parentheses nest correctly outside
// of quoted strings, and every quote is closed.
func balanced(s string) bool {
	var stack []rune
	var quote rune
	for _, r := range s {
		if quote != 0 {
			if r == quote {
				quote = 0
			}
			continue
		}
		switch r {
		case '"', '\'':
			quote = r
		case '(', '[':
			stack = append(stack, r)
		case ')':
			if len(stack) == 0 || stack[len(stack)-1] != '(' {
				return false
			}
			stack = stack[:len(stack)-1]
		case ']':
			if len(stack) == 0 || stack[len(stack)-1] != '[' {
				return false
			}
			stack = stack[:len(stack)-1]
		}
	}
	return quote == 0 && len(stack) == 0
}

// FragileReason describes why a syntactically valid locator looks likely
// to break, or returns "".
func FragileReason(l types.Locator) string {
	v := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(l.Value), "xpath="))
	switch {
	case len(v) > 120:
		return "locator is very long"
	case len(positionalPredicate.FindAllString(v, -1)) >= 2:
		return "locator relies on several positional indexes"
	}

	strategy := l.Strategy
	if strategy == "" {
		strategy = types.InferStrategy(l.Value)
	}
	if strategy == types.LocatorStructural {
		segments := 0
		for _, part := range strings.Split(v, "/") {
			if part != "" {
				segments++
			}
		}
		if segments >= 6 {
			return "structural path is deeply nested"
		}
		if strings.HasPrefix(v, "/html") {
			return "absolute structural path from document root"
		}
		return ""
	}
	if depth := len(strings.Fields(strings.ReplaceAll(v, ">", " "))); depth >= 5 {
		return "selector chains many ancestors"
	}
	return ""
}
