package eventbus

import (
	"fmt"
	"strings"

	"github.com/NikhilSetiya/agentctx/pkg/errors"
)

type patternKind int

const (
	patternExact patternKind = iota
	patternPrefix
	patternGlobal
)

// parsePattern classifies a subscription pattern. Accepted forms are an exact
// topic, "prefix.*" and "*". For prefix patterns the returned key keeps the
// trailing dot so "memory.*" never matches "memoryx.saved".
func parsePattern(pattern string) (patternKind, string, error) {
	switch {
	case pattern == "":
		return 0, "", errors.NewValidationError("topic pattern cannot be empty")
	case strings.ContainsAny(pattern, " \t\n"):
		return 0, "", errors.NewValidationError(fmt.Sprintf("topic pattern %q contains whitespace", pattern))
	case pattern == "*":
		return patternGlobal, "", nil
	case strings.HasSuffix(pattern, ".*"):
		prefix := strings.TrimSuffix(pattern, "*")
		if prefix == "." || strings.Contains(prefix, "*") {
			return 0, "", errors.NewValidationError(fmt.Sprintf("invalid wildcard pattern %q", pattern))
		}
		return patternPrefix, prefix, nil
	case strings.Contains(pattern, "*"):
		return 0, "", errors.NewValidationError(fmt.Sprintf("wildcard only allowed as trailing \".*\" or \"*\": %q", pattern))
	default:
		return patternExact, pattern, nil
	}
}

// ValidatePattern reports whether pattern is an acceptable subscription pattern
func ValidatePattern(pattern string) error {
	_, _, err := parsePattern(pattern)
	return err
}

// Matches reports whether topic is delivered to subscribers of pattern
func Matches(pattern, topic string) bool {
	kind, key, err := parsePattern(pattern)
	if err != nil {
		return false
	}
	switch kind {
	case patternGlobal:
		return true
	case patternPrefix:
		return strings.HasPrefix(topic, key)
	default:
		return topic == key
	}
}
