package topic

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

var (
	// ErrEmpty is returned for zero-length topics and filters.
	ErrEmpty = errors.New("topic: empty")

	// ErrTooLong is returned when a topic exceeds MaxLength bytes.
	ErrTooLong = errors.New("topic: too long")

	// ErrWildcardInTopic is returned when a publish topic contains wildcards.
	ErrWildcardInTopic = errors.New("topic: wildcards are not allowed in topic names")

	// ErrMalformedFilter is returned for misplaced wildcards.
	ErrMalformedFilter = errors.New("topic: malformed filter")
)

// ValidateTopic checks a topic name used for PUBLISH.
func ValidateTopic(name string) error {
	if err := validateCommon(name); err != nil {
		return err
	}
	if strings.ContainsAny(name, Wildcard+MultiWildcard) {
		return fmt.Errorf("%w: %q", ErrWildcardInTopic, name)
	}
	return nil
}

// ValidateFilter checks a subscription filter. '+' must occupy a whole level,
// '#' must occupy the last level.
func ValidateFilter(filter string) error {
	if err := validateCommon(filter); err != nil {
		return err
	}

	levels := strings.Split(StripShare(filter), Separator)
	for i, level := range levels {
		if level == MultiWildcard {
			if i != len(levels)-1 {
				return fmt.Errorf("%w: %q must be the last level", ErrMalformedFilter, MultiWildcard)
			}
			continue
		}
		if level == Wildcard {
			continue
		}
		if strings.ContainsAny(level, Wildcard+MultiWildcard) {
			return fmt.Errorf("%w: wildcard inside level %q", ErrMalformedFilter, level)
		}
	}
	return nil
}

func validateCommon(s string) error {
	if s == "" {
		return ErrEmpty
	}
	if len(s) > MaxLength {
		return ErrTooLong
	}
	if !utf8.ValidString(s) || strings.ContainsRune(s, 0) {
		return fmt.Errorf("%w: invalid UTF-8", ErrMalformedFilter)
	}
	return nil
}
