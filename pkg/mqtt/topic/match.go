package topic

import "strings"

// Match reports whether topic matches filter under MQTT wildcard rules.
// Shared subscription prefixes are stripped from filter first. Topics starting
// with '$' are not matched by filters starting with a wildcard.
func Match(filter, topic string) bool {
	filter = StripShare(filter)
	if filter == topic {
		return true
	}
	if !strings.ContainsAny(filter, Wildcard+MultiWildcard) {
		return false
	}
	if strings.HasPrefix(topic, "$") && (strings.HasPrefix(filter, Wildcard) || strings.HasPrefix(filter, MultiWildcard)) {
		return false
	}

	filterLevels := strings.Split(filter, Separator)
	topicLevels := strings.Split(topic, Separator)

	for i, level := range filterLevels {
		if level == MultiWildcard {
			return true
		}
		if i >= len(topicLevels) {
			return false
		}
		if level != Wildcard && level != topicLevels[i] {
			return false
		}
	}
	return len(filterLevels) == len(topicLevels)
}

// StripShare returns the filter part of a $share/<group>/<filter> subscription.
func StripShare(filter string) string {
	if !strings.HasPrefix(filter, SharePrefix) {
		return filter
	}
	parts := strings.SplitN(filter, Separator, 3)
	if len(parts) == 3 {
		return parts[2]
	}
	return filter
}
