package pubsub

import "strings"

// Topics are "." separated segments. In a subscription pattern "*" matches
// exactly one segment and "#" matches zero or more segments.
const (
	topicSeparator = "."
	wildcardOne    = "*"
	wildcardMany   = "#"
)

// IsPattern reports whether topic contains a wildcard segment.
func IsPattern(topic string) bool {
	for _, part := range strings.Split(topic, topicSeparator) {
		if part == wildcardOne || part == wildcardMany {
			return true
		}
	}
	return false
}

// Match reports whether topic is selected by pattern.
func Match(pattern, topic string) bool {
	if pattern == topic {
		return true
	}
	patternParts := strings.Split(pattern, topicSeparator)
	topicParts := strings.Split(topic, topicSeparator)

	tLen := len(topicParts)
	dp := make([]bool, tLen+1)
	prev := make([]bool, tLen+1)
	prev[0] = true

	for _, pPart := range patternParts {
		// only a run of "#" can match an empty topic prefix
		dp[0] = pPart == wildcardMany && prev[0]
		for j := 1; j <= tLen; j++ {
			switch pPart {
			case wildcardMany:
				dp[j] = prev[j] || dp[j-1]
			case wildcardOne:
				dp[j] = prev[j-1]
			default:
				dp[j] = prev[j-1] && pPart == topicParts[j-1]
			}
		}
		copy(prev, dp)
	}
	return prev[tLen]
}

func splitTopics(topics []string) (exact, patterns []string) {
	for _, topic := range topics {
		if IsPattern(topic) {
			patterns = append(patterns, topic)
		} else {
			exact = append(exact, topic)
		}
	}
	return exact, patterns
}
