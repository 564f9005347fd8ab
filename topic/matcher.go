package topic

import "strings"

type TopicMatcher struct{}

func NewTopicMatcher() *TopicMatcher {
	return &TopicMatcher{}
}

func (tm *TopicMatcher) Match(filter, topic string) bool {
	return matchTopicFilter(filter, topic)
}

func matchTopicFilter(filter, topic string) bool {
	if filter == topic {
		return true
	}

	filterLevels := splitTopicLevels(filter)
	topicLevels := splitTopicLevels(topic)

	// A topic starting with '$' only matches a filter whose root level
	// names it explicitly: '#' and '+' never match at the root against a
	// '$' topic (MQTT 5 section 4.7.2). Deeper-level wildcards are
	// unaffected, so "$SYS/#" still matches "$SYS/broker/uptime".
	if len(topicLevels) > 0 && strings.HasPrefix(topicLevels[0], "$") {
		if len(filterLevels) == 0 || filterLevels[0] == "#" || filterLevels[0] == "+" {
			return false
		}
	}

	return matchLevels(filterLevels, topicLevels)
}

func matchLevels(filterLevels, topicLevels []string) bool {
	filterLen := len(filterLevels)
	topicLen := len(topicLevels)

	fi := 0
	ti := 0

	for fi < filterLen && ti < topicLen {
		filterLevel := filterLevels[fi]
		topicLevel := topicLevels[ti]

		if filterLevel == "#" {
			return true
		}

		if filterLevel == "+" {
			fi++
			ti++
			continue
		}

		if filterLevel != topicLevel {
			return false
		}

		fi++
		ti++
	}

	if fi < filterLen {
		return filterLen-fi == 1 && filterLevels[fi] == "#"
	}

	return ti == topicLen
}
