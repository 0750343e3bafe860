package mqttbroker

import (
	"fmt"
	"strings"
)

// MatchTopic reports whether topic matches filter, honouring the single level
// (+) and multi level (#) wildcards. Topics starting with $ only match
// filters that name the $ level explicitly.
func MatchTopic(filter, topic string) bool {
	if strings.HasPrefix(topic, "$") && !strings.HasPrefix(filter, "$") {
		return false
	}

	fl := strings.Split(filter, "/")
	tl := strings.Split(topic, "/")

	for i, f := range fl {
		if f == "#" {
			return true
		}
		if i >= len(tl) {
			return false
		}
		if f != "+" && f != tl[i] {
			return false
		}
	}
	return len(fl) == len(tl)
}

func validateTopicName(topic string) error {
	if topic == "" {
		return fmt.Errorf("empty topic")
	}
	if strings.ContainsAny(topic, "+#") {
		return fmt.Errorf("wildcard in topic name %q", topic)
	}
	return nil
}

func validateTopicFilter(filter string) error {
	if filter == "" {
		return fmt.Errorf("empty topic filter")
	}
	levels := strings.Split(filter, "/")
	for i, l := range levels {
		switch {
		case l == "#" && i != len(levels)-1:
			return fmt.Errorf("# must be the last level in %q", filter)
		case l != "#" && l != "+" && strings.ContainsAny(l, "+#"):
			return fmt.Errorf("wildcard must occupy a whole level in %q", filter)
		}
	}
	return nil
}
