// Package topic parses MQTT topic names and filters into level sequences.
//
// Regular topics get an empty leading level so that system topics ("$SYS/...")
// and normalized shared-subscription filters can share one trie traversal:
//
//	"a/b"            -> ["", "a", "b"]
//	"$SYS/broker/up" -> ["$SYS", "broker", "up"]
//	"$share/g/a/b"   -> ["", "a", "b"] with group "g"
package topic

import (
	"errors"
	"strings"
)

// Wildcard level tokens.
const (
	// MatchOne matches exactly one topic level in a filter.
	MatchOne = "+"
	// MatchAll matches zero or more trailing topic levels; only valid as
	// the final filter level.
	MatchAll = "#"

	sharePrefix = "$share"
)

var (
	// ErrInvalidTopic is returned for an empty topic, a malformed $share
	// form, or a filter with a non-final '#'.
	ErrInvalidTopic = errors.New("topic: invalid topic")

	// ErrInvalidName is returned when a published topic name contains a
	// wildcard. Wildcards are subscription-only.
	ErrInvalidName = errors.New("topic: wildcard in topic name")
)

// Levels is an ordered sequence of topic levels. The first element is ""
// for regular topics and the literal first segment for $-prefixed system
// topics.
type Levels []string

// String re-joins the levels into the original topic form.
func (l Levels) String() string {
	if len(l) > 0 && l[0] == "" {
		return strings.Join(l[1:], "/")
	}
	return strings.Join(l, "/")
}

// HasWildcard reports whether any level is a wildcard token.
func (l Levels) HasWildcard() bool {
	for _, lv := range l {
		if lv == MatchOne || lv == MatchAll {
			return true
		}
	}
	return false
}

// Split parses a topic into its level sequence. For the shared-subscription
// form "$share/<group>/<filter>" it returns the extracted group name and the
// filter levels normalized like a regular topic; for everything else the
// group is "".
func Split(name string) (Levels, string, error) {
	if name == "" {
		return nil, "", ErrInvalidTopic
	}

	parts := strings.Split(name, "/")
	if parts[0] != sharePrefix {
		if strings.HasPrefix(parts[0], "$") {
			return Levels(parts), "", nil
		}
		levels := make(Levels, 0, len(parts)+1)
		levels = append(levels, "")
		return append(levels, parts...), "", nil
	}

	// $share/<group>/<filter>: at least three levels, non-empty group and
	// a non-empty first filter segment.
	if len(parts) < 3 || parts[1] == "" || parts[2] == "" {
		return nil, "", ErrInvalidTopic
	}
	group := parts[1]
	levels := make(Levels, 0, len(parts)-1)
	levels = append(levels, "")
	return append(levels, parts[2:]...), group, nil
}

// SplitFilter parses a subscription filter: Split plus wildcard placement
// validation ('#' must be the final level).
func SplitFilter(filter string) (Levels, string, error) {
	levels, group, err := Split(filter)
	if err != nil {
		return nil, "", err
	}
	for i, lv := range levels {
		if lv == MatchAll && i != len(levels)-1 {
			return nil, "", ErrInvalidTopic
		}
	}
	return levels, group, nil
}

// SplitName parses a published topic name. Names containing wildcards are
// rejected with ErrInvalidName.
func SplitName(name string) (Levels, error) {
	levels, group, err := Split(name)
	if err != nil {
		return nil, err
	}
	if group != "" {
		// $share/... is not a publishable topic.
		return nil, ErrInvalidTopic
	}
	if levels.HasWildcard() {
		return nil, ErrInvalidName
	}
	return levels, nil
}
