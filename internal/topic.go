// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

// Package internal implements the topic template engine (component A) and
// the metadata marshaller (component D), plus the small timeout helper
// shared by every envoy.
package internal

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/kestrelmq/protocol/errors"
)

type (
	// TopicPattern applies constant and transient token maps to a named
	// topic pattern, producing either a concrete publish topic or a
	// subscription filter (spec §4.A).
	TopicPattern struct {
		name    string
		pattern string
		tokens  map[string]string
	}

	// TopicFilter is a resolved subscription filter that can also extract
	// token values from a matching concrete topic.
	TopicFilter struct {
		filter string
		regexp *regexp.Regexp
		tokens []string
	}
)

var (
	// A label is any run of printable ASCII excluding space, '"', '+', '#',
	// '{', '}', and '/' (spec §3).
	topicLabel = `[^ "+#{}/]+`
	topicToken = fmt.Sprintf(`{%s}`, topicLabel)
	topicLevel = fmt.Sprintf(`(%s|%s)`, topicLabel, topicToken)
	topicMatch = fmt.Sprintf(`(%s)`, topicLabel)

	matchLabel = regexp.MustCompile(fmt.Sprintf(`^%s$`, topicLabel))
	matchToken = regexp.MustCompile(topicToken)
	matchTopic = regexp.MustCompile(
		fmt.Sprintf(`^%s(/%s)*$`, topicLabel, topicLabel),
	)
	matchPattern = regexp.MustCompile(
		fmt.Sprintf(`^%s(/%s)*$`, topicLevel, topicLevel),
	)
)

// NewTopicPattern parses and validates a topic pattern, optionally prefixing
// it with a namespace. name identifies the pattern in error messages.
func NewTopicPattern(
	name, pattern string,
	tokens map[string]string,
	namespace string,
) (*TopicPattern, error) {
	if namespace != "" {
		if !ValidTopic(namespace) {
			return nil, &errors.Error{
				Message:      "invalid topic namespace",
				Kind:         errors.ConfigurationInvalid,
				PropertyName: "TopicNamespace",
				IsShallow:    true,
			}
		}
		pattern = namespace + "/" + pattern
	}

	if pattern == "" || strings.HasPrefix(pattern, "/") || strings.HasSuffix(pattern, "/") {
		return nil, &errors.Error{
			Message:      "topic pattern must not be empty or have leading/trailing slashes",
			Kind:         errors.ConfigurationInvalid,
			PropertyName: name,
			IsShallow:    true,
		}
	}
	if strings.HasPrefix(pattern, "$") {
		return nil, &errors.Error{
			Message:      "topic pattern must not start with '$'",
			Kind:         errors.ConfigurationInvalid,
			PropertyName: name,
			IsShallow:    true,
		}
	}
	if !matchPattern.MatchString(pattern) {
		return nil, &errors.Error{
			Message:      "invalid topic pattern",
			Kind:         errors.ConfigurationInvalid,
			PropertyName: name,
			IsShallow:    true,
		}
	}
	if err := validateTokens(errors.ConfigurationInvalid, tokens); err != nil {
		return nil, err
	}

	return &TopicPattern{name: name, pattern: pattern, tokens: tokens}, nil
}

// Topic fully resolves the pattern for publishing, merging transientTokens
// (checked first) over the constant tokens bound at construction. An
// unresolved token is a ConfigurationInvalid error (spec §4.A).
func (tp *TopicPattern) Topic(transientTokens map[string]string) (string, error) {
	if err := validateTokens(errors.ArgumentInvalid, transientTokens); err != nil {
		return "", err
	}

	topic := tp.pattern
	for token, value := range transientTokens {
		topic = strings.ReplaceAll(topic, "{"+token+"}", value)
	}
	for token, value := range tp.tokens {
		topic = strings.ReplaceAll(topic, "{"+token+"}", value)
	}

	if !ValidTopic(topic) {
		return "", &errors.Error{
			Message:      "topic pattern has unresolved tokens",
			Kind:         errors.ConfigurationInvalid,
			PropertyName: tp.name,
			HeaderValue:  topic,
		}
	}
	return topic, nil
}

// Filter builds a subscription filter: tokens bound at construction are
// substituted, any remaining unresolved token becomes a single-level
// wildcard ("+"), per spec §4.A.
func (tp *TopicPattern) Filter() (*TopicFilter, error) {
	rx, err := regexp.Compile("^" + matchToken.ReplaceAllString(tp.pattern, topicMatch) + "$")
	if err != nil {
		return nil, &errors.Error{Message: "failed to compile topic filter", Kind: errors.ConfigurationInvalid, NestedError: err}
	}

	tok := matchToken.FindAllString(tp.pattern, -1)
	tokens := make([]string, len(tok))
	for i, t := range tok {
		tokens[i] = t[1 : len(t)-1]
	}

	filter := tp.pattern
	for token, value := range tp.tokens {
		filter = strings.ReplaceAll(filter, "{"+token+"}", value)
	}
	filter = matchToken.ReplaceAllString(filter, "+")

	return &TopicFilter{filter: filter, regexp: rx, tokens: tokens}, nil
}

// Filter returns the MQTT subscription filter string.
func (tf *TopicFilter) Filter() string { return tf.filter }

// Tokens extracts the token-value map from a concrete topic matching this
// filter's pattern (positional match, spec §4.A). Returns false if topic
// does not match.
func (tf *TopicFilter) Tokens(topic string) (map[string]string, bool) {
	m := tf.regexp.FindStringSubmatch(topic)
	if m == nil {
		return nil, false
	}
	values := m[1:]
	result := make(map[string]string, len(values))
	for i, val := range values {
		if i < len(tf.tokens) {
			result[tf.tokens[i]] = val
		}
	}
	return result, true
}

// ValidTopic reports whether s is a fully-resolved concrete MQTT topic (no
// wildcards, no unresolved tokens).
func ValidTopic(s string) bool { return matchTopic.MatchString(s) }

// ValidateTopicPatternComponent validates a standalone pattern component
// (e.g. a response-topic prefix/suffix) using the pattern grammar.
func ValidateTopicPatternComponent(name, msg, s string) error {
	if !matchPattern.MatchString(s) {
		return &errors.Error{Message: msg, Kind: errors.ConfigurationInvalid, PropertyName: name, IsShallow: true}
	}
	return nil
}

// ValidateShareName validates an MQTT shared-subscription group name.
func ValidateShareName(shareName string) error {
	if shareName != "" && !matchLabel.MatchString(shareName) {
		return &errors.Error{
			Message:      "invalid share name",
			Kind:         errors.ConfigurationInvalid,
			PropertyName: "ShareName",
			IsShallow:    true,
		}
	}
	return nil
}

// validateTokens checks that every token name and value is itself a valid
// label, or (for values) a multi-label slash-separated sequence of valid
// labels (spec §3: "Token replacements must themselves be valid labels or
// multi-label slash-separated sequences"). kind distinguishes a
// ConfigurationInvalid (tokens bound at construction) from an
// ArgumentInvalid (tokens bound per-call).
func validateTokens(kind errors.Kind, tokens map[string]string) error {
	for k, v := range tokens {
		if !matchLabel.MatchString(k) {
			return &errors.Error{
				Message:      "invalid topic token name",
				Kind:         kind,
				PropertyName: k,
				IsShallow:    true,
			}
		}
		if !isValidTokenValue(v) {
			return &errors.Error{
				Message:      "invalid topic token value",
				Kind:         kind,
				PropertyName: k,
				HeaderValue:  v,
				IsShallow:    true,
			}
		}
	}
	return nil
}

func isValidTokenValue(v string) bool {
	if v == "" {
		return false
	}
	for _, label := range strings.Split(v, "/") {
		if !matchLabel.MatchString(label) {
			return false
		}
	}
	return true
}
