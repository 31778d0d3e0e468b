package model

import (
	"fmt"
	"regexp"
	"strings"
)

// TicketType is the category of a support request. It is encoded into the
// ticket channel's topic and is immutable for the life of the ticket.
type TicketType string

const (
	TicketTypeBug     TicketType = "bug"
	TicketTypeSupport TicketType = "support"
)

// Label is the human-readable form used in reports and notifications.
func (t TicketType) Label() string {
	switch t {
	case TicketTypeBug:
		return "Bug report"
	case TicketTypeSupport:
		return "Support request"
	}
	return string(t)
}

func (t TicketType) Valid() bool {
	return t == TicketTypeBug || t == TicketTypeSupport
}

// TopicInfo is the decoded form of a ticket channel's topic. Either field
// may be empty when the topic does not carry the corresponding key.
type TopicInfo struct {
	OwnerID string
	Type    TicketType
}

// EncodeTopic renders the owner/type pair into the topic string that serves
// as the ticket's only persistent state.
func EncodeTopic(ownerID string, t TicketType) string {
	return fmt.Sprintf("ticket_owner:%s|ticket_type:%s", ownerID, t)
}

var (
	topicOwnerRe = regexp.MustCompile(`ticket_owner:([^|]+)`)
	topicTypeRe  = regexp.MustCompile(`ticket_type:([^|]+)`)
)

// ParseTopic extracts the owner and type from a channel topic. Each key is
// looked up independently, so field order does not matter and extra text
// around the keys is fine. Missing keys yield empty values, never an error.
func ParseTopic(topic string) TopicInfo {
	var info TopicInfo
	if m := topicOwnerRe.FindStringSubmatch(topic); m != nil {
		info.OwnerID = m[1]
	}
	if m := topicTypeRe.FindStringSubmatch(topic); m != nil {
		info.Type = TicketType(m[1])
	}
	return info
}

const maxChannelNameLen = 30

var disallowedNameChars = regexp.MustCompile(`[^a-z0-9а-яё\- ]`)
var whitespaceRuns = regexp.MustCompile(`\s+`)

// NormalizeChannelName derives a channel-safe name fragment from a user's
// display name: lowercase, restricted to latin/cyrillic letters, digits,
// hyphens and spaces, whitespace collapsed to hyphens, at most 30 runes.
func NormalizeChannelName(s string) string {
	s = strings.ToLower(s)
	s = disallowedNameChars.ReplaceAllString(s, "")
	s = strings.TrimSpace(s)
	s = whitespaceRuns.ReplaceAllString(s, "-")
	runes := []rune(s)
	if len(runes) > maxChannelNameLen {
		runes = runes[:maxChannelNameLen]
	}
	return string(runes)
}

// ChannelName builds the full ticket channel name, e.g. "bug-ivan-petrov".
func ChannelName(t TicketType, displayName string) string {
	return fmt.Sprintf("%s-%s", t, NormalizeChannelName(displayName))
}

// FieldNotProvided is rendered for optional form fields the user left blank.
const FieldNotProvided = "not provided"

// TruncateField caps a user-submitted value for display. Overlong values
// are cut with a trailing ellipsis rather than rejected.
func TruncateField(s string, max int) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return FieldNotProvided
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max-1]) + "…"
}
