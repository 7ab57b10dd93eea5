// Package sessions routes inbound messages to logical sessions and manages
// the agent sessions that serve them.
//
// Session keys follow the canonical format:
//
//	{agent}:{platform}:{peerKind}:{peerId}
//
// Where peerKind is "user" for direct conversations and "channel" for
// shared ones. Examples:
//
//	main:discord:user:386246614
//	main:telegram:channel:-100123456
//
// The key is deterministic: the same inputs always produce the same key,
// independent of agent-session churn.
package sessions

import (
	"fmt"
	"regexp"
	"strings"
)

// PeerKind distinguishes direct conversations from shared channels.
type PeerKind string

const (
	PeerUser    PeerKind = "user"
	PeerChannel PeerKind = "channel"
)

// keyPattern: four colon-separated non-empty segments.
var keyPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+:[A-Za-z0-9_-]+:[A-Za-z0-9_-]+:[A-Za-z0-9_-]+$`)

// BuildKey builds the canonical session key for a peer conversation.
func BuildKey(agentID, platform string, kind PeerKind, peerID string) string {
	return fmt.Sprintf("%s:%s:%s:%s", agentID, platform, kind, peerID)
}

// ParseKey splits a canonical key into its four segments. Returns an error
// for anything that does not match the key syntax.
func ParseKey(key string) (agentID, platform string, kind PeerKind, peerID string, err error) {
	if !ValidKey(key) {
		return "", "", "", "", fmt.Errorf("malformed session key %q", key)
	}
	parts := strings.SplitN(key, ":", 4)
	return parts[0], parts[1], PeerKind(parts[2]), parts[3], nil
}

// ValidKey reports whether key matches the session-key syntax.
func ValidKey(key string) bool {
	return keyPattern.MatchString(key)
}
