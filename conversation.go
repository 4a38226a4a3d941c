package chatsync

import (
	"strings"
)

// Store layout.
const (
	UsersPath           = "users"
	DirectMessagesRoot  = "messages"
	GroupMessagesRoot   = "groupMessages"
	GroupConversationID = "global_chat"

	// DefaultSenderName is shown when neither the message nor the directory
	// carries a name for the sender.
	DefaultSenderName = "Utilisateur"
)

// ConversationID returns the identifier of the one-to-one conversation between
// a and b. The larger identifier comes first, so the result does not depend on
// which participant computes it.
func ConversationID(a, b string) string {
	if a > b {
		return a + "_" + b
	}
	return b + "_" + a
}

// UserPath returns the profile path of uid.
func UserPath(uid string) string {
	return joinPath(UsersPath, uid)
}

// DirectMessagesPath returns the message stream of the conversation between a and b.
func DirectMessagesPath(a, b string) string {
	return joinPath(DirectMessagesRoot, ConversationID(a, b))
}

// GroupMessagesPath returns the message stream of the global group conversation.
func GroupMessagesPath() string {
	return joinPath(GroupMessagesRoot, GroupConversationID)
}

func joinPath(parts ...string) string {
	return strings.Join(parts, "/")
}

// splitPath validates p and returns its segments.
func splitPath(p string) ([]string, error) {
	p = strings.Trim(p, "/")
	if p == "" {
		return nil, ErrInvalidPath
	}
	segs := strings.Split(p, "/")
	for _, s := range segs {
		if !validKey(s) {
			return nil, ErrInvalidPath
		}
	}
	return segs, nil
}

func validKey(k string) bool {
	return k != "" && !strings.ContainsAny(k, ".#$[]")
}

// isRelatedPath reports whether a change at changed is visible from a
// listener at watched: the same path, an ancestor or a descendant.
func isRelatedPath(watched, changed string) bool {
	return watched == changed ||
		strings.HasPrefix(changed, watched+"/") ||
		strings.HasPrefix(watched, changed+"/")
}
