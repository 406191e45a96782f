package utils

import (
	"strings"

	"go.mau.fi/whatsmeow/types"
)

// WhatsAppID normalises a phone number or group id into a full JID string.
// Ids already carrying a server pass through; ids with a dash are groups.
func WhatsAppID(id string) string {
	switch {
	case strings.Contains(id, "@"+types.GroupServer), strings.Contains(id, "@"+types.DefaultUserServer):
		return id
	case strings.Contains(id, "-"):
		return id + "@" + types.GroupServer
	default:
		return id + "@" + types.DefaultUserServer
	}
}

// ParseJID normalises id and parses it.
func ParseJID(id string) (types.JID, error) {
	return types.ParseJID(WhatsAppID(id))
}

// IsGroup reports whether id names a group chat.
func IsGroup(id string) bool {
	return strings.HasSuffix(id, "@"+types.GroupServer)
}
