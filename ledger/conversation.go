package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"meshchat/models"
)

const (
	// BroadcastConversationID is the single conversation holding flood broadcasts.
	BroadcastConversationID = "broadcast"

	directPrefix = "dm-"
	groupPrefix  = "group-"
	directIDHex  = 32
)

// DirectConversationID maps an unordered participant pair to its
// conversation id. The pair is sorted before hashing so argument order does
// not matter.
func DirectConversationID(a, b string) (string, error) {
	a, b = strings.TrimSpace(a), strings.TrimSpace(b)
	if a == "" || b == "" {
		return "", fmt.Errorf("direct conversation: %w: both participants are required", ErrInvalidConversationID)
	}
	if a > b {
		a, b = b, a
	}

	sum := sha256.Sum256([]byte(a + "\x00" + b))
	return directPrefix + hex.EncodeToString(sum[:])[:directIDHex], nil
}

// GroupConversationID returns the conversation id for a group.
func GroupConversationID(groupID string) (string, error) {
	groupID = strings.TrimSpace(groupID)
	if groupID == "" || strings.Contains(groupID, "/") {
		return "", fmt.Errorf("group conversation %q: %w", groupID, ErrInvalidConversationID)
	}
	return groupPrefix + groupID, nil
}

// ValidateConversationID rejects ids not produced by DirectConversationID,
// GroupConversationID or the broadcast id.
func ValidateConversationID(id string) error {
	switch {
	case id == BroadcastConversationID:
		return nil
	case strings.HasPrefix(id, directPrefix):
		suffix := id[len(directPrefix):]
		if len(suffix) != directIDHex {
			break
		}
		if _, err := hex.DecodeString(suffix); err != nil {
			break
		}
		if strings.ToLower(suffix) != suffix {
			break
		}
		return nil
	case strings.HasPrefix(id, groupPrefix):
		suffix := id[len(groupPrefix):]
		if strings.TrimSpace(suffix) == "" || strings.Contains(suffix, "/") {
			break
		}
		return nil
	}
	return fmt.Errorf("conversation %q: %w", id, ErrInvalidConversationID)
}

func kindOf(id string) models.ConversationKind {
	switch {
	case id == BroadcastConversationID:
		return models.ConversationBroadcast
	case strings.HasPrefix(id, groupPrefix):
		return models.ConversationGroup
	default:
		return models.ConversationDirect
	}
}
