package models

// ConversationKind distinguishes pairwise, group and broadcast threads.
type ConversationKind string

const (
	ConversationDirect    ConversationKind = "direct"
	ConversationGroup     ConversationKind = "group"
	ConversationBroadcast ConversationKind = "broadcast"
)

// Conversation is a message thread between two participants, a group, or
// the flood-broadcast channel.
type Conversation struct {
	ID            string           `json:"id"`
	Kind          ConversationKind `json:"kind"`
	ParticipantA  string           `json:"participant_a,omitempty"`
	ParticipantB  string           `json:"participant_b,omitempty"`
	GroupID       string           `json:"group_id,omitempty"`
	CreatedAt     int64            `json:"created_at"`
	LastMessageAt int64            `json:"last_message_at"`
}
