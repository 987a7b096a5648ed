package models

// DeliveryStatus is the delivery state of one message.
type DeliveryStatus string

const (
	DeliveryPending   DeliveryStatus = "pending"
	DeliverySent      DeliveryStatus = "sent"
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryFailed    DeliveryStatus = "failed"
)

// Valid reports whether s is one of the known delivery states.
func (s DeliveryStatus) Valid() bool {
	switch s {
	case DeliveryPending, DeliverySent, DeliveryDelivered, DeliveryFailed:
		return true
	default:
		return false
	}
}

// Terminal reports whether no further transition is allowed out of s.
func (s DeliveryStatus) Terminal() bool {
	return s == DeliveryDelivered || s == DeliveryFailed
}

// Message is one sent or received chat message.
//
// Content holds the plaintext when it is locally available; it is empty for
// messages whose plaintext was never known to this node.
type Message struct {
	ID             string         `json:"id"`
	ConversationID string         `json:"conversation_id"`
	SenderID       string         `json:"sender_id"`
	ReceiverID     string         `json:"receiver_id"`
	GroupID        string         `json:"group_id,omitempty"`
	Content        string         `json:"content,omitempty"`
	PlaintextHash  string         `json:"plaintext_hash"`
	Timestamp      int64          `json:"timestamp"`
	DeliveryStatus DeliveryStatus `json:"delivery_status"`
	Read           bool           `json:"read"`
	Sealed         *SealedPayload `json:"sealed,omitempty"`
}

// DeliveryTracking is retry bookkeeping for one outbound message while it
// awaits acknowledgement.
type DeliveryTracking struct {
	DeliveryID    string `json:"delivery_id"`
	PeerID        string `json:"peer_id"`
	Attempts      int    `json:"attempts"`
	LastAttemptAt int64  `json:"last_attempt_at"`
}
