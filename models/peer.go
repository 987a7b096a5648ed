package models

// PeerStatus is the presence state of a known peer.
type PeerStatus string

const (
	PeerOnline  PeerStatus = "online"
	PeerOffline PeerStatus = "offline"
	PeerPending PeerStatus = "pending"
)

// Valid reports whether s is a known presence state.
func (s PeerStatus) Valid() bool {
	switch s {
	case PeerOnline, PeerOffline, PeerPending:
		return true
	default:
		return false
	}
}

// Peer represents a known remote identity.
type Peer struct {
	ID         string     `json:"id"`
	PublicKey  []byte     `json:"public_key"`
	Status     PeerStatus `json:"status"`
	AddedAt    int64      `json:"added_at"`
	LastSeenAt int64      `json:"last_seen_at"`
}

// Group is a named set of peer IDs. Membership is not versioned.
type Group struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	MemberIDs []string `json:"member_ids"`
	CreatedAt int64    `json:"created_at"`
}

// HasMember reports whether peerID belongs to the group.
func (g Group) HasMember(peerID string) bool {
	for _, id := range g.MemberIDs {
		if id == peerID {
			return true
		}
	}
	return false
}
