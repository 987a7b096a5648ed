package directory

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"meshchat/crypto"
	"meshchat/models"
	"meshchat/storage"
)

const (
	bucketPeers  = "peers"
	bucketGroups = "groups"
)

var (
	ErrPeerNotFound  = errors.New("directory: peer not found")
	ErrGroupNotFound = errors.New("directory: group not found")
	ErrKeyMismatch   = errors.New("directory: public key does not match registered key")
)

// Directory tracks known peers, their trust-on-first-use public keys and
// presence, plus locally defined groups. State is cached in memory and
// written through to the KV store.
type Directory struct {
	mu     sync.RWMutex
	kv     storage.KV
	peers  map[string]models.Peer
	groups map[string]models.Group
	now    func() time.Time
}

// Open loads persisted peers and groups from kv.
func Open(ctx context.Context, kv storage.KV) (*Directory, error) {
	if kv == nil {
		return nil, errors.New("directory: kv store is required")
	}
	d := &Directory{
		kv:     kv,
		peers:  make(map[string]models.Peer),
		groups: make(map[string]models.Group),
		now:    time.Now,
	}

	peerRecords, err := kv.Scan(ctx, bucketPeers, storage.ScanOptions{})
	if err != nil {
		return nil, fmt.Errorf("load peers: %w", err)
	}
	for _, record := range peerRecords {
		var peer models.Peer
		if err := json.Unmarshal(record.Value, &peer); err != nil {
			return nil, fmt.Errorf("decode peer %q: %w", record.Key, err)
		}
		d.peers[peer.ID] = peer
	}

	groupRecords, err := kv.Scan(ctx, bucketGroups, storage.ScanOptions{})
	if err != nil {
		return nil, fmt.Errorf("load groups: %w", err)
	}
	for _, record := range groupRecords {
		var group models.Group
		if err := json.Unmarshal(record.Value, &group); err != nil {
			return nil, fmt.Errorf("decode group %q: %w", record.Key, err)
		}
		d.groups[group.ID] = group
	}

	return d, nil
}

// RegisterPeer records a peer's public key on first contact. Registering a
// known peer with the same key is a no-op that returns the stored peer; a
// different key fails with ErrKeyMismatch. status applies only to new peers.
func (d *Directory) RegisterPeer(ctx context.Context, id string, publicKey []byte, status models.PeerStatus) (models.Peer, bool, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return models.Peer{}, false, errors.New("peer id is required")
	}
	if _, err := crypto.ParsePublicKey(publicKey); err != nil {
		return models.Peer{}, false, fmt.Errorf("register peer %q: %w", id, err)
	}
	if status == "" {
		status = models.PeerOffline
	}
	if !status.Valid() {
		return models.Peer{}, false, fmt.Errorf("register peer %q: unknown status %q", id, status)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if existing, ok := d.peers[id]; ok {
		if !bytes.Equal(existing.PublicKey, publicKey) {
			return existing, false, fmt.Errorf("register peer %q: %w", id, ErrKeyMismatch)
		}
		return existing, false, nil
	}

	now := d.now().UnixMilli()
	peer := models.Peer{
		ID:        id,
		PublicKey: append([]byte(nil), publicKey...),
		Status:    status,
		AddedAt:   now,
	}
	if status == models.PeerOnline {
		peer.LastSeenAt = now
	}
	if err := d.savePeer(ctx, peer); err != nil {
		return models.Peer{}, false, err
	}
	d.peers[id] = peer
	return peer, true, nil
}

// Peer returns a known peer.
func (d *Directory) Peer(id string) (models.Peer, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	peer, ok := d.peers[id]
	if !ok {
		return models.Peer{}, fmt.Errorf("peer %q: %w", id, ErrPeerNotFound)
	}
	return peer, nil
}

// UpdateStatus sets a peer's presence. LastSeenAt is stamped whenever the
// peer is reported online. changed is false when the status was already set.
func (d *Directory) UpdateStatus(ctx context.Context, id string, status models.PeerStatus) (models.Peer, bool, error) {
	if !status.Valid() {
		return models.Peer{}, false, fmt.Errorf("update peer %q: unknown status %q", id, status)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	peer, ok := d.peers[id]
	if !ok {
		return models.Peer{}, false, fmt.Errorf("peer %q: %w", id, ErrPeerNotFound)
	}
	changed := peer.Status != status
	peer.Status = status
	if status == models.PeerOnline {
		peer.LastSeenAt = d.now().UnixMilli()
	}
	if err := d.savePeer(ctx, peer); err != nil {
		return models.Peer{}, false, err
	}
	d.peers[id] = peer
	return peer, changed, nil
}

// Touch records activity from a peer without changing its status.
func (d *Directory) Touch(ctx context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	peer, ok := d.peers[id]
	if !ok {
		return fmt.Errorf("peer %q: %w", id, ErrPeerNotFound)
	}
	peer.LastSeenAt = d.now().UnixMilli()
	if err := d.savePeer(ctx, peer); err != nil {
		return err
	}
	d.peers[id] = peer
	return nil
}

// RemovePeer forgets a peer and its key.
func (d *Directory) RemovePeer(ctx context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.peers[id]; !ok {
		return fmt.Errorf("peer %q: %w", id, ErrPeerNotFound)
	}
	if err := d.kv.Delete(ctx, bucketPeers, id); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("delete peer %q: %w", id, err)
	}
	delete(d.peers, id)
	return nil
}

// Peers returns all known peers sorted by id.
func (d *Directory) Peers() []models.Peer {
	return d.filterPeers(func(models.Peer) bool { return true })
}

// OnlinePeers returns peers currently marked online, sorted by id.
func (d *Directory) OnlinePeers() []models.Peer {
	return d.filterPeers(func(p models.Peer) bool { return p.Status == models.PeerOnline })
}

func (d *Directory) filterPeers(keep func(models.Peer) bool) []models.Peer {
	d.mu.RLock()
	peers := make([]models.Peer, 0, len(d.peers))
	for _, peer := range d.peers {
		if keep(peer) {
			peers = append(peers, peer)
		}
	}
	d.mu.RUnlock()

	sort.Slice(peers, func(i, j int) bool { return peers[i].ID < peers[j].ID })
	return peers
}

func (d *Directory) savePeer(ctx context.Context, peer models.Peer) error {
	raw, err := json.Marshal(peer)
	if err != nil {
		return fmt.Errorf("encode peer %q: %w", peer.ID, err)
	}
	if err := d.kv.Put(ctx, bucketPeers, peer.ID, raw, peer.AddedAt); err != nil {
		return fmt.Errorf("save peer %q: %w", peer.ID, err)
	}
	return nil
}
