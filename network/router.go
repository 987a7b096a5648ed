package network

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"

	"meshchat/crypto"
	"meshchat/directory"
	"meshchat/ledger"
	"meshchat/metrics"
	"meshchat/models"
)

const (
	DefaultMaxRetries    = 3
	DefaultRetryInterval = 5 * time.Second
	DefaultBroadcastTTL  = 5
	DefaultSeenCacheSize = 4096
	DefaultSeenCacheTTL  = 10 * time.Minute
	DefaultGroupFanout   = 8
)

// Transport delivers opaque bytes to a peer. A nil error means the peer's
// transport accepted the bytes, not that the message was processed.
type Transport interface {
	SendBytes(ctx context.Context, peerID string, payload []byte) error
}

// IdentityProvider supplies the verified local user id.
type IdentityProvider interface {
	CurrentUserID() string
}

// RouterOptions wires a Router to its collaborators and policy values.
// Zero policy values fall back to the package defaults.
type RouterOptions struct {
	Identity  IdentityProvider
	Keys      *crypto.KeyStore
	Engine    *crypto.Engine
	Directory *directory.Directory
	Ledger    *ledger.Ledger
	Transport Transport

	Logger  *zap.Logger
	Metrics *metrics.Metrics
	Clock   clock.Clock

	MaxRetries    int
	RetryInterval time.Duration
	BroadcastTTL  int
	SeenCacheSize int
	SeenCacheTTL  time.Duration
	GroupFanout   int
}

// Router sends direct, group and broadcast messages, runs the receive path
// and tracks outbound deliveries until they are acknowledged or fail.
type Router struct {
	options RouterOptions
	logger  *zap.Logger
	metrics *metrics.Metrics
	clock   clock.Clock

	mu       sync.Mutex
	tracking map[string]*pendingDelivery

	seen *expirable.LRU[string, struct{}]

	listenerMu sync.RWMutex
	listeners  []Listener
}

type pendingDelivery struct {
	tracking models.DeliveryTracking
	payload  []byte
}

func NewRouter(options RouterOptions) (*Router, error) {
	if options.Identity == nil {
		return nil, errors.New("identity provider is required")
	}
	if options.Keys == nil {
		return nil, errors.New("key store is required")
	}
	if options.Engine == nil {
		return nil, errors.New("crypto engine is required")
	}
	if options.Directory == nil {
		return nil, errors.New("directory is required")
	}
	if options.Ledger == nil {
		return nil, errors.New("ledger is required")
	}
	if options.Transport == nil {
		return nil, errors.New("transport is required")
	}
	if options.Logger == nil {
		options.Logger = zap.NewNop()
	}
	if options.Clock == nil {
		options.Clock = clock.New()
	}
	if options.MaxRetries <= 0 {
		options.MaxRetries = DefaultMaxRetries
	}
	if options.RetryInterval <= 0 {
		options.RetryInterval = DefaultRetryInterval
	}
	if options.BroadcastTTL <= 0 {
		options.BroadcastTTL = DefaultBroadcastTTL
	}
	if options.SeenCacheSize <= 0 {
		options.SeenCacheSize = DefaultSeenCacheSize
	}
	if options.SeenCacheTTL <= 0 {
		options.SeenCacheTTL = DefaultSeenCacheTTL
	}
	if options.GroupFanout <= 0 {
		options.GroupFanout = DefaultGroupFanout
	}

	return &Router{
		options:  options,
		logger:   options.Logger.Named("router"),
		metrics:  options.Metrics,
		clock:    options.Clock,
		tracking: make(map[string]*pendingDelivery),
		seen:     expirable.NewLRU[string, struct{}](options.SeenCacheSize, nil, options.SeenCacheTTL),
	}, nil
}

// Run drives delivery retries on a fixed interval until ctx is done.
func (r *Router) Run(ctx context.Context) error {
	ticker := r.clock.Ticker(r.options.RetryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.retryPending(ctx)
		}
	}
}

// Delivery returns the retry bookkeeping for an in-flight message.
func (r *Router) Delivery(messageID string) (models.DeliveryTracking, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	pending, ok := r.tracking[messageID]
	if !ok {
		return models.DeliveryTracking{}, false
	}
	return pending.tracking, true
}

// PendingDeliveries returns the number of messages awaiting acknowledgement.
func (r *Router) PendingDeliveries() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tracking)
}

// RegisterPeer records a peer's public key, trust-on-first-use.
func (r *Router) RegisterPeer(ctx context.Context, peerID string, publicKey []byte) (models.Peer, error) {
	peer, created, err := r.options.Directory.RegisterPeer(ctx, peerID, publicKey, models.PeerOffline)
	if err != nil {
		return models.Peer{}, err
	}
	if created {
		r.notifyPeerStatus(peer)
	}
	return peer, nil
}

// UpdatePeerStatus sets a peer's presence. A peer coming online gets its
// pending deliveries retried immediately.
func (r *Router) UpdatePeerStatus(ctx context.Context, peerID string, status models.PeerStatus) (models.Peer, error) {
	peer, changed, err := r.options.Directory.UpdateStatus(ctx, peerID, status)
	if err != nil {
		return models.Peer{}, err
	}
	if changed {
		r.notifyPeerStatus(peer)
		if status == models.PeerOnline {
			r.retryPeer(ctx, peerID)
		}
	}
	return peer, nil
}

// OnlinePeers returns peers currently marked online.
func (r *Router) OnlinePeers() []models.Peer {
	return r.options.Directory.OnlinePeers()
}

// DeleteConversation cancels in-flight deliveries for a conversation and
// removes it with all of its messages.
func (r *Router) DeleteConversation(ctx context.Context, conversationID string) error {
	deleted, err := r.options.Ledger.DeleteConversation(ctx, conversationID)
	r.mu.Lock()
	for _, id := range deleted {
		delete(r.tracking, id)
	}
	r.updatePendingGauge()
	r.mu.Unlock()
	if err != nil {
		return fmt.Errorf("delete conversation %q: %w", conversationID, err)
	}
	return nil
}

func (r *Router) localIdentity() (*models.Identity, error) {
	userID := r.options.Identity.CurrentUserID()
	if userID == "" {
		return nil, errors.New("no local user id")
	}
	identity, err := r.options.Keys.Identity(userID)
	if err != nil {
		return nil, fmt.Errorf("load local identity: %w", err)
	}
	return identity, nil
}

func (r *Router) now() int64 {
	return r.clock.Now().UnixMilli()
}

// updatePendingGauge must be called with r.mu held.
func (r *Router) updatePendingGauge() {
	r.metrics.SetPendingDeliveries(len(r.tracking))
}
