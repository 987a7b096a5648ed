package discovery

import (
	"context"
	"errors"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
	"go.uber.org/zap"

	"meshchat/crypto"
)

const (
	// EventPeerUpserted is emitted when a peer appears or its record changes.
	EventPeerUpserted EventType = "peer_upserted"
	// EventPeerRemoved is emitted when a peer has not been seen for StaleAfter.
	EventPeerRemoved EventType = "peer_removed"
)

// EventType identifies discovery updates.
type EventType string

// Event carries one discovery update.
type Event struct {
	Type EventType
	Peer DiscoveredPeer
}

// DiscoveredPeer is a meshchat node seen on the LAN.
type DiscoveredPeer struct {
	UserID         string
	Instance       string
	KeyFingerprint string
	Version        int
	HostName       string
	Port           int
	Addresses      []string
	LastSeen       time.Time
}

// DialAddress returns host:port for the first advertised address, IPv4
// first.
func (p DiscoveredPeer) DialAddress() (string, bool) {
	if len(p.Addresses) == 0 || p.Port <= 0 {
		return "", false
	}
	return net.JoinHostPort(p.Addresses[0], strconv.Itoa(p.Port)), true
}

// MatchesKey reports whether the advertised fingerprint belongs to publicKey.
func (p DiscoveredPeer) MatchesKey(publicKey []byte) bool {
	return p.KeyFingerprint != "" && strings.EqualFold(p.KeyFingerprint, crypto.KeyFingerprint(publicKey))
}

type refreshRequest struct {
	ctx  context.Context
	done chan error
}

// Scanner browses for peers periodically and on demand.
type Scanner struct {
	cfg    Config
	logger *zap.Logger
	browse browseFunc

	mu    sync.RWMutex
	peers map[string]DiscoveredPeer

	events chan Event

	startOnce sync.Once
	stopOnce  sync.Once

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	refreshRequests chan refreshRequest
}

// NewScanner creates a scanner with config defaults applied.
func NewScanner(config Config) (*Scanner, error) {
	cfg := config.withDefaults()
	if strings.TrimSpace(cfg.UserID) == "" {
		return nil, errors.New("user ID is required")
	}

	browse := cfg.browseFn
	if browse == nil {
		resolver, err := zeroconf.NewResolver(nil)
		if err != nil {
			return nil, err
		}
		browse = resolver.Browse
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Scanner{
		cfg:             cfg,
		logger:          cfg.Logger.Named("discovery"),
		browse:          browse,
		peers:           make(map[string]DiscoveredPeer),
		events:          make(chan Event, 128),
		ctx:             ctx,
		cancel:          cancel,
		refreshRequests: make(chan refreshRequest),
	}, nil
}

// Start begins background browsing.
func (s *Scanner) Start() {
	s.startOnce.Do(func() {
		s.wg.Add(1)
		go s.loop()
	})
}

// Stop stops browsing and closes Events.
func (s *Scanner) Stop() {
	s.stopOnce.Do(func() {
		s.cancel()
		s.wg.Wait()
		close(s.events)
	})
}

// Events delivers discovery updates. Updates are dropped when the buffer is full.
func (s *Scanner) Events() <-chan Event {
	return s.events
}

// Refresh runs a scan now and waits for it.
func (s *Scanner) Refresh(ctx context.Context) error {
	req := refreshRequest{ctx: ctx, done: make(chan error, 1)}

	select {
	case s.refreshRequests <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return errors.New("scanner is stopped")
	}

	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return errors.New("scanner is stopped")
	}
}

// Peers returns the currently known peers sorted by user id.
func (s *Scanner) Peers() []DiscoveredPeer {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]DiscoveredPeer, 0, len(s.peers))
	for _, peer := range s.peers {
		out = append(out, peer)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

func (s *Scanner) loop() {
	defer s.wg.Done()

	s.runScan(context.Background())

	ticker := s.cfg.Clock.Ticker(s.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := s.runScan(context.Background()); err != nil {
				s.logger.Warn("mDNS browse failed", zap.Error(err))
			}
		case req := <-s.refreshRequests:
			req.done <- s.runScan(req.ctx)
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Scanner) runScan(requestCtx context.Context) error {
	scanCtx, cancel := context.WithTimeout(s.ctx, s.cfg.ScanTimeout)
	defer cancel()

	stop := context.AfterFunc(requestCtx, cancel)
	defer stop()

	entries := make(chan *zeroconf.ServiceEntry, 32)
	collected := make(map[string]DiscoveredPeer)
	collectorDone := make(chan struct{})

	go func() {
		defer close(collectorDone)
		for {
			select {
			case <-scanCtx.Done():
				return
			case entry := <-entries:
				if entry == nil {
					continue
				}
				peer, ok := parseEntry(entry, s.cfg.UserID)
				if !ok {
					continue
				}
				collected[peer.UserID] = peer
			}
		}
	}()

	browseErr := s.browse(scanCtx, s.cfg.Service, s.cfg.Domain, entries)
	if browseErr != nil && !errors.Is(browseErr, context.DeadlineExceeded) && !errors.Is(browseErr, context.Canceled) {
		cancel()
		<-collectorDone
		return browseErr
	}

	<-scanCtx.Done()
	<-collectorDone

	s.merge(collected)
	return nil
}

// merge records the peers seen in one scan window and expires peers that
// have not been seen for StaleAfter.
func (s *Scanner) merge(seen map[string]DiscoveredPeer) {
	now := s.cfg.Clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	for id, peer := range seen {
		peer.LastSeen = now
		old, exists := s.peers[id]
		s.peers[id] = peer
		if !exists || !sameRecord(old, peer) {
			s.emit(Event{Type: EventPeerUpserted, Peer: peer})
		}
	}

	for id, peer := range s.peers {
		if now.Sub(peer.LastSeen) >= s.cfg.StaleAfter {
			delete(s.peers, id)
			s.emit(Event{Type: EventPeerRemoved, Peer: peer})
		}
	}
}

func (s *Scanner) emit(event Event) {
	select {
	case s.events <- event:
	default:
		s.logger.Debug("discovery event dropped", zap.String("user_id", event.Peer.UserID))
	}
}

func parseEntry(entry *zeroconf.ServiceEntry, selfUserID string) (DiscoveredPeer, bool) {
	txt := txtToMap(entry.Text)

	userID := txt[txtUserID]
	if userID == "" || userID == selfUserID {
		return DiscoveredPeer{}, false
	}

	version, _ := strconv.Atoi(txt[txtVersion])

	addresses := make([]string, 0, len(entry.AddrIPv4)+len(entry.AddrIPv6))
	seen := make(map[string]struct{})
	for _, ip := range append(append([]net.IP(nil), entry.AddrIPv4...), entry.AddrIPv6...) {
		if ip == nil {
			continue
		}
		raw := ip.String()
		if _, exists := seen[raw]; exists {
			continue
		}
		seen[raw] = struct{}{}
		addresses = append(addresses, raw)
	}

	return DiscoveredPeer{
		UserID:         userID,
		Instance:       strings.TrimSpace(entry.Instance),
		KeyFingerprint: txt[txtKeyFingerprint],
		Version:        version,
		HostName:       entry.HostName,
		Port:           entry.Port,
		Addresses:      addresses,
	}, true
}

func txtToMap(text []string) map[string]string {
	out := make(map[string]string, len(text))
	for _, entry := range text {
		key, value, ok := strings.Cut(entry, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			continue
		}
		out[key] = strings.TrimSpace(value)
	}
	return out
}

func sameRecord(a, b DiscoveredPeer) bool {
	if a.UserID != b.UserID ||
		a.Instance != b.Instance ||
		a.KeyFingerprint != b.KeyFingerprint ||
		a.Version != b.Version ||
		a.HostName != b.HostName ||
		a.Port != b.Port ||
		len(a.Addresses) != len(b.Addresses) {
		return false
	}
	for i := range a.Addresses {
		if a.Addresses[i] != b.Addresses[i] {
			return false
		}
	}
	return true
}
