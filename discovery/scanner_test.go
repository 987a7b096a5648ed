package discovery

import (
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/grandcat/zeroconf"

	"meshchat/crypto"
)

func TestScannerFiltersSelfAndManualRefresh(t *testing.T) {
	var browseCalls int32
	cfg := Config{
		UserID:          "self",
		RefreshInterval: time.Hour,
		ScanTimeout:     35 * time.Millisecond,
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			call := atomic.AddInt32(&browseCalls, 1)
			entries <- testServiceEntry("self", "Self", 9999, "10.0.0.1")
			entries <- testServiceEntry("bob", "Bob", 9998, "10.0.0.2")
			if call >= 2 {
				entries <- testServiceEntry("carol", "Carol", 9997, "10.0.0.3")
			}
			return nil
		},
	}

	scanner, err := NewScanner(cfg)
	if err != nil {
		t.Fatalf("NewScanner failed: %v", err)
	}
	scanner.Start()
	defer scanner.Stop()

	waitForCondition(t, time.Second, func() bool {
		peers := scanner.Peers()
		return len(peers) == 1 && peers[0].UserID == "bob"
	})

	if err := scanner.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}

	peers := scanner.Peers()
	if len(peers) != 2 || peers[0].UserID != "bob" || peers[1].UserID != "carol" {
		t.Fatalf("unexpected peers after refresh: %+v", peers)
	}
}

func TestScannerExpiresStalePeers(t *testing.T) {
	mock := clock.NewMock()
	mock.Set(time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC))

	var browseCalls int32
	cfg := Config{
		UserID:          "self",
		RefreshInterval: time.Hour,
		ScanTimeout:     25 * time.Millisecond,
		StaleAfter:      time.Minute,
		Clock:           mock,
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			if atomic.AddInt32(&browseCalls, 1) == 1 {
				entries <- testServiceEntry("bob", "Bob", 9998, "10.0.0.2")
			}
			entries <- testServiceEntry("carol", "Carol", 9997, "10.0.0.3")
			return nil
		},
	}

	scanner, err := NewScanner(cfg)
	if err != nil {
		t.Fatalf("NewScanner failed: %v", err)
	}
	scanner.Start()
	defer scanner.Stop()

	waitForCondition(t, time.Second, func() bool {
		return len(scanner.Peers()) == 2
	})

	mock.Add(30 * time.Second)
	if err := scanner.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	if len(scanner.Peers()) != 2 {
		t.Fatalf("expected bob to survive a single missed scan")
	}

	mock.Add(30 * time.Second)
	if err := scanner.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}

	peers := scanner.Peers()
	if len(peers) != 1 || peers[0].UserID != "carol" {
		t.Fatalf("expected only carol to remain, got %+v", peers)
	}
	if !waitForEvent(scanner.Events(), EventPeerRemoved, "bob", time.Second) {
		t.Fatalf("expected removal event for bob")
	}
}

func TestScannerRefreshIgnoresDeadlineExceededFromBrowse(t *testing.T) {
	cfg := Config{
		UserID:          "self",
		RefreshInterval: time.Hour,
		ScanTimeout:     35 * time.Millisecond,
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			entries <- testServiceEntry("bob", "Bob", 9998, "10.0.0.2")
			<-ctx.Done()
			return ctx.Err()
		},
	}

	scanner, err := NewScanner(cfg)
	if err != nil {
		t.Fatalf("NewScanner failed: %v", err)
	}
	scanner.Start()
	defer scanner.Stop()

	if err := scanner.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	if peers := scanner.Peers(); len(peers) != 1 || peers[0].UserID != "bob" {
		t.Fatalf("unexpected peers: %+v", peers)
	}
}

func TestScannerRefreshAfterStop(t *testing.T) {
	cfg := Config{
		UserID: "self",
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			return nil
		},
	}
	scanner, err := NewScanner(cfg)
	if err != nil {
		t.Fatalf("NewScanner failed: %v", err)
	}
	scanner.Start()
	scanner.Stop()

	if err := scanner.Refresh(context.Background()); err == nil {
		t.Fatalf("expected refresh on a stopped scanner to fail")
	}
	if _, open := <-scanner.Events(); open {
		t.Fatalf("expected events channel to be closed")
	}
}

func TestDiscoveredPeerHelpers(t *testing.T) {
	key, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair failed: %v", err)
	}
	publicKey, err := crypto.MarshalPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatalf("MarshalPublicKey failed: %v", err)
	}

	entry := testServiceEntry("bob", "Bob", 9998, "10.0.0.2")
	entry.AddrIPv6 = []net.IP{net.ParseIP("fe80::1")}
	entry.Text = append(entry.Text[:2], "key_fingerprint="+crypto.KeyFingerprint(publicKey))

	peer, ok := parseEntry(entry, "self")
	if !ok {
		t.Fatalf("expected entry to parse")
	}
	if !peer.MatchesKey(publicKey) {
		t.Fatalf("expected fingerprint to match key")
	}
	other, _ := crypto.GenerateKeyPair()
	otherKey, _ := crypto.MarshalPublicKey(&other.PublicKey)
	if peer.MatchesKey(otherKey) {
		t.Fatalf("expected fingerprint mismatch for another key")
	}

	address, ok := peer.DialAddress()
	if !ok || address != "10.0.0.2:9998" {
		t.Fatalf("unexpected dial address %q", address)
	}

	if _, ok := parseEntry(&zeroconf.ServiceEntry{Text: []string{"version=1"}}, "self"); ok {
		t.Fatalf("expected entry without user_id to be ignored")
	}
	if _, ok := (DiscoveredPeer{UserID: "x"}).DialAddress(); ok {
		t.Fatalf("expected no dial address without addresses")
	}
}

func testServiceEntry(userID, instance string, port int, ip string) *zeroconf.ServiceEntry {
	return &zeroconf.ServiceEntry{
		ServiceRecord: zeroconf.ServiceRecord{
			Instance: instance,
			Service:  DefaultService,
			Domain:   DefaultDomain,
		},
		HostName: instance + ".local",
		Port:     port,
		Text: []string{
			"user_id=" + userID,
			"version=1",
			"key_fingerprint=fingerprint-" + userID,
		},
		AddrIPv4: []net.IP{net.ParseIP(ip)},
	}
}

func waitForCondition(t *testing.T, timeout time.Duration, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met before timeout %s", timeout)
}

func waitForEvent(events <-chan Event, eventType EventType, userID string, timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		select {
		case event, ok := <-events:
			if !ok {
				return false
			}
			if event.Type == eventType && event.Peer.UserID == userID {
				return true
			}
		case <-deadline:
			return false
		}
	}
}
