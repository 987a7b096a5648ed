// Package discovery announces the local node on the LAN over mDNS and
// browses for other meshchat nodes. It only learns addresses: public keys
// come from the directory and a discovered peer is matched against them by
// key fingerprint.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/grandcat/zeroconf"
	"go.uber.org/zap"
)

const (
	// DefaultService is the mDNS service name without domain suffix.
	DefaultService = "_meshchat._tcp"
	// DefaultDomain is the mDNS domain.
	DefaultDomain = "local."
	// DefaultVersion is the TXT record protocol version.
	DefaultVersion = 1
	// DefaultRefreshInterval is the background browse interval.
	DefaultRefreshInterval = 10 * time.Second
	// DefaultScanTimeout bounds each browse window.
	DefaultScanTimeout = 3 * time.Second
	// DefaultStaleAfter removes peers missing from scans for this long.
	DefaultStaleAfter = 30 * time.Second

	txtUserID         = "user_id"
	txtVersion        = "version"
	txtKeyFingerprint = "key_fingerprint"
)

type registerFunc func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error)
type browseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

// Config controls mDNS announcement and browsing.
type Config struct {
	Service         string
	Domain          string
	Version         int
	RefreshInterval time.Duration
	ScanTimeout     time.Duration
	StaleAfter      time.Duration

	UserID         string
	DisplayName    string
	Port           int
	KeyFingerprint string

	Logger *zap.Logger
	Clock  clock.Clock

	registerFn registerFunc
	browseFn   browseFunc
}

func (c Config) withDefaults() Config {
	out := c
	if out.Service == "" {
		out.Service = DefaultService
	}
	if out.Domain == "" {
		out.Domain = DefaultDomain
	}
	if out.Version == 0 {
		out.Version = DefaultVersion
	}
	if out.RefreshInterval <= 0 {
		out.RefreshInterval = DefaultRefreshInterval
	}
	if out.ScanTimeout <= 0 {
		out.ScanTimeout = DefaultScanTimeout
	}
	if out.StaleAfter <= 0 {
		out.StaleAfter = DefaultStaleAfter
	}
	if out.Logger == nil {
		out.Logger = zap.NewNop()
	}
	if out.Clock == nil {
		out.Clock = clock.New()
	}
	if out.registerFn == nil {
		out.registerFn = zeroconf.Register
	}
	return out
}

func (c Config) validateForAnnounce() error {
	if strings.TrimSpace(c.UserID) == "" {
		return errors.New("user ID is required")
	}
	if c.Port <= 0 {
		return errors.New("port must be > 0")
	}
	if c.KeyFingerprint == "" {
		return errors.New("key fingerprint is required")
	}
	return nil
}

func (c Config) txtRecords() []string {
	return []string{
		txtUserID + "=" + c.UserID,
		txtVersion + "=" + strconv.Itoa(c.Version),
		txtKeyFingerprint + "=" + c.KeyFingerprint,
	}
}

// Announcer advertises the local node via mDNS.
type Announcer struct {
	server *zeroconf.Server
}

// StartAnnouncer registers the local node's mDNS service.
func StartAnnouncer(config Config) (*Announcer, error) {
	cfg := config.withDefaults()
	if err := cfg.validateForAnnounce(); err != nil {
		return nil, err
	}

	instance := strings.TrimSpace(cfg.DisplayName)
	if instance == "" {
		instance = cfg.UserID
	}

	server, err := cfg.registerFn(instance, cfg.Service, cfg.Domain, cfg.Port, cfg.txtRecords(), nil)
	if err != nil {
		return nil, fmt.Errorf("register mDNS service: %w", err)
	}
	cfg.Logger.Named("discovery").Info("announcing on mDNS",
		zap.String("service", cfg.Service),
		zap.String("instance", instance),
		zap.Int("port", cfg.Port),
	)

	return &Announcer{server: server}, nil
}

// Stop withdraws the mDNS announcement.
func (a *Announcer) Stop() {
	if a == nil || a.server == nil {
		return
	}
	a.server.Shutdown()
}

// Service couples an Announcer and a Scanner started from one config.
type Service struct {
	Announcer *Announcer
	Scanner   *Scanner
}

// Start announces the local node and starts browsing.
func Start(config Config) (*Service, error) {
	cfg := config.withDefaults()

	announcer, err := StartAnnouncer(cfg)
	if err != nil {
		return nil, err
	}

	scanner, err := NewScanner(cfg)
	if err != nil {
		announcer.Stop()
		return nil, err
	}
	scanner.Start()

	return &Service{Announcer: announcer, Scanner: scanner}, nil
}

// Stop stops scanning and withdraws the announcement.
func (s *Service) Stop() {
	if s == nil {
		return
	}
	if s.Scanner != nil {
		s.Scanner.Stop()
	}
	if s.Announcer != nil {
		s.Announcer.Stop()
	}
}
