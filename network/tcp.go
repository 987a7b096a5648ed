package network

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrNoAddress indicates the transport has no dial address for a peer.
var ErrNoAddress = errors.New("network: no address for peer")

// InboundHandler consumes one inbound envelope.
type InboundHandler func(ctx context.Context, payload []byte)

// TCPOptions configures a TCPTransport.
type TCPOptions struct {
	ListenAddress     string
	ConnectionTimeout time.Duration
	FrameReadTimeout  time.Duration
	Logger            *zap.Logger
}

func (o TCPOptions) withDefaults() TCPOptions {
	if o.ListenAddress == "" {
		o.ListenAddress = ":0"
	}
	if o.ConnectionTimeout <= 0 {
		o.ConnectionTimeout = DefaultConnectionTimeout
	}
	if o.FrameReadTimeout <= 0 {
		o.FrameReadTimeout = DefaultFrameReadTimeout
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

// TCPTransport carries one envelope per TCP connection: the sender writes a
// frame and waits for a transport_ack frame. The receiver acks once the
// frame is read and runs its handler after releasing the connection.
type TCPTransport struct {
	options  TCPOptions
	listener net.Listener
	logger   *zap.Logger

	handlerMu sync.RWMutex
	handler   InboundHandler

	addrMu sync.RWMutex
	addrs  map[string]string

	ctx    context.Context
	cancel context.CancelFunc

	errs      chan error
	closeOnce sync.Once
	wg        sync.WaitGroup
}

var _ Transport = (*TCPTransport)(nil)

// ListenTCP starts a TCP listener and accept loop. Inbound envelopes are
// dropped until SetHandler is called.
func ListenTCP(options TCPOptions) (*TCPTransport, error) {
	opts := options.withDefaults()

	listener, err := net.Listen("tcp", opts.ListenAddress)
	if err != nil {
		return nil, fmt.Errorf("listen on %q: %w", opts.ListenAddress, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &TCPTransport{
		options:  opts,
		listener: listener,
		logger:   opts.Logger.Named("tcp"),
		addrs:    make(map[string]string),
		ctx:      ctx,
		cancel:   cancel,
		errs:     make(chan error, 16),
	}

	t.wg.Add(1)
	go t.acceptLoop()
	return t, nil
}

// Addr returns the listening address.
func (t *TCPTransport) Addr() net.Addr {
	return t.listener.Addr()
}

// Errors returns asynchronous accept and read errors.
func (t *TCPTransport) Errors() <-chan error {
	return t.errs
}

// SetHandler installs the inbound envelope handler, normally Router.HandleEnvelope.
func (t *TCPTransport) SetHandler(handler InboundHandler) {
	t.handlerMu.Lock()
	defer t.handlerMu.Unlock()
	t.handler = handler
}

// SetAddress records the dial address for peerID.
func (t *TCPTransport) SetAddress(peerID, address string) {
	t.addrMu.Lock()
	defer t.addrMu.Unlock()
	if address == "" {
		delete(t.addrs, peerID)
		return
	}
	t.addrs[peerID] = address
}

// Address returns the dial address recorded for peerID.
func (t *TCPTransport) Address(peerID string) (string, bool) {
	t.addrMu.RLock()
	defer t.addrMu.RUnlock()
	address, ok := t.addrs[peerID]
	return address, ok
}

// SendBytes dials peerID, writes one frame and waits for the transport ack.
func (t *TCPTransport) SendBytes(ctx context.Context, peerID string, payload []byte) error {
	address, ok := t.Address(peerID)
	if !ok {
		return fmt.Errorf("send to %q: %w", peerID, ErrNoAddress)
	}

	dialCtx, cancel := context.WithTimeout(ctx, t.options.ConnectionTimeout)
	defer cancel()

	var dialer net.Dialer
	conn, err := dialer.DialContext(dialCtx, "tcp", address)
	if err != nil {
		return fmt.Errorf("dial %q: %w", address, err)
	}
	defer conn.Close()

	deadline := time.Now().Add(t.options.ConnectionTimeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return fmt.Errorf("set send deadline: %w", err)
	}

	if err := WriteFrame(conn, payload); err != nil {
		return fmt.Errorf("send to %q: %w", peerID, err)
	}
	reply, err := ReadFrame(conn)
	if err != nil {
		return fmt.Errorf("read transport ack from %q: %w", peerID, err)
	}

	var ack transportAck
	if err := json.Unmarshal(reply, &ack); err != nil {
		return fmt.Errorf("decode transport ack from %q: %w", peerID, err)
	}
	if ack.Type != typeTransportAck {
		return fmt.Errorf("expected %q from %q, got %q", typeTransportAck, peerID, ack.Type)
	}
	return nil
}

// Close stops accepting, waits for in-flight connections and closes Errors.
func (t *TCPTransport) Close() error {
	var closeErr error
	t.closeOnce.Do(func() {
		t.cancel()
		closeErr = t.listener.Close()
		t.wg.Wait()
		close(t.errs)
	})
	return closeErr
}

func (t *TCPTransport) acceptLoop() {
	defer t.wg.Done()

	for {
		conn, err := t.listener.Accept()
		if err != nil {
			select {
			case <-t.ctx.Done():
				return
			default:
			}

			t.reportError(fmt.Errorf("accept connection: %w", err))
			continue
		}

		t.wg.Add(1)
		go t.handleInboundConn(conn)
	}
}

func (t *TCPTransport) handleInboundConn(conn net.Conn) {
	defer t.wg.Done()
	defer conn.Close()

	payload, err := ReadFrameWithTimeout(conn, t.options.FrameReadTimeout)
	if err != nil {
		t.reportError(fmt.Errorf("read frame from %s: %w", conn.RemoteAddr(), err))
		return
	}

	t.handlerMu.RLock()
	handler := t.handler
	t.handlerMu.RUnlock()
	if handler == nil {
		t.logger.Warn("dropping inbound frame: no handler", zap.Stringer("remote", conn.RemoteAddr()))
		return
	}

	if err := t.writeTransportAck(conn); err != nil {
		t.reportError(err)
		return
	}
	_ = conn.Close()

	handler(t.ctx, payload)
}

func (t *TCPTransport) writeTransportAck(conn net.Conn) error {
	ack, err := EncodeJSON(transportAck{Type: typeTransportAck})
	if err != nil {
		return err
	}
	if err := conn.SetWriteDeadline(time.Now().Add(t.options.ConnectionTimeout)); err != nil {
		return fmt.Errorf("set ack deadline: %w", err)
	}
	if err := WriteFrame(conn, ack); err != nil {
		return fmt.Errorf("write transport ack to %s: %w", conn.RemoteAddr(), err)
	}
	return nil
}

func (t *TCPTransport) reportError(err error) {
	if err == nil {
		return
	}
	select {
	case t.errs <- err:
	default:
	}
}
