package network

import "meshchat/models"

// Listener receives router events. Callbacks run synchronously after the
// state change they describe, on the goroutine that caused it.
type Listener interface {
	OnMessageReceived(msg models.Message)
	OnDeliveryStatusChanged(event DeliveryStatusEvent)
	OnPeerStatusChanged(peer models.Peer)
}

// DeliveryStatusEvent reports a delivery status transition of an outbound
// message. Err carries the cause for failed deliveries.
type DeliveryStatusEvent struct {
	MessageID string
	PeerID    string
	Status    models.DeliveryStatus
	Err       error
}

// ListenerFuncs adapts optional functions to Listener.
type ListenerFuncs struct {
	MessageReceived       func(models.Message)
	DeliveryStatusChanged func(DeliveryStatusEvent)
	PeerStatusChanged     func(models.Peer)
}

func (f ListenerFuncs) OnMessageReceived(msg models.Message) {
	if f.MessageReceived != nil {
		f.MessageReceived(msg)
	}
}

func (f ListenerFuncs) OnDeliveryStatusChanged(event DeliveryStatusEvent) {
	if f.DeliveryStatusChanged != nil {
		f.DeliveryStatusChanged(event)
	}
}

func (f ListenerFuncs) OnPeerStatusChanged(peer models.Peer) {
	if f.PeerStatusChanged != nil {
		f.PeerStatusChanged(peer)
	}
}

// AddListener registers l for all subsequent events.
func (r *Router) AddListener(l Listener) {
	if l == nil {
		return
	}
	r.listenerMu.Lock()
	defer r.listenerMu.Unlock()
	r.listeners = append(r.listeners, l)
}

func (r *Router) snapshotListeners() []Listener {
	r.listenerMu.RLock()
	defer r.listenerMu.RUnlock()
	return append([]Listener(nil), r.listeners...)
}

func (r *Router) notifyMessage(msg models.Message) {
	for _, l := range r.snapshotListeners() {
		l.OnMessageReceived(msg)
	}
}

func (r *Router) notifyDelivery(event DeliveryStatusEvent) {
	for _, l := range r.snapshotListeners() {
		l.OnDeliveryStatusChanged(event)
	}
}

func (r *Router) notifyPeerStatus(peer models.Peer) {
	for _, l := range r.snapshotListeners() {
		l.OnPeerStatusChanged(peer)
	}
}
