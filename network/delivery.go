package network

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"meshchat/ledger"
	"meshchat/models"
)

// attempt makes one delivery attempt for a tracked message. Once the attempt
// budget (MaxRetries + 1) is spent the message is failed instead.
func (r *Router) attempt(ctx context.Context, messageID string) {
	r.mu.Lock()
	pending, ok := r.tracking[messageID]
	if !ok {
		r.mu.Unlock()
		return
	}
	if pending.tracking.Attempts > r.options.MaxRetries {
		peerID := pending.tracking.PeerID
		delete(r.tracking, messageID)
		r.updatePendingGauge()
		r.mu.Unlock()
		r.setStatus(ctx, messageID, peerID, models.DeliveryFailed, ErrDeliveryExhausted)
		return
	}
	pending.tracking.Attempts++
	pending.tracking.LastAttemptAt = r.now()
	peerID := pending.tracking.PeerID
	payload := pending.payload
	attempts := pending.tracking.Attempts
	r.mu.Unlock()

	if err := r.options.Transport.SendBytes(ctx, peerID, payload); err != nil {
		r.logger.Debug("delivery attempt failed",
			zap.String("message_id", messageID),
			zap.String("peer_id", peerID),
			zap.Int("attempt", attempts),
			zap.Error(err),
		)
		return
	}
	r.metrics.EnvelopeSent(string(TypeMessage))

	// The acknowledgement may already have arrived while the transport call
	// was in flight.
	r.mu.Lock()
	_, stillTracked := r.tracking[messageID]
	r.mu.Unlock()
	if stillTracked {
		r.setStatus(ctx, messageID, peerID, models.DeliverySent, nil)
	}
}

// retryPending re-attempts every tracked delivery whose last attempt is at
// least one retry interval old.
func (r *Router) retryPending(ctx context.Context) {
	cutoff := r.now() - r.options.RetryInterval.Milliseconds()

	r.mu.Lock()
	due := make([]string, 0, len(r.tracking))
	for id, pending := range r.tracking {
		if pending.tracking.LastAttemptAt <= cutoff {
			due = append(due, id)
		}
	}
	r.mu.Unlock()

	for _, id := range due {
		if ctx.Err() != nil {
			return
		}
		r.attempt(ctx, id)
	}
}

// retryPeer re-attempts every tracked delivery addressed to peerID.
func (r *Router) retryPeer(ctx context.Context, peerID string) {
	r.mu.Lock()
	due := make([]string, 0)
	for id, pending := range r.tracking {
		if pending.tracking.PeerID == peerID {
			due = append(due, id)
		}
	}
	r.mu.Unlock()

	for _, id := range due {
		r.attempt(ctx, id)
	}
}

// CancelDelivery stops retrying messageID and marks it failed.
func (r *Router) CancelDelivery(ctx context.Context, messageID string) error {
	r.mu.Lock()
	pending, ok := r.tracking[messageID]
	if ok {
		delete(r.tracking, messageID)
		r.updatePendingGauge()
	}
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("cancel %q: %w", messageID, ErrDeliveryNotTracked)
	}

	r.setStatus(ctx, messageID, pending.tracking.PeerID, models.DeliveryFailed, ErrDeliveryCancelled)
	return nil
}

// handleAck marks an outbound message delivered when its recipient
// acknowledges it.
func (r *Router) handleAck(ctx context.Context, env Envelope, localID string) {
	ack := env.Payload.Ack
	msg, err := r.options.Ledger.Message(ctx, ack.MessageID)
	if err != nil {
		if !errors.Is(err, ledger.ErrNotFound) {
			r.logger.Warn("load acknowledged message", zap.String("message_id", ack.MessageID), zap.Error(err))
		}
		return
	}
	if msg.SenderID != localID || msg.ReceiverID != env.From {
		r.logger.Warn("rejecting ack: does not match message route",
			zap.String("message_id", ack.MessageID),
			zap.String("from", env.From),
		)
		return
	}

	r.mu.Lock()
	if _, ok := r.tracking[ack.MessageID]; ok {
		delete(r.tracking, ack.MessageID)
		r.updatePendingGauge()
	}
	r.mu.Unlock()

	r.setStatus(ctx, ack.MessageID, env.From, models.DeliveryDelivered, nil)
}

// setStatus applies a delivery transition and emits the matching event.
// Transitions that lost a race with a terminal state are ignored.
func (r *Router) setStatus(ctx context.Context, messageID, peerID string, status models.DeliveryStatus, cause error) {
	changed, err := r.options.Ledger.UpdateStatus(ctx, messageID, status)
	if err != nil {
		if errors.Is(err, ledger.ErrInvalidTransition) || errors.Is(err, ledger.ErrNotFound) {
			r.logger.Debug("skipping delivery status update",
				zap.String("message_id", messageID),
				zap.String("status", string(status)),
				zap.Error(err),
			)
			return
		}
		r.logger.Error("update delivery status",
			zap.String("message_id", messageID),
			zap.String("status", string(status)),
			zap.Error(err),
		)
		return
	}
	if !changed {
		return
	}

	switch status {
	case models.DeliveryDelivered:
		r.metrics.MessageDelivered()
	case models.DeliveryFailed:
		r.metrics.MessageFailed()
		r.logger.Info("delivery failed",
			zap.String("message_id", messageID),
			zap.String("peer_id", peerID),
			zap.Error(cause),
		)
	}
	r.notifyDelivery(DeliveryStatusEvent{
		MessageID: messageID,
		PeerID:    peerID,
		Status:    status,
		Err:       cause,
	})
}
