package network

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"meshchat/crypto"
	"meshchat/directory"
	"meshchat/ledger"
	"meshchat/metrics"
	"meshchat/models"
)

// HandleEnvelope runs the receive path for one inbound envelope. Invalid
// envelopes are logged, counted and dropped; nothing is returned to the
// transport.
func (r *Router) HandleEnvelope(ctx context.Context, raw []byte) {
	env, err := DecodeEnvelope(raw)
	if err != nil {
		r.drop(metrics.DropMalformed, Envelope{}, err)
		return
	}

	identity, err := r.localIdentity()
	if err != nil {
		r.logger.Error("receive without local identity", zap.Error(err))
		return
	}
	if env.From == identity.ID {
		// Our own broadcast echoed back through a cycle.
		return
	}
	if env.Type != TypeBroadcast && !env.AddressedTo(identity.ID) {
		r.drop(metrics.DropMisaddressed, env, nil)
		return
	}

	publicKey, register, err := r.senderKey(env)
	if err != nil {
		reason := metrics.DropUnknownSender
		if errors.Is(err, directory.ErrKeyMismatch) {
			reason = metrics.DropKeyMismatch
		}
		r.drop(reason, env, err)
		return
	}
	if err := verifyEnvelope(env, publicKey); err != nil {
		r.drop(metrics.DropInvalidSignature, env, err)
		return
	}

	switch env.Type {
	case TypeAcknowledgement:
		r.handleAck(ctx, env, identity.ID)
	case TypePresence:
		r.handlePresence(ctx, env)
	case TypeMessage:
		r.handleMessage(ctx, env, identity)
	case TypeBroadcast:
		r.handleBroadcast(ctx, env, identity, publicKey, register)
	}
}

// senderKey resolves the key that must have signed env. Unknown senders are
// rejected except for broadcast origins, whose sealed key is returned with
// register set; it is trusted only once the broadcast opens and is stored.
func (r *Router) senderKey(env Envelope) ([]byte, bool, error) {
	peer, err := r.options.Directory.Peer(env.From)
	if err != nil {
		if !errors.Is(err, directory.ErrPeerNotFound) {
			return nil, false, err
		}
		if env.Type != TypeBroadcast {
			return nil, false, fmt.Errorf("sender %q: %w", env.From, ErrPeerUnknown)
		}
		if _, err := crypto.ParsePublicKey(env.Payload.Sealed.SenderPublicKey); err != nil {
			return nil, false, fmt.Errorf("broadcast origin %q: %w", env.From, err)
		}
		return env.Payload.Sealed.SenderPublicKey, true, nil
	}

	if sealed := env.Payload.Sealed; sealed != nil && !bytes.Equal(sealed.SenderPublicKey, peer.PublicKey) {
		return nil, false, fmt.Errorf("sender %q: %w", env.From, directory.ErrKeyMismatch)
	}
	return peer.PublicKey, false, nil
}

func (r *Router) registerBroadcastOrigin(ctx context.Context, peerID string, publicKey []byte) {
	peer, created, err := r.options.Directory.RegisterPeer(ctx, peerID, publicKey, models.PeerPending)
	if err != nil {
		r.logger.Warn("register broadcast origin", zap.String("peer_id", peerID), zap.Error(err))
		return
	}
	if created {
		r.logger.Info("registered broadcast origin on first use", zap.String("peer_id", peerID))
		r.notifyPeerStatus(peer)
	}
}

func (r *Router) handlePresence(ctx context.Context, env Envelope) {
	peer, changed, err := r.options.Directory.UpdateStatus(ctx, env.From, env.Payload.Presence.Status)
	if err != nil {
		r.logger.Warn("apply presence", zap.String("from", env.From), zap.Error(err))
		return
	}
	if changed {
		r.notifyPeerStatus(peer)
		if peer.Status == models.PeerOnline {
			r.retryPeer(ctx, peer.ID)
		}
	}
}

func (r *Router) handleMessage(ctx context.Context, env Envelope, identity *models.Identity) {
	peer, err := r.options.Directory.Peer(env.From)
	if err != nil {
		r.drop(metrics.DropUnknownSender, env, err)
		return
	}
	secret, err := crypto.DeriveSharedSecret(identity.PrivateKey, peer.PublicKey)
	if err != nil {
		r.drop(metrics.DropDecryption, env, err)
		return
	}
	opened := r.options.Engine.Open(*env.Payload.Sealed, secret)
	if !opened.IsValid {
		r.drop(metrics.DropDecryption, env, ErrDecryptionInvalid)
		return
	}

	var conversationID string
	if env.GroupID != "" {
		conversationID, err = r.options.Ledger.GetOrCreateGroupConversation(ctx, env.GroupID)
	} else {
		conversationID, err = r.options.Ledger.GetOrCreateConversation(ctx, identity.ID, env.From)
	}
	if err != nil {
		r.drop(metrics.DropStorage, env, err)
		return
	}

	msg := receivedMessage(env, conversationID, identity.ID, opened.Plaintext)
	stored, ok := r.storeReceived(ctx, env, msg)
	if !ok {
		return
	}
	if err := r.options.Directory.Touch(ctx, env.From); err != nil {
		r.logger.Debug("touch peer", zap.String("peer_id", env.From), zap.Error(err))
	}
	if stored {
		r.notifyMessage(msg)
	}
	r.sendAck(ctx, identity, env)
}

func (r *Router) handleBroadcast(ctx context.Context, env Envelope, identity *models.Identity, originKey []byte, registerOrigin bool) {
	if r.seen.Contains(env.ID) {
		r.drop(metrics.DropDuplicate, env, nil)
		return
	}

	secret, err := r.options.Engine.BroadcastSecret()
	if err != nil {
		r.drop(metrics.DropDecryption, env, err)
		return
	}
	opened := r.options.Engine.Open(*env.Payload.Sealed, secret)
	if !opened.IsValid {
		r.drop(metrics.DropDecryption, env, ErrDecryptionInvalid)
		return
	}
	r.seen.Add(env.ID, struct{}{})

	conversationID, err := r.options.Ledger.BroadcastConversation(ctx)
	if err != nil {
		r.drop(metrics.DropStorage, env, err)
		return
	}
	msg := receivedMessage(env, conversationID, BroadcastRecipient, opened.Plaintext)
	stored, ok := r.storeReceived(ctx, env, msg)
	if !ok {
		return
	}
	if registerOrigin {
		r.registerBroadcastOrigin(ctx, env.From, originKey)
	}
	if stored {
		r.notifyMessage(msg)
	}

	r.relay(ctx, env, identity.ID)
}

// relay forwards a broadcast one more hop while its decremented ttl stays
// positive, skipping the origin and the peer it came from.
func (r *Router) relay(ctx context.Context, env Envelope, localID string) {
	previousHop := env.RelayedBy
	env.TTL--
	if env.TTL <= 0 {
		return
	}
	env.RelayedBy = localID
	payload, err := EncodeJSON(env)
	if err != nil {
		r.logger.Error("encode relay", zap.String("envelope_id", env.ID), zap.Error(err))
		return
	}

	for _, peer := range r.options.Directory.OnlinePeers() {
		if peer.ID == env.From || peer.ID == previousHop || peer.ID == localID {
			continue
		}
		if err := r.options.Transport.SendBytes(ctx, peer.ID, payload); err != nil {
			r.logger.Debug("relay send failed",
				zap.String("envelope_id", env.ID),
				zap.String("peer_id", peer.ID),
				zap.Error(err),
			)
			continue
		}
		r.metrics.BroadcastRelayed()
	}
}

// storeReceived persists an inbound message. stored is false for duplicates
// from the same sender, which are still acknowledged; ok is false when the
// envelope was dropped. An id already held by another sender is malformed.
func (r *Router) storeReceived(ctx context.Context, env Envelope, msg models.Message) (stored bool, ok bool) {
	err := r.options.Ledger.Store(ctx, msg)
	switch {
	case err == nil:
		return true, true
	case errors.Is(err, ledger.ErrDuplicateMessage):
		existing, getErr := r.options.Ledger.Message(ctx, env.ID)
		if getErr != nil {
			r.drop(metrics.DropStorage, env, getErr)
			return false, false
		}
		if existing.SenderID != env.From {
			r.drop(metrics.DropMalformed, env, fmt.Errorf("message id %q: %w", env.ID, ErrMessageIDReused))
			return false, false
		}
		r.logger.Debug("duplicate message", zap.String("envelope_id", env.ID), zap.String("from", env.From))
		return false, true
	default:
		r.drop(metrics.DropStorage, env, err)
		return false, false
	}
}

func (r *Router) sendAck(ctx context.Context, identity *models.Identity, received Envelope) {
	ack := Envelope{
		ID:        uuid.NewString(),
		From:      identity.ID,
		To:        []string{received.From},
		Type:      TypeAcknowledgement,
		Timestamp: r.now(),
		Payload: Payload{
			Ack: &AckPayload{MessageID: received.ID, Status: models.DeliveryDelivered},
		},
	}
	if err := signEnvelope(&ack, identity.PrivateKey); err != nil {
		r.logger.Error("sign ack", zap.String("message_id", received.ID), zap.Error(err))
		return
	}
	payload, err := EncodeJSON(ack)
	if err != nil {
		r.logger.Error("encode ack", zap.String("message_id", received.ID), zap.Error(err))
		return
	}
	if err := r.options.Transport.SendBytes(ctx, received.From, payload); err != nil {
		r.logger.Debug("send ack", zap.String("message_id", received.ID), zap.String("peer_id", received.From), zap.Error(err))
		return
	}
	r.metrics.EnvelopeSent(string(TypeAcknowledgement))
}

// AnnouncePresence sends a signed presence envelope to every known peer.
func (r *Router) AnnouncePresence(ctx context.Context, status models.PeerStatus) error {
	if !status.Valid() {
		return fmt.Errorf("announce presence: unknown status %q", status)
	}
	identity, err := r.localIdentity()
	if err != nil {
		return err
	}

	var sendErr error
	for _, peer := range r.options.Directory.Peers() {
		env := Envelope{
			ID:        uuid.NewString(),
			From:      identity.ID,
			To:        []string{peer.ID},
			Type:      TypePresence,
			Timestamp: r.now(),
			Payload:   Payload{Presence: &PresencePayload{Status: status}},
		}
		if err := signEnvelope(&env, identity.PrivateKey); err != nil {
			return err
		}
		payload, err := EncodeJSON(env)
		if err != nil {
			return err
		}
		if err := r.options.Transport.SendBytes(ctx, peer.ID, payload); err != nil {
			sendErr = multierr.Append(sendErr, fmt.Errorf("presence to %q: %w", peer.ID, err))
			continue
		}
		r.metrics.EnvelopeSent(string(TypePresence))
	}
	return sendErr
}

func receivedMessage(env Envelope, conversationID, receiverID string, plaintext []byte) models.Message {
	return models.Message{
		ID:             env.ID,
		ConversationID: conversationID,
		SenderID:       env.From,
		ReceiverID:     receiverID,
		GroupID:        env.GroupID,
		Content:        string(plaintext),
		PlaintextHash:  crypto.Hash(plaintext),
		Timestamp:      env.Timestamp,
		DeliveryStatus: models.DeliveryDelivered,
		Sealed:         env.Payload.Sealed,
	}
}

func (r *Router) drop(reason string, env Envelope, err error) {
	r.metrics.EnvelopeDropped(reason)
	fields := []zap.Field{
		zap.String("reason", reason),
		zap.String("envelope_id", env.ID),
		zap.String("from", env.From),
		zap.String("type", string(env.Type)),
	}
	if err != nil {
		fields = append(fields, zap.Error(err))
	}
	if reason == metrics.DropDuplicate {
		r.logger.Debug("dropping envelope", fields...)
		return
	}
	r.logger.Warn("dropping envelope", fields...)
}
