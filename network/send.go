package network

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"meshchat/crypto"
	"meshchat/directory"
	"meshchat/ledger"
	"meshchat/models"
)

// GroupDelivery is the per-recipient outcome of SendGroup.
type GroupDelivery struct {
	PeerID    string
	MessageID string
	Status    models.DeliveryStatus
	Err       error
}

// SendDirect seals plaintext for peerID, records it as pending and makes the
// first delivery attempt. Unknown peers fail with ErrPeerUnknown and leave no
// message behind.
func (r *Router) SendDirect(ctx context.Context, peerID, plaintext string) (models.Message, error) {
	return r.sendDirect(ctx, peerID, plaintext, "")
}

func (r *Router) sendDirect(ctx context.Context, peerID, plaintext, groupID string) (models.Message, error) {
	identity, err := r.localIdentity()
	if err != nil {
		return models.Message{}, err
	}
	peerID = strings.TrimSpace(peerID)
	if peerID == identity.ID {
		return models.Message{}, errors.New("cannot send a message to yourself")
	}

	peer, err := r.options.Directory.Peer(peerID)
	if err != nil {
		if errors.Is(err, directory.ErrPeerNotFound) {
			return models.Message{}, fmt.Errorf("send to %q: %w", peerID, ErrPeerUnknown)
		}
		return models.Message{}, err
	}

	secret, err := crypto.DeriveSharedSecret(identity.PrivateKey, peer.PublicKey)
	if err != nil {
		return models.Message{}, fmt.Errorf("send to %q: %w", peerID, err)
	}

	var conversationID string
	if groupID != "" {
		conversationID, err = r.options.Ledger.GetOrCreateGroupConversation(ctx, groupID)
	} else {
		conversationID, err = r.options.Ledger.GetOrCreateConversation(ctx, identity.ID, peerID)
	}
	if err != nil {
		return models.Message{}, err
	}

	env := Envelope{
		ID:        uuid.NewString(),
		From:      identity.ID,
		To:        []string{peerID},
		Type:      TypeMessage,
		GroupID:   groupID,
		Timestamp: r.now(),
	}
	msg, payload, err := r.sealAndSign(&env, identity, plaintext, secret)
	if err != nil {
		return models.Message{}, err
	}
	msg.ConversationID = conversationID
	msg.ReceiverID = peerID

	if err := r.options.Ledger.Store(ctx, msg); err != nil {
		return models.Message{}, err
	}

	r.mu.Lock()
	r.tracking[msg.ID] = &pendingDelivery{
		tracking: models.DeliveryTracking{DeliveryID: msg.ID, PeerID: peerID},
		payload:  payload,
	}
	r.updatePendingGauge()
	r.mu.Unlock()

	r.attempt(ctx, msg.ID)
	return r.reload(ctx, msg), nil
}

// SendGroup sends plaintext to every member of groupID except the local user,
// one independent direct send each. Per-recipient failures are reported in
// the result; the returned error aggregates only local failures.
func (r *Router) SendGroup(ctx context.Context, groupID, plaintext string) ([]GroupDelivery, error) {
	identity, err := r.localIdentity()
	if err != nil {
		return nil, err
	}
	group, err := r.options.Directory.Group(groupID)
	if err != nil {
		return nil, err
	}

	members := make([]string, 0, len(group.MemberIDs))
	for _, id := range group.MemberIDs {
		if id != identity.ID {
			members = append(members, id)
		}
	}

	results := make([]GroupDelivery, len(members))
	var (
		mu       sync.Mutex
		localErr error
		g        errgroup.Group
	)
	g.SetLimit(r.options.GroupFanout)
	for i, memberID := range members {
		g.Go(func() error {
			msg, err := r.sendDirect(ctx, memberID, plaintext, group.ID)
			results[i] = GroupDelivery{PeerID: memberID, MessageID: msg.ID, Status: msg.DeliveryStatus, Err: err}
			if err != nil && !errors.Is(err, ErrPeerUnknown) {
				mu.Lock()
				localErr = multierr.Append(localErr, fmt.Errorf("member %q: %w", memberID, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	return results, localErr
}

// Broadcast floods plaintext to every online peer with the given hop budget.
// ttl <= 0 uses the configured default. Broadcasts are not acknowledged: the
// local copy becomes sent once any peer accepted it, failed otherwise.
func (r *Router) Broadcast(ctx context.Context, plaintext string, ttl int) (models.Message, error) {
	identity, err := r.localIdentity()
	if err != nil {
		return models.Message{}, err
	}
	if ttl <= 0 {
		ttl = r.options.BroadcastTTL
	}
	secret, err := r.options.Engine.BroadcastSecret()
	if err != nil {
		return models.Message{}, err
	}
	conversationID, err := r.options.Ledger.BroadcastConversation(ctx)
	if err != nil {
		return models.Message{}, err
	}

	env := Envelope{
		ID:        uuid.NewString(),
		From:      identity.ID,
		To:        []string{BroadcastRecipient},
		Type:      TypeBroadcast,
		Timestamp: r.now(),
		TTL:       ttl,
	}
	msg, payload, err := r.sealAndSign(&env, identity, plaintext, secret)
	if err != nil {
		return models.Message{}, err
	}
	msg.ConversationID = conversationID
	msg.ReceiverID = BroadcastRecipient

	if err := r.options.Ledger.Store(ctx, msg); err != nil {
		return models.Message{}, err
	}
	r.seen.Add(env.ID, struct{}{})

	accepted := 0
	for _, peer := range r.options.Directory.OnlinePeers() {
		if peer.ID == identity.ID {
			continue
		}
		if err := r.options.Transport.SendBytes(ctx, peer.ID, payload); err != nil {
			r.logger.Debug("broadcast send failed",
				zap.String("envelope_id", env.ID),
				zap.String("peer_id", peer.ID),
				zap.Error(err),
			)
			continue
		}
		r.metrics.EnvelopeSent(string(TypeBroadcast))
		accepted++
	}

	status := models.DeliverySent
	var cause error
	if accepted == 0 {
		status = models.DeliveryFailed
		cause = ErrDeliveryExhausted
	}
	r.setStatus(ctx, msg.ID, BroadcastRecipient, status, cause)
	return r.reload(ctx, msg), nil
}

// sealAndSign seals plaintext into env, signs it and returns the local
// message record plus the encoded envelope.
func (r *Router) sealAndSign(env *Envelope, identity *models.Identity, plaintext string, secret []byte) (models.Message, []byte, error) {
	sealed, err := r.options.Engine.Seal([]byte(plaintext), secret, identity.PublicKey, env.Timestamp)
	if err != nil {
		return models.Message{}, nil, fmt.Errorf("seal %s %q: %w", env.Type, env.ID, err)
	}
	env.Payload.Sealed = &sealed
	if err := signEnvelope(env, identity.PrivateKey); err != nil {
		return models.Message{}, nil, err
	}
	payload, err := EncodeJSON(env)
	if err != nil {
		return models.Message{}, nil, err
	}

	msg := models.Message{
		ID:             env.ID,
		SenderID:       identity.ID,
		GroupID:        env.GroupID,
		Content:        plaintext,
		PlaintextHash:  crypto.Hash([]byte(plaintext)),
		Timestamp:      env.Timestamp,
		DeliveryStatus: models.DeliveryPending,
		Sealed:         &sealed,
	}
	return msg, payload, nil
}

func (r *Router) reload(ctx context.Context, fallback models.Message) models.Message {
	msg, err := r.options.Ledger.Message(ctx, fallback.ID)
	if err != nil {
		if !errors.Is(err, ledger.ErrNotFound) {
			r.logger.Warn("reload message", zap.String("message_id", fallback.ID), zap.Error(err))
		}
		return fallback
	}
	return msg
}
