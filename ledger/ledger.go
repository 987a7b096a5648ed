package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"meshchat/models"
	"meshchat/storage"
)

const (
	bucketConversations = "conversations"
	bucketMessages      = "messages"
	bucketMessageIndex  = "message_index"
)

var (
	ErrNotFound              = errors.New("ledger: not found")
	ErrInvalidTransition     = errors.New("ledger: invalid delivery status transition")
	ErrInvalidConversationID = errors.New("ledger: invalid conversation id")
	ErrNotDelivered          = errors.New("ledger: message not delivered")
	ErrDuplicateMessage      = errors.New("ledger: message already stored")
)

var transitions = map[models.DeliveryStatus][]models.DeliveryStatus{
	models.DeliveryPending: {models.DeliverySent, models.DeliveryDelivered, models.DeliveryFailed},
	models.DeliverySent:    {models.DeliveryDelivered, models.DeliveryFailed},
}

// Ledger records conversations and messages in a KV store and owns the
// delivery status state machine.
type Ledger struct {
	mu  sync.Mutex
	kv  storage.KV
	now func() time.Time
}

func New(kv storage.KV) *Ledger {
	return &Ledger{kv: kv, now: time.Now}
}

// GetOrCreateConversation returns the direct conversation id for the
// unordered pair (a, b), creating the conversation on first use.
func (l *Ledger) GetOrCreateConversation(ctx context.Context, a, b string) (string, error) {
	id, err := DirectConversationID(a, b)
	if err != nil {
		return "", err
	}
	a, b = strings.TrimSpace(a), strings.TrimSpace(b)
	if a > b {
		a, b = b, a
	}
	conv := models.Conversation{
		ID:           id,
		Kind:         models.ConversationDirect,
		ParticipantA: a,
		ParticipantB: b,
	}
	return id, l.ensureConversation(ctx, conv)
}

// GetOrCreateGroupConversation returns the conversation id for groupID.
func (l *Ledger) GetOrCreateGroupConversation(ctx context.Context, groupID string) (string, error) {
	id, err := GroupConversationID(groupID)
	if err != nil {
		return "", err
	}
	conv := models.Conversation{
		ID:      id,
		Kind:    models.ConversationGroup,
		GroupID: strings.TrimSpace(groupID),
	}
	return id, l.ensureConversation(ctx, conv)
}

// BroadcastConversation returns the broadcast conversation id, creating it if needed.
func (l *Ledger) BroadcastConversation(ctx context.Context) (string, error) {
	conv := models.Conversation{
		ID:   BroadcastConversationID,
		Kind: models.ConversationBroadcast,
	}
	return BroadcastConversationID, l.ensureConversation(ctx, conv)
}

func (l *Ledger) ensureConversation(ctx context.Context, conv models.Conversation) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, err := l.getConversation(ctx, conv.ID); err == nil {
		return nil
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}

	conv.CreatedAt = l.now().UnixMilli()
	return l.putConversation(ctx, conv)
}

// Conversation loads one conversation by id.
func (l *Ledger) Conversation(ctx context.Context, id string) (models.Conversation, error) {
	if err := ValidateConversationID(id); err != nil {
		return models.Conversation{}, err
	}
	return l.getConversation(ctx, id)
}

// ListConversations returns all conversations, most recently active first.
func (l *Ledger) ListConversations(ctx context.Context) ([]models.Conversation, error) {
	records, err := l.kv.Scan(ctx, bucketConversations, storage.ScanOptions{Descending: true})
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}

	conversations := make([]models.Conversation, 0, len(records))
	for _, record := range records {
		var conv models.Conversation
		if err := json.Unmarshal(record.Value, &conv); err != nil {
			return nil, fmt.Errorf("decode conversation %q: %w", record.Key, err)
		}
		conversations = append(conversations, conv)
	}
	return conversations, nil
}

// Store persists a new message and bumps its conversation's activity time.
// Storing an id twice fails with ErrDuplicateMessage.
func (l *Ledger) Store(ctx context.Context, msg models.Message) error {
	if strings.TrimSpace(msg.ID) == "" || strings.Contains(msg.ID, "/") {
		return fmt.Errorf("store message %q: invalid message id", msg.ID)
	}
	if err := ValidateConversationID(msg.ConversationID); err != nil {
		return err
	}
	if msg.DeliveryStatus == "" {
		msg.DeliveryStatus = models.DeliveryPending
	}
	if !msg.DeliveryStatus.Valid() {
		return fmt.Errorf("store message %q: unknown delivery status %q", msg.ID, msg.DeliveryStatus)
	}
	if msg.Timestamp == 0 {
		msg.Timestamp = l.now().UnixMilli()
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	conv, err := l.getConversation(ctx, msg.ConversationID)
	if err != nil {
		return fmt.Errorf("store message %q: %w", msg.ID, err)
	}
	if _, err := l.kv.Get(ctx, bucketMessageIndex, msg.ID); err == nil {
		return fmt.Errorf("store message %q: %w", msg.ID, ErrDuplicateMessage)
	} else if !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("store message %q: %w", msg.ID, err)
	}

	if err := l.putMessage(ctx, msg); err != nil {
		return err
	}
	if err := l.kv.Put(ctx, bucketMessageIndex, msg.ID, []byte(msg.ConversationID), msg.Timestamp); err != nil {
		return fmt.Errorf("index message %q: %w", msg.ID, err)
	}

	if msg.Timestamp > conv.LastMessageAt {
		conv.LastMessageAt = msg.Timestamp
		if err := l.putConversation(ctx, conv); err != nil {
			return err
		}
	}
	return nil
}

// Message loads one message by id.
func (l *Ledger) Message(ctx context.Context, id string) (models.Message, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.getMessage(ctx, id)
}

// UpdateStatus moves a message to status. Re-applying the current status is
// a no-op and reports changed=false; leaving a terminal state or skipping
// back fails with ErrInvalidTransition.
func (l *Ledger) UpdateStatus(ctx context.Context, id string, status models.DeliveryStatus) (bool, error) {
	if !status.Valid() {
		return false, fmt.Errorf("update message %q: unknown delivery status %q", id, status)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	msg, err := l.getMessage(ctx, id)
	if err != nil {
		return false, err
	}
	if msg.DeliveryStatus == status {
		return false, nil
	}
	if !canTransition(msg.DeliveryStatus, status) {
		return false, fmt.Errorf("update message %q %s -> %s: %w", id, msg.DeliveryStatus, status, ErrInvalidTransition)
	}

	msg.DeliveryStatus = status
	if err := l.putMessage(ctx, msg); err != nil {
		return false, err
	}
	return true, nil
}

// MarkRead sets the read flag on a delivered message.
func (l *Ledger) MarkRead(ctx context.Context, id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	msg, err := l.getMessage(ctx, id)
	if err != nil {
		return err
	}
	if msg.DeliveryStatus != models.DeliveryDelivered {
		return fmt.Errorf("mark message %q read: %w", id, ErrNotDelivered)
	}
	if msg.Read {
		return nil
	}
	msg.Read = true
	return l.putMessage(ctx, msg)
}

// ListByConversation returns messages newest first. A zero limit returns
// every message after offset.
func (l *Ledger) ListByConversation(ctx context.Context, conversationID string, limit, offset int) ([]models.Message, error) {
	if err := ValidateConversationID(conversationID); err != nil {
		return nil, err
	}
	if limit < 0 || offset < 0 {
		return nil, errors.New("limit and offset must be >= 0")
	}

	records, err := l.kv.Scan(ctx, bucketMessages, storage.ScanOptions{
		Prefix:     conversationID + "/",
		Descending: true,
		Limit:      limit,
		Offset:     offset,
	})
	if err != nil {
		return nil, fmt.Errorf("list messages for %q: %w", conversationID, err)
	}
	return decodeMessages(records)
}

// Search returns messages in the conversation whose locally available
// plaintext contains query, case-insensitively, newest first.
func (l *Ledger) Search(ctx context.Context, conversationID, query string) ([]models.Message, error) {
	if err := ValidateConversationID(conversationID); err != nil {
		return nil, err
	}
	query = strings.ToLower(strings.TrimSpace(query))
	if query == "" {
		return []models.Message{}, nil
	}

	all, err := l.ListByConversation(ctx, conversationID, 0, 0)
	if err != nil {
		return nil, err
	}
	matches := make([]models.Message, 0)
	for _, msg := range all {
		if msg.Content == "" {
			continue
		}
		if strings.Contains(strings.ToLower(msg.Content), query) {
			matches = append(matches, msg)
		}
	}
	return matches, nil
}

// Delete removes one message.
func (l *Ledger) Delete(ctx context.Context, id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	msg, err := l.getMessage(ctx, id)
	if err != nil {
		return err
	}
	return l.deleteMessage(ctx, msg)
}

// DeleteConversation removes a conversation and all of its messages,
// returning the ids of the deleted messages.
func (l *Ledger) DeleteConversation(ctx context.Context, conversationID string) ([]string, error) {
	if err := ValidateConversationID(conversationID); err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, err := l.getConversation(ctx, conversationID); err != nil {
		return nil, err
	}
	records, err := l.kv.Scan(ctx, bucketMessages, storage.ScanOptions{Prefix: conversationID + "/"})
	if err != nil {
		return nil, fmt.Errorf("list messages for %q: %w", conversationID, err)
	}
	messages, err := decodeMessages(records)
	if err != nil {
		return nil, err
	}

	deleted := make([]string, 0, len(messages))
	for _, msg := range messages {
		if err := l.deleteMessage(ctx, msg); err != nil {
			return deleted, err
		}
		deleted = append(deleted, msg.ID)
	}
	if err := l.kv.Delete(ctx, bucketConversations, conversationID); err != nil {
		return deleted, fmt.Errorf("delete conversation %q: %w", conversationID, err)
	}
	return deleted, nil
}

func canTransition(from, to models.DeliveryStatus) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

func (l *Ledger) getConversation(ctx context.Context, id string) (models.Conversation, error) {
	raw, err := l.kv.Get(ctx, bucketConversations, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return models.Conversation{}, fmt.Errorf("conversation %q: %w", id, ErrNotFound)
		}
		return models.Conversation{}, fmt.Errorf("get conversation %q: %w", id, err)
	}

	var conv models.Conversation
	if err := json.Unmarshal(raw, &conv); err != nil {
		return models.Conversation{}, fmt.Errorf("decode conversation %q: %w", id, err)
	}
	return conv, nil
}

func (l *Ledger) putConversation(ctx context.Context, conv models.Conversation) error {
	if conv.Kind == "" {
		conv.Kind = kindOf(conv.ID)
	}
	raw, err := json.Marshal(conv)
	if err != nil {
		return fmt.Errorf("encode conversation %q: %w", conv.ID, err)
	}
	activity := conv.LastMessageAt
	if activity == 0 {
		activity = conv.CreatedAt
	}
	if err := l.kv.Put(ctx, bucketConversations, conv.ID, raw, activity); err != nil {
		return fmt.Errorf("save conversation %q: %w", conv.ID, err)
	}
	return nil
}

func (l *Ledger) getMessage(ctx context.Context, id string) (models.Message, error) {
	if strings.TrimSpace(id) == "" {
		return models.Message{}, errors.New("message id is required")
	}
	convID, err := l.kv.Get(ctx, bucketMessageIndex, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return models.Message{}, fmt.Errorf("message %q: %w", id, ErrNotFound)
		}
		return models.Message{}, fmt.Errorf("get message index %q: %w", id, err)
	}

	raw, err := l.kv.Get(ctx, bucketMessages, messageKey(string(convID), id))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return models.Message{}, fmt.Errorf("message %q: %w", id, ErrNotFound)
		}
		return models.Message{}, fmt.Errorf("get message %q: %w", id, err)
	}

	var msg models.Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return models.Message{}, fmt.Errorf("decode message %q: %w", id, err)
	}
	return msg, nil
}

func (l *Ledger) putMessage(ctx context.Context, msg models.Message) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message %q: %w", msg.ID, err)
	}
	if err := l.kv.Put(ctx, bucketMessages, messageKey(msg.ConversationID, msg.ID), raw, msg.Timestamp); err != nil {
		return fmt.Errorf("save message %q: %w", msg.ID, err)
	}
	return nil
}

func (l *Ledger) deleteMessage(ctx context.Context, msg models.Message) error {
	if err := l.kv.Delete(ctx, bucketMessages, messageKey(msg.ConversationID, msg.ID)); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("delete message %q: %w", msg.ID, err)
	}
	if err := l.kv.Delete(ctx, bucketMessageIndex, msg.ID); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("delete message index %q: %w", msg.ID, err)
	}
	return nil
}

func decodeMessages(records []storage.Record) ([]models.Message, error) {
	messages := make([]models.Message, 0, len(records))
	for _, record := range records {
		var msg models.Message
		if err := json.Unmarshal(record.Value, &msg); err != nil {
			return nil, fmt.Errorf("decode message %q: %w", record.Key, err)
		}
		messages = append(messages, msg)
	}
	return messages, nil
}

func messageKey(conversationID, messageID string) string {
	return conversationID + "/" + messageID
}
