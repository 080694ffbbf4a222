package domain

import (
	"context"
	"time"

	"github.com/Shugur-Network/courier/internal/models"
)

// MessageStore is the persistence collaborator for the message pipeline.
// Implementations must be safe for concurrent use.
type MessageStore interface {
	// PersistMessage writes a message, inserting or overwriting by id.
	PersistMessage(ctx context.Context, msg *models.Message) error

	// GetMessage returns a message by id, or (nil, nil) when absent.
	GetMessage(ctx context.Context, id string) (*models.Message, error)

	// HasEvent reports whether any persisted message carries this event id.
	HasEvent(ctx context.Context, eventID string) (bool, error)

	// ForEachEvent visits every persisted event id, in no particular order.
	ForEachEvent(ctx context.Context, fn func(eventID string) error) error

	// UpdateMessageStatus applies a status change to a stored message.
	UpdateMessageStatus(ctx context.Context, id string, status models.MessageStatus) error

	// GetMessagesByConversation returns a conversation's messages sorted by
	// timestamp ascending.
	GetMessagesByConversation(ctx context.Context, conversationID string) ([]*models.Message, error)

	// Conversations returns every known conversation id, sorted.
	Conversations(ctx context.Context) ([]string, error)

	// PersistPendingRequest stores a message from an untrusted sender
	// outside the conversation index, so it never surfaces in the primary
	// view before a trust decision.
	PersistPendingRequest(ctx context.Context, msg *models.Message) error

	// PendingRequests returns the newest pending message per conversation.
	PendingRequests(ctx context.Context) ([]*models.Message, error)

	// RemovePendingRequest clears a conversation's pending entry.
	RemovePendingRequest(ctx context.Context, conversationID string) error

	// QueueOutgoingMessage adds a message id to the offline retry queue.
	QueueOutgoingMessage(ctx context.Context, id string) error

	// GetQueuedMessages returns the queued messages in enqueue order.
	GetQueuedMessages(ctx context.Context) ([]*models.Message, error)

	// RemoveFromQueue removes a message id from the retry queue.
	RemoveFromQueue(ctx context.Context, id string) error

	// SetConversationSeen records the newest inbound event timestamp for a
	// conversation, feeding later sync-since queries.
	SetConversationSeen(ctx context.Context, conversationID string, at time.Time) error

	// LastSeen returns the newest recorded inbound timestamp across all
	// conversations, or the zero time when nothing was recorded.
	LastSeen(ctx context.Context) (time.Time, error)

	// Close releases the underlying storage.
	Close() error
}

// SettingsProvider exposes the privacy and contact settings the pipeline
// consults on every send and receive.
type SettingsProvider interface {
	// PreferGiftWrap reports whether sends should use the modern format.
	PreferGiftWrap() bool

	// StrictModern disables the legacy fallback entirely.
	StrictModern() bool

	// IsBlocked reports whether a sender pubkey is on the blocklist.
	IsBlocked(pubkey string) bool

	// IsTrusted reports whether a pubkey is an accepted contact. Unknown
	// senders are routed to the pending-requests inbox.
	IsTrusted(pubkey string) bool
}
