package models

import (
	"sort"
	"strings"
	"time"
)

// MessageStatus is the delivery state of a direct message.
type MessageStatus string

const (
	StatusSending   MessageStatus = "sending"
	StatusQueued    MessageStatus = "queued"
	StatusAccepted  MessageStatus = "accepted"
	StatusRejected  MessageStatus = "rejected"
	StatusDelivered MessageStatus = "delivered"
	StatusFailed    MessageStatus = "failed"
)

// allowedTransitions is the full status transition table. Anything absent is
// illegal and must be rejected, keeping the prior status.
var allowedTransitions = map[MessageStatus]map[MessageStatus]bool{
	StatusSending:   {StatusAccepted: true, StatusRejected: true, StatusQueued: true, StatusFailed: true},
	StatusQueued:    {StatusSending: true, StatusFailed: true},
	StatusAccepted:  {StatusDelivered: true},
	StatusRejected:  {StatusQueued: true, StatusFailed: true},
	StatusDelivered: {}, // terminal
	StatusFailed:    {StatusQueued: true, StatusSending: true},
}

// CanTransitionTo reports whether moving from s to next is legal.
func (s MessageStatus) CanTransitionTo(next MessageStatus) bool {
	return allowedTransitions[s][next]
}

// DMFormat identifies the wire encoding of a direct message.
type DMFormat string

const (
	// FormatGiftWrap is the modern encrypted envelope (kind 1059).
	FormatGiftWrap DMFormat = "nip17"
	// FormatLegacy is the directly encrypted kind-4 event.
	FormatLegacy DMFormat = "nip04"
)

// RelayResult records one relay's answer to a publish.
type RelayResult struct {
	RelayURL string `json:"relay_url"`
	Success  bool   `json:"success"`
	Message  string `json:"message,omitempty"`
}

// Message is a direct message as tracked by the pipeline, outgoing or
// incoming. It is persisted on creation and on every status change.
type Message struct {
	ID              string        `json:"id"`
	ConversationID  string        `json:"conversation_id"`
	Content         string        `json:"content"`
	Kind            int           `json:"kind"`
	Timestamp       time.Time     `json:"timestamp"`
	IsOutgoing      bool          `json:"is_outgoing"`
	Status          MessageStatus `json:"status"`
	Format          DMFormat      `json:"dm_format"`
	EventID         string        `json:"event_id"`
	SenderPubkey    string        `json:"sender_pubkey"`
	RecipientPubkey string        `json:"recipient_pubkey"`
	RelayResults    []RelayResult `json:"relay_results,omitempty"`
	RetryCount      int           `json:"retry_count"`

	// IsConnectionRequest marks an intro message to a previously unknown
	// peer, distinguishing it from ordinary unsolicited mail in the
	// pending-requests inbox.
	IsConnectionRequest bool `json:"is_connection_request,omitempty"`
}

// ConversationID derives the shared conversation identifier for two
// participants. Both sides sort the keys, so they agree on the id without
// any coordination.
func ConversationID(pubkeyA, pubkeyB string) string {
	keys := []string{pubkeyA, pubkeyB}
	sort.Strings(keys)
	return strings.Join(keys, ":")
}

// PublishResult is one relay's outcome for a single publish call.
type PublishResult struct {
	RelayURL string
	Success  bool
	Message  string
}

// MultiRelayPublishResult aggregates a fan-out publish. Success means at
// least one relay accepted (1-of-N quorum, not N-of-N).
type MultiRelayPublishResult struct {
	Success      bool
	SuccessCount int
	Results      []PublishResult
}
