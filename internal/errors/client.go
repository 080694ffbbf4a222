package errors

import (
	"fmt"
	"net"
	"strings"

	"github.com/gorilla/websocket"
)

// Client-side error constructors

// ProtocolError creates an error for malformed relay frames. These are
// dropped and logged, never surfaced to callers.
func ProtocolError(frameType, reason string) *AppError {
	return New(ErrorTypeProtocol, "MALFORMED_FRAME", fmt.Sprintf("malformed %s frame: %s", frameType, reason)).
		WithSeverity(SeverityLow)
}

// SignatureError creates an error for an event whose signature did not verify.
func SignatureError(eventID string) *AppError {
	return New(ErrorTypeCrypto, "SIGNATURE_INVALID", "event signature verification failed").
		WithSeverity(SeverityLow).
		WithDetails(fmt.Sprintf("event id: %s", eventID))
}

// DecryptionError creates an error for a DM payload that could not be decrypted.
func DecryptionError(eventID string, cause error) *AppError {
	return Wrap(cause, ErrorTypeCrypto, "DECRYPTION_FAILED", "failed to decrypt direct message").
		WithSeverity(SeverityLow).
		WithDetails(fmt.Sprintf("event id: %s", eventID))
}

// WebSocketError creates an error for relay socket failures
func WebSocketError(url, operation string, cause error) *AppError {
	var code string
	severity := SeverityMedium
	userMessage := "Lost connection to a relay."

	if websocket.IsCloseError(cause, websocket.CloseNormalClosure) {
		code = "WS_NORMAL_CLOSURE"
		severity = SeverityLow
		userMessage = "Relay connection closed."
	} else if websocket.IsUnexpectedCloseError(cause, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
		code = "WS_UNEXPECTED_CLOSURE"
	} else {
		code = "WS_ERROR"
	}

	return Wrap(cause, ErrorTypeNetwork, code, fmt.Sprintf("relay socket %s failed", operation)).
		WithSeverity(severity).
		WithRelay(url).
		WithUserMessage(userMessage)
}

// DialError creates an error for a failed relay dial
func DialError(url string, cause error) *AppError {
	code := "RELAY_DIAL_FAILED"
	severity := SeverityMedium
	if netErr, ok := cause.(net.Error); ok && netErr.Timeout() {
		code = "RELAY_DIAL_TIMEOUT"
	} else if isTemporaryNetError(cause) {
		severity = SeverityLow
	}
	return Wrap(cause, ErrorTypeNetwork, code, "failed to connect to relay").
		WithSeverity(severity).
		WithRelay(url).
		WithUserMessage("Could not reach a relay. It will be retried automatically.")
}

// NoOpenRelaysError is returned when a publish finds zero open connections.
// The message is queued instead of sent, so this is retryable by design.
func NoOpenRelaysError() *AppError {
	return New(ErrorTypeNetwork, "NO_OPEN_RELAYS", "no relay connections are open").
		WithSeverity(SeverityMedium).
		WithUserMessage("You appear to be offline. The message will be sent when a relay becomes reachable.")
}

// AckTimeoutError is returned when a relay never answered an EVENT with OK.
func AckTimeoutError(url, eventID string) *AppError {
	return New(ErrorTypeTimeout, "ACK_TIMEOUT", "relay did not acknowledge event").
		WithSeverity(SeverityMedium).
		WithRelay(url).
		WithDetails(fmt.Sprintf("event id: %s", eventID)).
		WithUserMessage("A relay did not confirm the message in time.")
}

// PublishRejectedError is returned when every reachable relay refused an event.
func PublishRejectedError(eventID string, relayCount int) *AppError {
	return New(ErrorTypeNetwork, "PUBLISH_REJECTED", "all relays rejected the event").
		WithSeverity(SeverityMedium).
		WithDetails(fmt.Sprintf("event id: %s, relays tried: %d", eventID, relayCount)).
		WithUserMessage("No relay accepted the message. It will be retried.")
}

// ValidationError creates a validation error surfaced before any network attempt
func ValidationError(code, message string) *AppError {
	return New(ErrorTypeValidation, code, message).
		WithSeverity(SeverityLow).
		WithUserMessage(message)
}

// EmptyMessageError rejects an empty or whitespace-only compose
func EmptyMessageError() *AppError {
	return ValidationError("EMPTY_MESSAGE", "message content is empty")
}

// MessageTooLongError rejects an oversized compose
func MessageTooLongError(length, limit int) *AppError {
	return ValidationError("MESSAGE_TOO_LONG",
		fmt.Sprintf("message is %d characters, limit is %d", length, limit))
}

// RecipientKeyError rejects an unparseable recipient public key
func RecipientKeyError(input string, cause error) *AppError {
	return Wrap(cause, ErrorTypeValidation, "BAD_RECIPIENT_KEY", "recipient public key is not valid").
		WithSeverity(SeverityLow).
		WithDetails(fmt.Sprintf("input: %.16s…", input)).
		WithUserMessage("The recipient address is not a valid Nostr key.")
}

// IdentityLockedError rejects operations while the private key is locked
func IdentityLockedError() *AppError {
	return New(ErrorTypeValidation, "IDENTITY_LOCKED", "identity is locked").
		WithSeverity(SeverityLow).
		WithUserMessage("Unlock your identity before sending messages.")
}

// StateTransitionError records an illegal message status transition. The
// transition is rejected and the prior status retained.
func StateTransitionError(messageID, from, to string) *AppError {
	return New(ErrorTypeState, "ILLEGAL_TRANSITION",
		fmt.Sprintf("illegal status transition %s -> %s", from, to)).
		WithSeverity(SeverityLow).
		WithDetails(fmt.Sprintf("message id: %s", messageID))
}

// StorageError creates an error for message store failures
func StorageError(operation string, cause error) *AppError {
	return Wrap(cause, ErrorTypeStorage, "STORE_ERROR", fmt.Sprintf("message store %s failed", operation)).
		WithSeverity(SeverityHigh).
		WithUserMessage("A local storage error occurred.")
}

// IsRecoverable determines if an error is recoverable (can be retried)
func IsRecoverable(err error) bool {
	if appErr, ok := err.(*AppError); ok {
		switch appErr.Type {
		case ErrorTypeNetwork, ErrorTypeTimeout:
			return appErr.Severity != SeverityCritical
		case ErrorTypeStorage:
			return appErr.Severity == SeverityLow || appErr.Severity == SeverityMedium
		case ErrorTypeValidation, ErrorTypeCrypto, ErrorTypeState, ErrorTypeProtocol:
			// Retrying cannot fix bad input, a bad signature, or a bad transition.
			return false
		case ErrorTypeInternal:
			return appErr.Severity == SeverityLow || appErr.Severity == SeverityMedium
		}
	}
	return false
}

// ShouldRetry determines if an operation should be retried based on the error
func ShouldRetry(err error, attemptCount int, maxAttempts int) bool {
	if attemptCount >= maxAttempts {
		return false
	}
	return IsRecoverable(err)
}

// isTemporaryNetError checks if a network error is temporary
func isTemporaryNetError(err error) bool {
	if err == nil {
		return false
	}

	errStr := strings.ToLower(err.Error())
	temporaryPatterns := []string{
		"connection refused",
		"no route to host",
		"network is unreachable",
		"connection reset by peer",
		"broken pipe",
		"i/o timeout",
	}
	for _, pattern := range temporaryPatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}
	return false
}
