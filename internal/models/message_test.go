package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatusTransitionTable(t *testing.T) {
	cases := []struct {
		from, to MessageStatus
		allowed  bool
	}{
		{StatusSending, StatusAccepted, true},
		{StatusSending, StatusRejected, true},
		{StatusSending, StatusQueued, true},
		{StatusSending, StatusFailed, true},
		{StatusSending, StatusDelivered, false},
		{StatusQueued, StatusSending, true},
		{StatusQueued, StatusFailed, true},
		{StatusQueued, StatusAccepted, false},
		{StatusAccepted, StatusDelivered, true},
		{StatusAccepted, StatusSending, false},
		{StatusRejected, StatusQueued, true},
		{StatusRejected, StatusFailed, true},
		{StatusRejected, StatusAccepted, false},
		{StatusDelivered, StatusSending, false},
		{StatusDelivered, StatusFailed, false},
		{StatusFailed, StatusQueued, true},
		{StatusFailed, StatusSending, true},
		{StatusFailed, StatusDelivered, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.allowed, tc.from.CanTransitionTo(tc.to),
			"%s -> %s", tc.from, tc.to)
	}
}

func TestConversationIDIsOrderIndependent(t *testing.T) {
	a := "aa11bb22"
	b := "cc33dd44"
	assert.Equal(t, ConversationID(a, b), ConversationID(b, a))
	assert.Equal(t, "aa11bb22:cc33dd44", ConversationID(b, a))
}
