package constants

import "time"

// Event kinds the client produces or consumes.
const (
	KindProfileMetadata  = 0     // profile probe, read-only
	KindContactList      = 3     // legacy contact/relay list
	KindLegacyDM         = 4     // NIP-04 encrypted direct message
	KindChatRumor        = 14    // NIP-17 inner DM rumor, never published directly
	KindSeal             = 13    // NIP-59 seal around a rumor
	KindGiftWrap         = 1059  // NIP-59 gift-wrapped envelope
	KindRelayList        = 10002 // NIP-65 relay list
)

// Software metadata reported by the status API.
const (
	SoftwareName = "courier"
	SoftwareURL  = "https://github.com/Shugur-Network/courier"
)

// Pipeline limits.
const (
	// Upper bound on the in-memory per-process working set of messages.
	MaxWorkingSetSize = 200

	// Window for batching logical subscriptions into merged REQ frames.
	CoalesceWindow = 100 * time.Millisecond

	// How long discovered recipient relay lists stay cached.
	DiscoveryCacheTTL = 30 * time.Minute
)
