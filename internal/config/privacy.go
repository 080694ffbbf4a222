package config

// PrivacyConfig holds direct-message privacy settings.
type PrivacyConfig struct {
	// Prefer the gift-wrap format (hides sender, recipient and timestamp
	// from relay operators) when the pool supports acknowledgment tracking.
	PreferGiftWrap bool `mapstructure:"PREFER_GIFT_WRAP" json:"prefer_gift_wrap"`

	// When true, never fall back to the legacy format even if every relay
	// rejects the gift wrap.
	StrictModern bool `mapstructure:"STRICT_MODERN" json:"strict_modern"`

	MaxMessageLength int `mapstructure:"MAX_MESSAGE_LENGTH" json:"max_message_length" validate:"required,min=1,max=65536"`
	MaxRetries       int `mapstructure:"MAX_RETRIES"        json:"max_retries"        validate:"required,min=0,max=20"`
}
