package config

// APIConfig holds the local control API settings. The API binds to loopback
// by default; it carries plaintext message content and must not be exposed.
type APIConfig struct {
	Enabled bool   `mapstructure:"ENABLED" json:"enabled"`
	Host    string `mapstructure:"HOST"    json:"host"    validate:"required"`
	Port    int    `mapstructure:"PORT"    json:"port"    validate:"required,min=1024,max=65535"`
}
