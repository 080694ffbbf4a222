package config

// GeneralConfig holds settings that do not belong to a single subsystem.
type GeneralConfig struct {
	// Directory for the identity key, message store and settings files.
	DataDir string `mapstructure:"DATA_DIR" json:"data_dir" validate:"required"`
}
