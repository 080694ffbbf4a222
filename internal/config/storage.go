package config

// StorageConfig holds local message store settings. The store is a single
// bbolt file under the data directory unless an absolute path is given.
type StorageConfig struct {
	Path string `mapstructure:"PATH" json:"path" validate:"required"`
}
