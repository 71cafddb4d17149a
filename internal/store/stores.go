package store

// StoreConfig selects and configures the persistence backend.
type StoreConfig struct {
	Mode        string // "file", "sqlite" or "managed"
	Path        string // file / sqlite location
	PostgresDSN string // managed mode only
}

// Stores is the top-level container for all storage backends.
type Stores struct {
	Servers ServerStore
}

// Close releases every backend.
func (s *Stores) Close() error {
	if s == nil || s.Servers == nil {
		return nil
	}
	return s.Servers.Close()
}
