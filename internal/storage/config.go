package storage

import "time"

// Config configures the Badger engine.
type Config struct {
	// Dir is the database directory. Ignored when InMemory is set.
	Dir string

	// InMemory keeps every table in memory. Used by tests.
	InMemory bool

	// GCInterval is the period of the value log GC. Zero disables it.
	GCInterval time.Duration

	// GCThreshold is the discard ratio passed to the value log GC.
	GCThreshold float64

	CacheSize        int64
	ValueLogFileSize int64
	NumMemtables     int
	SyncWrites       bool
}

// DefaultConfig returns the configuration used for a database in dir.
func DefaultConfig(dir string) Config {
	return Config{
		Dir:              dir,
		GCInterval:       10 * time.Minute,
		GCThreshold:      0.5,
		CacheSize:        64 << 20, // 64MB
		ValueLogFileSize: 256 << 20,
		NumMemtables:     2,
	}
}
