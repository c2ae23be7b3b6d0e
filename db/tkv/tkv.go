package tkv

import (
	"context"
	"log/slog"
	"time"

	"github.com/dgraph-io/badger/v3"
)

// Config describes where the store lives and how it reports.
type Config struct {
	Logger    *slog.Logger
	Directory string

	// AppCtx stops the value-log GC loop when cancelled. The owner still calls Close().
	AppCtx context.Context

	// GCInterval is how often the value log is garbage collected. Zero uses DefaultGCInterval.
	GCInterval time.Duration

	// InMemory opens badger without touching disk. Used by tests and relayctl dry runs.
	InMemory bool
}

type TKVBatchHandler interface {
	BatchSet(entries []TKVBatchEntry) error
	BatchDelete(keys []string) error
}

type TKVBatchEntry struct {
	Key   string
	Value string
}

type TKVDataHandler interface {
	Get(key string) (string, error)
	Set(key string, value string) error
	Delete(key string) error

	// Iterate returns values (not keys) under prefix.
	Iterate(prefix string, offset int, limit int) ([]string, error)

	// ListKeys returns every key under prefix in key order.
	ListKeys(prefix string) ([]string, error)
	Count(prefix string) (int, error)
}

type TKV interface {
	TKVDataHandler
	TKVBatchHandler

	Close() error

	GetDataDB() *badger.DB
}
