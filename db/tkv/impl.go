package tkv

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v3"
)

var DefaultGCInterval = 5 * time.Minute

const gcDiscardRatio = 0.5

type tkv struct {
	logger *slog.Logger
	appCtx context.Context
	store  *badger.DB

	stopGC chan struct{}
	gcDone sync.WaitGroup
	closed sync.Once
}

var _ TKV = &tkv{}

func New(config Config) (TKV, error) {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.AppCtx == nil {
		config.AppCtx = context.Background()
	}

	opts := badger.DefaultOptions(config.Directory)
	if config.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else if err := os.MkdirAll(config.Directory, 0755); err != nil {
		return nil, &ErrInternal{Err: err}
	}

	db, err := badger.Open(opts.WithLogger(newLogger(config.Logger.WithGroup("badger"))))
	if err != nil {
		return nil, &ErrInternal{Err: err}
	}

	if config.GCInterval == 0 {
		config.GCInterval = DefaultGCInterval
	}

	t := &tkv{
		logger: config.Logger.WithGroup("tkv"),
		appCtx: config.AppCtx,
		store:  db,
		stopGC: make(chan struct{}),
	}

	if !config.InMemory {
		t.gcDone.Add(1)
		go t.runGC(config.GCInterval)
	}
	return t, nil
}

// runGC reclaims value-log space left behind by deleted buffer records.
func (t *tkv) runGC(interval time.Duration) {
	defer t.gcDone.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-t.appCtx.Done():
			return
		case <-t.stopGC:
			return
		case <-ticker.C:
			rewrites := 0
			for t.store.RunValueLogGC(gcDiscardRatio) == nil {
				rewrites++
			}
			if rewrites > 0 {
				t.logger.Debug("value log gc rewrote files", "count", rewrites)
			}
		}
	}
}

func (t *tkv) Close() error {
	var closeErr error
	t.closed.Do(func() {
		close(t.stopGC)
		t.gcDone.Wait()
		if err := t.store.Close(); err != nil {
			t.logger.Error("error closing store db", "error", err)
			closeErr = &ErrInternal{Err: err}
			return
		}
		t.logger.Info("store db closed")
	})
	return closeErr
}

func (t *tkv) Get(key string) (string, error) {
	var value []byte
	err := t.store.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return &ErrKeyNotFound{Key: key}
			}
			return &ErrInternal{Err: err}
		}
		value, err = item.ValueCopy(nil)
		if err != nil {
			return &ErrInternal{Err: err}
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return string(value), nil
}

func (t *tkv) Set(key string, value string) error {
	return t.store.Update(func(txn *badger.Txn) error {
		if err := txn.Set([]byte(key), []byte(value)); err != nil {
			return &ErrInternal{Err: err}
		}
		return nil
	})
}

// Delete of a missing key is not an error.
func (t *tkv) Delete(key string) error {
	return t.store.Update(func(txn *badger.Txn) error {
		if err := txn.Delete([]byte(key)); err != nil {
			return &ErrInternal{Err: err}
		}
		return nil
	})
}

func (t *tkv) Iterate(prefix string, offset int, limit int) ([]string, error) {
	var values []string
	err := t.store.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefixBytes := []byte(prefix)
		skipped := 0
		collected := 0

		for it.Seek(prefixBytes); it.ValidForPrefix(prefixBytes); it.Next() {
			if skipped < offset {
				skipped++
				continue
			}
			if limit > 0 && collected >= limit {
				break
			}
			val, err := it.Item().ValueCopy(nil)
			if err != nil {
				return &ErrInternal{Err: err}
			}
			values = append(values, string(val))
			collected++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return values, nil
}

func (t *tkv) ListKeys(prefix string) ([]string, error) {
	keys := []string{}
	err := t.scanKeys(prefix, func(key []byte) {
		keys = append(keys, string(key))
	})
	if err != nil {
		return nil, err
	}
	return keys, nil
}

func (t *tkv) Count(prefix string) (int, error) {
	n := 0
	err := t.scanKeys(prefix, func([]byte) { n++ })
	return n, err
}

func (t *tkv) scanKeys(prefix string, fn func(key []byte)) error {
	return t.store.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(prefix)

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			fn(it.Item().KeyCopy(nil))
		}
		return nil
	})
}

func (t *tkv) BatchSet(entries []TKVBatchEntry) error {
	wb := t.store.NewWriteBatch()
	defer wb.Cancel()

	for _, entry := range entries {
		if err := wb.Set([]byte(entry.Key), []byte(entry.Value)); err != nil {
			return &ErrInternal{Err: err}
		}
	}
	if err := wb.Flush(); err != nil {
		return &ErrInternal{Err: err}
	}
	return nil
}

func (t *tkv) BatchDelete(keys []string) error {
	wb := t.store.NewWriteBatch()
	defer wb.Cancel()

	for _, key := range keys {
		if err := wb.Delete([]byte(key)); err != nil {
			return &ErrInternal{Err: err}
		}
	}
	if err := wb.Flush(); err != nil {
		return &ErrInternal{Err: err}
	}
	return nil
}

func (t *tkv) GetDataDB() *badger.DB {
	return t.store
}
