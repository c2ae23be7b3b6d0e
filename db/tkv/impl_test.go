package tkv

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"reflect"
	"testing"
)

type testTKV struct {
	tkv TKV
	dir string
}

func (t *testTKV) Cleanup() error {
	t.tkv.Close()
	return os.RemoveAll(t.dir)
}

func createTestTKV(t *testing.T) *testTKV {
	t.Helper()
	dir, err := os.MkdirTemp(os.TempDir(), "tkv_test_*")
	if err != nil {
		t.Fatalf("failed to create temp dir for test: %v", err)
	}

	store, err := New(Config{
		Logger: slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelWarn,
		})),
		Directory: dir,
		AppCtx:    context.Background(),
	})
	if err != nil {
		t.Fatalf("failed to create test TKV: %v", err)
	}
	return &testTKV{tkv: store, dir: dir}
}

// -------------------------- TESTS

func TestTKV_GetSetDelete(t *testing.T) {
	tkvTest := createTestTKV(t)
	defer tkvTest.Cleanup()

	t.Run("Set and Get basic value", func(t *testing.T) {
		if err := tkvTest.tkv.Set("testKey1", "testValue1"); err != nil {
			t.Errorf("Set() error = %v, wantErr nil", err)
		}
		got, err := tkvTest.tkv.Get("testKey1")
		if err != nil {
			t.Errorf("Get() error = %v, wantErr nil", err)
		}
		if got != "testValue1" {
			t.Errorf("Get() got = %v, want %v", got, "testValue1")
		}
	})

	t.Run("Get non-existent key", func(t *testing.T) {
		_, err := tkvTest.tkv.Get("nonExistentKey")
		var keyNotFound *ErrKeyNotFound
		if !errors.As(err, &keyNotFound) {
			t.Fatalf("Get() expected ErrKeyNotFound, got %T", err)
		}
		if keyNotFound.Key != "nonExistentKey" {
			t.Errorf("ErrKeyNotFound.Key got = %s, want %s", keyNotFound.Key, "nonExistentKey")
		}
		if !IsErrKeyNotFound(err) {
			t.Errorf("IsErrKeyNotFound() = false for %v", err)
		}
	})

	t.Run("Delete existing key", func(t *testing.T) {
		if err := tkvTest.tkv.Set("toBeDeletedKey", "v"); err != nil {
			t.Fatalf("Setup: Set() error = %v", err)
		}
		if err := tkvTest.tkv.Delete("toBeDeletedKey"); err != nil {
			t.Errorf("Delete() error = %v, wantErr nil", err)
		}
		if _, err := tkvTest.tkv.Get("toBeDeletedKey"); !IsErrKeyNotFound(err) {
			t.Errorf("Get() after Delete expected ErrKeyNotFound, got %v", err)
		}
	})

	t.Run("Delete non-existent key", func(t *testing.T) {
		if err := tkvTest.tkv.Delete("nonExistentKeyForDelete"); err != nil {
			t.Errorf("Delete() of non-existent key error = %v, wantErr nil", err)
		}
	})
}

func TestTKV_ListKeysAndCount(t *testing.T) {
	tkvTest := createTestTKV(t)
	defer tkvTest.Cleanup()

	keys := []string{"buffer:dev-1:a", "buffer:dev-1:b", "buffer:dev-2:a", "other:key"}
	for _, key := range keys {
		if err := tkvTest.tkv.Set(key, "v-"+key); err != nil {
			t.Fatalf("Setup: Set() error for key %s: %v", key, err)
		}
	}

	tests := []struct {
		name   string
		prefix string
		want   []string
	}{
		{"all buffer keys", "buffer:", []string{"buffer:dev-1:a", "buffer:dev-1:b", "buffer:dev-2:a"}},
		{"single device", "buffer:dev-1:", []string{"buffer:dev-1:a", "buffer:dev-1:b"}},
		{"no match", "nothing:", []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tkvTest.tkv.ListKeys(tt.prefix)
			if err != nil {
				t.Fatalf("ListKeys() error = %v", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("ListKeys() got = %v, want %v", got, tt.want)
			}
			n, err := tkvTest.tkv.Count(tt.prefix)
			if err != nil {
				t.Fatalf("Count() error = %v", err)
			}
			if n != len(tt.want) {
				t.Errorf("Count() got = %d, want %d", n, len(tt.want))
			}
		})
	}

	t.Run("Iterate returns values", func(t *testing.T) {
		got, err := tkvTest.tkv.Iterate("buffer:dev-2:", 0, 0)
		if err != nil {
			t.Fatalf("Iterate() error = %v", err)
		}
		if !reflect.DeepEqual(got, []string{"v-buffer:dev-2:a"}) {
			t.Errorf("Iterate() got = %v", got)
		}
	})
}

func TestTKV_Batch(t *testing.T) {
	tkvTest := createTestTKV(t)
	defer tkvTest.Cleanup()

	entries := []TKVBatchEntry{
		{Key: "batch:1", Value: "one"},
		{Key: "batch:2", Value: "two"},
		{Key: "batch:3", Value: "three"},
	}
	if err := tkvTest.tkv.BatchSet(entries); err != nil {
		t.Fatalf("BatchSet() error = %v", err)
	}
	for _, e := range entries {
		got, err := tkvTest.tkv.Get(e.Key)
		if err != nil || got != e.Value {
			t.Errorf("Get(%s) = %q, %v; want %q", e.Key, got, err, e.Value)
		}
	}

	if err := tkvTest.tkv.BatchDelete([]string{"batch:1", "batch:3", "batch:missing"}); err != nil {
		t.Fatalf("BatchDelete() error = %v", err)
	}
	keys, err := tkvTest.tkv.ListKeys("batch:")
	if err != nil {
		t.Fatalf("ListKeys() error = %v", err)
	}
	if !reflect.DeepEqual(keys, []string{"batch:2"}) {
		t.Errorf("ListKeys() after BatchDelete got = %v", keys)
	}
}

func TestTKV_InMemoryAndDoubleClose(t *testing.T) {
	store, err := New(Config{InMemory: true})
	if err != nil {
		t.Fatalf("New() in-memory error = %v", err)
	}
	if err := store.Set("k", "v"); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := store.Close(); err != nil {
		t.Errorf("second Close() error = %v, want nil", err)
	}
}
