package store

import (
	"context"
	"fmt"
	"io/ioutil"
	"os"
	"sync"
	"testing"

	"github.com/dgraph-io/badger/v2"
)

func openTestStores(t *testing.T) map[string]Store {
	t.Helper()

	dir, err := ioutil.TempDir("", "mxgate-store-test")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })

	opts := badger.DefaultOptions(dir)
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	return map[string]Store{
		"memory": NewMemory(),
		"badger": NewBadger(db),
	}
}

func TestKeyValue(t *testing.T) {
	ctx := context.Background()

	for name, s := range openTestStores(t) {
		t.Run(name, func(t *testing.T) {
			// fresh key: empty, absent
			v, err := s.Get(ctx, "hello")
			if err != nil {
				t.Fatal(err)
			}
			if v != "" {
				t.Fatalf("fresh Get = %q, want empty", v)
			}

			ok, err := s.Exists(ctx, "hello")
			if err != nil {
				t.Fatal(err)
			}
			if ok {
				t.Fatal("fresh Exists = true")
			}

			if err := s.Set(ctx, "hello", "world"); err != nil {
				t.Fatal(err)
			}

			v, err = s.Get(ctx, "hello")
			if err != nil {
				t.Fatal(err)
			}
			if v != "world" {
				t.Fatalf("Get = %q, want world", v)
			}

			ok, err = s.Exists(ctx, "hello")
			if err != nil {
				t.Fatal(err)
			}
			if !ok {
				t.Fatal("Exists = false after Set")
			}

			// overwrite is idempotent
			if err := s.Set(ctx, "hello", "world"); err != nil {
				t.Fatal(err)
			}
		})
	}
}

func TestCounter(t *testing.T) {
	ctx := context.Background()

	for name, s := range openTestStores(t) {
		t.Run(name, func(t *testing.T) {
			// 0 -> 1 -> 2 -> 2
			v, err := s.CounterGet(ctx, "county")
			if err != nil {
				t.Fatal(err)
			}
			if v != 0 {
				t.Fatalf("fresh CounterGet = %d", v)
			}

			for want := int64(1); want <= 2; want++ {
				v, err = s.CounterIncr(ctx, "county", 1)
				if err != nil {
					t.Fatal(err)
				}
				if v != want {
					t.Fatalf("CounterIncr = %d, want %d", v, want)
				}
			}

			v, err = s.CounterGet(ctx, "county")
			if err != nil {
				t.Fatal(err)
			}
			if v != 2 {
				t.Fatalf("CounterGet = %d, want 2", v)
			}
		})
	}
}

func TestCounterConcurrent(t *testing.T) {
	ctx := context.Background()

	const workers = 8
	const perWorker = 50

	for name, s := range openTestStores(t) {
		t.Run(name, func(t *testing.T) {
			counter := fmt.Sprintf("conc-%s", name)

			var wg sync.WaitGroup
			for i := 0; i < workers; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					for j := 0; j < perWorker; j++ {
						if _, err := s.CounterIncr(ctx, counter, 1); err != nil {
							t.Error(err)
							return
						}
					}
				}()
			}
			wg.Wait()

			v, err := s.CounterGet(ctx, counter)
			if err != nil {
				t.Fatal(err)
			}
			if v != workers*perWorker {
				t.Fatalf("lost increments: got %d, want %d", v, workers*perWorker)
			}
		})
	}
}

func TestCounterIncrCancelled(t *testing.T) {
	s := NewMemory()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := s.CounterIncr(ctx, "county", 1); err == nil {
		t.Fatal("expected error from cancelled context")
	}

	v, err := s.CounterGet(context.Background(), "county")
	if err != nil {
		t.Fatal(err)
	}
	if v != 0 {
		t.Fatalf("cancelled increment applied: %d", v)
	}
}
