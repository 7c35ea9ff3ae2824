package ftdb

import (
	"fmt"
	"math/rand/v2"
	"path/filepath"
	"testing"
)

func openBench(b *testing.B, options ...DBOption) *DB {
	b.Helper()
	path := filepath.Join(b.TempDir(), "bench.db")
	db, err := Open(path, append([]DBOption{WithSyncBytes(1024 * 1024)}, options...)...)
	if err != nil {
		b.Fatalf("Failed to create DB: %v", err)
	}
	b.Cleanup(func() { _ = db.Close() })
	return db
}

// populate loads n sequential keys in batches of 100 per transaction.
func populate(b *testing.B, db *DB, n int) {
	b.Helper()
	const batchSize = 100
	for batch := 0; batch < n; batch += batchSize {
		err := db.Update(func(tx *Tx) error {
			for i := batch; i < batch+batchSize && i < n; i++ {
				key := fmt.Sprintf("key%08d", i)
				value := fmt.Sprintf("value%08d", i)
				if err := tx.Put([]byte(key), []byte(value)); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			b.Fatalf("Failed to populate DB: %v", err)
		}
	}
}

func BenchmarkDBGet(b *testing.B) {
	db := openBench(b)
	numKeys := 10000
	populate(b, db, numKeys)

	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		keyNum := (i * 7) % numKeys
		key := fmt.Sprintf("key%08d", keyNum)
		if _, err := db.Get([]byte(key)); err != nil {
			b.Errorf("get failed: %v", err)
		}
	}
}

func BenchmarkDBSet(b *testing.B) {
	db := openBench(b)

	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		key := fmt.Sprintf("key%08d", i)
		value := fmt.Sprintf("value%08d", i)
		if err := db.Set([]byte(key), []byte(value)); err != nil {
			b.Errorf("Set failed: %v", err)
		}
	}
}

// BenchmarkDBRandomInsert measures the case message buffering targets:
// inserts scattered over a tree larger than one node.
func BenchmarkDBRandomInsert(b *testing.B) {
	db := openBench(b)
	rng := rand.New(rand.NewPCG(1, 2))

	b.ResetTimer()

	err := db.Update(func(tx *Tx) error {
		for i := 0; i < b.N; i++ {
			key := fmt.Sprintf("key%016x", rng.Uint64())
			if err := tx.Put([]byte(key), []byte("value")); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		b.Fatalf("insert failed: %v", err)
	}
}

func BenchmarkDBBulkLoad(b *testing.B) {
	db := openBench(b)

	b.ResetTimer()

	err := db.Update(func(tx *Tx) error {
		_, err := tx.BulkLoad(func(l *BulkLoader) error {
			for i := 0; i < b.N; i++ {
				key := fmt.Sprintf("key%016d", i)
				if err := l.Set([]byte(key), []byte("value")); err != nil {
					return err
				}
			}
			return nil
		})
		return err
	})
	if err != nil {
		b.Fatalf("load failed: %v", err)
	}
}

func BenchmarkDBMixed(b *testing.B) {
	db := openBench(b)
	numKeys := 10000
	populate(b, db, numKeys)

	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		switch {
		case i%5 < 4:
			// 80% reads
			keyNum := (i * 7) % numKeys
			key := fmt.Sprintf("key%08d", keyNum)
			if _, err := db.Get([]byte(key)); err != nil {
				b.Errorf("get failed: %v", err)
			}
		case i%10 < 9:
			// Update existing
			keyNum := (i * 13) % numKeys
			key := fmt.Sprintf("key%08d", keyNum)
			value := fmt.Sprintf("updated%08d", i)
			if err := db.Set([]byte(key), []byte(value)); err != nil {
				b.Errorf("Set failed: %v", err)
			}
		default:
			key := fmt.Sprintf("newkey%08d", numKeys+i)
			value := fmt.Sprintf("newvalue%08d", i)
			if err := db.Set([]byte(key), []byte(value)); err != nil {
				b.Errorf("Set failed: %v", err)
			}
		}
	}
}

func BenchmarkDBConcurrentReads(b *testing.B) {
	db := openBench(b)
	numKeys := 50000
	populate(b, db, numKeys)

	b.ResetTimer()

	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			keyNum := (i * 7) % numKeys
			key := fmt.Sprintf("key%08d", keyNum)
			if _, err := db.Get([]byte(key)); err != nil {
				b.Errorf("get failed: %v", err)
			}
			i++
		}
	})
}

func BenchmarkDBScan(b *testing.B) {
	db := openBench(b)
	populate(b, db, 10000)

	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		err := db.View(func(tx *Tx) error {
			return tx.ForEach(func(_, _ []byte) error { return nil })
		})
		if err != nil {
			b.Fatalf("scan failed: %v", err)
		}
	}
}
