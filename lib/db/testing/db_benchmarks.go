package testing

import (
	"fmt"
	"math/rand"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ValentinKolb/hKV/lib/db"
)

// RunKVDBBenchmarks runs all benchmarks for a key-value database implementations
func RunKVDBBenchmarks(b *testing.B, name string, factory DBFactory) {
	open := func(b *testing.B) db.KVDB {
		return factory(b.TempDir())
	}

	b.Run("Set", func(b *testing.B) {
		benchmarkSet(b, open(b))
	})

	b.Run("SetExisting", func(b *testing.B) {
		benchmarkSetExisting(b, open(b))
	})

	b.Run("SetLargeValue", func(b *testing.B) {
		benchmarkSetLargeValue(b, open(b))
	})

	b.Run("Get", func(b *testing.B) {
		benchmarkGet(b, open(b))
	})

	b.Run("Delete", func(b *testing.B) {
		benchmarkDelete(b, open(b))
	})

	b.Run("Has", func(b *testing.B) {
		benchmarkHas(b, open(b))
	})

	b.Run("Has(not)", func(b *testing.B) {
		benchmarkHasNot(b, open(b))
	})

	b.Run("IncrementHot", func(b *testing.B) {
		benchmarkIncrementHot(b, open(b))
	})

	b.Run("Append", func(b *testing.B) {
		benchmarkAppend(b, open(b))
	})

	b.Run("Checkpoint", func(b *testing.B) {
		benchmarkCheckpoint(b, open(b))
	})

	b.Run("MixedUsage", func(b *testing.B) {
		benchmarkMixedUsage(b, open(b))
	})

	b.Run("MixedUsageWithMerges", func(b *testing.B) {
		benchmarkMixedUsageWithMerges(b, open(b))
	})
}

// --------------------------------------------------------------------------
// Benchmark functions
// --------------------------------------------------------------------------

// prefill writes numKeys keys test-key-<i>
func prefill(b *testing.B, database db.KVDB, numKeys int) []string {
	keys := make([]string, numKeys)
	for i := 0; i < numKeys; i++ {
		keys[i] = fmt.Sprintf("test-key-%d", i)
		value := []byte(fmt.Sprintf("test-value-%d", i))
		if err := database.Set(keys[i], value); err != nil {
			b.Fatalf("prefill failed: %v", err)
		}
	}
	return keys
}

// Benchmark for Set operation
func benchmarkSet(b *testing.B, database db.KVDB) {
	b.Cleanup(func() {
		database.Close()
	})

	requireFeature(b, database, db.FeatureSet)

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		counter := 0
		for pb.Next() {
			key := fmt.Sprintf("test-key-%p-%d", pb, counter)
			value := []byte(fmt.Sprintf("test-value-%d", counter))
			database.Set(key, value)
			counter++
		}
	})
}

// Benchmark for Set operation with existing keys (same size, in place)
func benchmarkSetExisting(b *testing.B, database db.KVDB) {
	b.Cleanup(func() {
		database.Close()
	})

	requireFeature(b, database, db.FeatureSet)

	numKeys := min(b.N, 100_000)
	keys := prefill(b, database, numKeys)

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		counter := 0
		value := []byte("fixed-size-value")
		for pb.Next() {
			database.Set(keys[counter%numKeys], value)
			counter++
		}
	})
}

// Benchmark for Set operation with large values
func benchmarkSetLargeValue(b *testing.B, database db.KVDB) {
	b.Cleanup(func() {
		database.Close()
	})

	requireFeature(b, database, db.FeatureSet)

	largeValue := make([]byte, 64*1024) // 64KB

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		counter := 0
		for pb.Next() {
			key := fmt.Sprintf("test-key-%d", counter%1024)
			database.Set(key, largeValue)
			counter++
		}
	})
}

// Parallel benchmarking for Get operation
func benchmarkGet(b *testing.B, database db.KVDB) {
	b.Cleanup(func() {
		database.Close()
	})

	requireFeature(b, database, db.FeatureSet|db.FeatureGet)

	numKeys := 10000
	keys := prefill(b, database, numKeys)

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		counter := 0
		for pb.Next() {
			database.Get(keys[counter%numKeys])
			counter++
		}
	})
}

// Parallel benchmarking for Delete operation
func benchmarkDelete(b *testing.B, database db.KVDB) {
	b.Cleanup(func() {
		database.Close()
	})

	requireFeature(b, database, db.FeatureSet|db.FeatureDelete)

	numKeys := min(b.N, 100_000)
	keys := prefill(b, database, numKeys)

	var counter int64

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			idx := int(atomic.AddInt64(&counter, 1)-1) % numKeys
			database.Delete(keys[idx])
		}
	})
}

// Parallel benchmarking for Has operation (with key miss)
func benchmarkHasNot(b *testing.B, database db.KVDB) {
	b.Cleanup(func() {
		database.Close()
	})

	requireFeature(b, database, db.FeatureHas)
	const key = "test-key"

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			database.Has(key)
		}
	})
}

// Parallel benchmarking for Has operation
func benchmarkHas(b *testing.B, database db.KVDB) {
	b.Cleanup(func() {
		database.Close()
	})

	requireFeature(b, database, db.FeatureSet|db.FeatureHas)

	numKeys := 10000
	keys := prefill(b, database, numKeys)

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		counter := 0
		for pb.Next() {
			database.Has(keys[counter%numKeys])
			counter++
		}
	})
}

// Contended Increment on a handful of counters
func benchmarkIncrementHot(b *testing.B, database db.KVDB) {
	b.Cleanup(func() {
		database.Close()
	})

	requireFeature(b, database, db.FeatureIncrement)

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		counter := 0
		for pb.Next() {
			database.Increment(fmt.Sprintf("counter-%d", counter%8), 1)
			counter++
		}
	})
}

// Append always copies the record, this measures the append path of the log
func benchmarkAppend(b *testing.B, database db.KVDB) {
	b.Cleanup(func() {
		database.Close()
	})

	requireFeature(b, database, db.FeatureAppend)

	chunk := []byte("0123456789abcdef")

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		counter := 0
		for pb.Next() {
			// bounded values, every key restarts after 64 appends
			key := fmt.Sprintf("blob-%p-%d", pb, counter/64)
			database.Append(key, chunk)
			counter++
		}
	})
}

// Checkpoints are sequential, parallelization is not meaningful
func benchmarkCheckpoint(b *testing.B, database db.KVDB) {
	b.Cleanup(func() {
		database.Close()
	})

	requireFeature(b, database, db.FeatureSet|db.FeatureCheckpoint)

	keys := prefill(b, database, 10000)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		// dirty a few keys so every checkpoint has log to flush
		for j := 0; j < 100; j++ {
			database.Set(keys[(i*100+j)%len(keys)], []byte(fmt.Sprintf("v-%d", i)))
		}
		if _, err := database.Checkpoint(); err != nil {
			b.Fatalf("checkpoint failed: %v", err)
		}
	}
}

// Benchmark for mixed usage patterns
func benchmarkMixedUsage(b *testing.B, database db.KVDB) {
	b.Cleanup(func() {
		database.Close()
	})

	requireFeature(b, database, db.FeatureSet|db.FeatureGet|db.FeatureDelete|db.FeatureHas)

	numKeys := min(b.N, 100_000)
	keys := prefill(b, database, numKeys)

	var counter int64

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		localCounter := 0

		for pb.Next() {
			idx := int(atomic.AddInt64(&counter, 1)-1) % numKeys

			// every 10th operation uses a completely new key
			var key string
			if localCounter%10 == 0 {
				key = fmt.Sprintf("new-key-%d", localCounter)
			} else {
				key = keys[idx]
			}

			switch localCounter % 4 {
			case 0:
				database.Get(key)
			case 1:
				database.Set(key, []byte(fmt.Sprintf("mixed-value-%d", localCounter)))
			case 2:
				database.Delete(key)
			case 3:
				database.Has(key)
			}

			localCounter++
		}
	})
}

// benchmarkMixedUsageWithMerges mixes reads with increments on a shared key space
func benchmarkMixedUsageWithMerges(b *testing.B, database db.KVDB) {
	b.Cleanup(func() {
		database.Close()
	})

	requireFeature(b, database, db.FeatureIncrement|db.FeatureGet)

	numKeys := 50_000

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		rnd := rand.New(rand.NewSource(time.Now().UnixNano()))

		for pb.Next() {
			key := fmt.Sprintf("test-mixed-key-%d", rnd.Intn(numKeys))
			// 70% Get, 30% Increment
			if rnd.Float32() < .7 {
				database.Get(key)
			} else {
				database.Increment(key, 1)
			}
		}
	})
}
