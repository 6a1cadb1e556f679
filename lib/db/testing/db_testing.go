package testing

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/ValentinKolb/hKV/lib/db"
)

// DBFactory creates a new instance of a KVDB implementation that keeps its
// files in dir. Calling it twice with the same dir reopens the database.
type DBFactory func(dir string) db.KVDB

// RunKVDBTests runs a comprehensive test suite for a KVDB implementation.
func RunKVDBTests(t *testing.T, name string, factory DBFactory) {
	open := func(t *testing.T) db.KVDB {
		return factory(t.TempDir())
	}

	t.Run(name, func(t *testing.T) {
		t.Run("Set&Get", func(t *testing.T) {
			testSetGet(t, open(t))
		})

		t.Run("Delete", func(t *testing.T) {
			testDelete(t, open(t))
		})

		t.Run("Has", func(t *testing.T) {
			testHas(t, open(t))
		})

		t.Run("Increment", func(t *testing.T) {
			testIncrement(t, open(t))
		})

		t.Run("Append", func(t *testing.T) {
			testAppend(t, open(t))
		})

		t.Run("ConcurrentMerges", func(t *testing.T) {
			testConcurrentMerges(t, open(t))
		})

		t.Run("CheckpointRecover", func(t *testing.T) {
			testCheckpointRecover(t, factory)
		})

		t.Run("EdgeCases", func(t *testing.T) {
			testEdgeCases(t, open(t))
		})

		t.Run("CollisionHandling", func(t *testing.T) {
			testCollisionHandling(t, open(t))
		})

		t.Run("RealisticUsage", func(t *testing.T) {
			testRealisticUsage(t, open(t))
		})

		t.Run("Info", func(t *testing.T) {
			testInfo(t, open(t))
		})
	})
}

// --------------------------------------------------------------------------
// Helper functions
// --------------------------------------------------------------------------

// Checks if the database supports the specified feature
// Skip the test if it is not supported
func requireFeature(t testing.TB, database db.KVDB, feature db.Feature) {
	if !database.SupportsFeature(feature) {
		t.Skip()
	}
}

// noErr fails the test immediately on an unexpected error
func noErr(t testing.TB, err error, op string) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s failed: %v", op, err)
	}
}

// mustGet returns the value of key, failing on errors
func mustGet(t testing.TB, database db.KVDB, key string) ([]byte, bool) {
	t.Helper()
	value, exists, err := database.Get(key)
	noErr(t, err, "Get "+key)
	return value, exists
}

// mustHas reports whether key exists, failing on errors
func mustHas(t testing.TB, database db.KVDB, key string) bool {
	t.Helper()
	exists, err := database.Has(key)
	noErr(t, err, "Has "+key)
	return exists
}

// --------------------------------------------------------------------------
// Test functions
// --------------------------------------------------------------------------

func testSetGet(t *testing.T, database db.KVDB) {
	defer database.Close()

	requireFeature(t, database, db.FeatureSet|db.FeatureGet)

	testKey := "test-key"
	testValue1 := []byte("test-value1")
	testValue2 := []byte("test-value2")

	noErr(t, database.Set(testKey, testValue1), "Set")

	result, exists := mustGet(t, database, testKey)
	if !exists {
		t.Errorf("Expected key %s to exist after Set", testKey)
	}
	if !bytes.Equal(result, testValue1) {
		t.Errorf("Expected value %s, got %s", testValue1, result)
	}

	noErr(t, database.Set(testKey, testValue2), "Set")

	result, exists = mustGet(t, database, testKey)
	if !exists {
		t.Errorf("Expected key %s to exist after Set", testKey)
	}
	if !bytes.Equal(result, testValue2) {
		t.Errorf("Expected value %s, got %s", testValue2, result)
	}

	_, exists = mustGet(t, database, "nonexistent-key")
	if exists {
		t.Errorf("Expected nonexistent key to return exists=false")
	}

	retrievedValue, _ := mustGet(t, database, testKey)
	retrievedValue[0] = 'X'

	originalValue, _ := mustGet(t, database, testKey)
	if bytes.Equal(retrievedValue, originalValue) {
		t.Errorf("Get should return a copy, not a reference to the stored value")
	}

	// the database must not keep a reference to the caller's slice either
	input := []byte("caller-owned")
	noErr(t, database.Set(testKey, input), "Set")
	input[0] = 'X'
	result, _ = mustGet(t, database, testKey)
	if !bytes.Equal(result, []byte("caller-owned")) {
		t.Errorf("Set should copy the value, got %s", result)
	}

	// a value of a different size replaces the record instead of overwriting it
	updatedValue := []byte("updated-value-with-another-size")
	noErr(t, database.Set(testKey, updatedValue), "Set")

	result, exists = mustGet(t, database, testKey)
	if !exists {
		t.Errorf("Expected key %s to exist after update", testKey)
	}
	if !bytes.Equal(result, updatedValue) {
		t.Errorf("Expected updated value %s, got %s", updatedValue, result)
	}
}

func testDelete(t *testing.T, database db.KVDB) {
	defer database.Close()

	requireFeature(t, database, db.FeatureSet|db.FeatureGet|db.FeatureDelete)

	testKey := "delete-key"
	noErr(t, database.Set(testKey, []byte("value")), "Set")
	noErr(t, database.Delete(testKey), "Delete")

	if _, exists := mustGet(t, database, testKey); exists {
		t.Errorf("Key %s should not exist after Delete", testKey)
	}

	// deleting twice and deleting a missing key are no-ops
	noErr(t, database.Delete(testKey), "Delete")
	noErr(t, database.Delete("never-written"), "Delete")

	// a deleted key can be written again
	noErr(t, database.Set(testKey, []byte("again")), "Set")
	result, exists := mustGet(t, database, testKey)
	if !exists || !bytes.Equal(result, []byte("again")) {
		t.Errorf("Expected key %s to be readable after re-Set, got %s (exists=%v)", testKey, result, exists)
	}
}

func testHas(t *testing.T, database db.KVDB) {
	defer database.Close()

	requireFeature(t, database, db.FeatureSet|db.FeatureHas|db.FeatureDelete)

	if mustHas(t, database, "has-key") {
		t.Errorf("Has should be false for a missing key")
	}

	noErr(t, database.Set("has-key", []byte("value")), "Set")
	if !mustHas(t, database, "has-key") {
		t.Errorf("Has should be true after Set")
	}

	noErr(t, database.Set("empty-key", nil), "Set")
	if !mustHas(t, database, "empty-key") {
		t.Errorf("Has should be true for a key with an empty value")
	}

	noErr(t, database.Delete("has-key"), "Delete")
	if mustHas(t, database, "has-key") {
		t.Errorf("Has should be false after Delete")
	}
}

func testIncrement(t *testing.T, database db.KVDB) {
	defer database.Close()

	requireFeature(t, database, db.FeatureIncrement|db.FeatureSet|db.FeatureDelete)

	n, err := database.Increment("counter", 5)
	noErr(t, err, "Increment")
	if n != 5 {
		t.Errorf("Expected a missing counter to start at 0, got %d after +5", n)
	}

	n, err = database.Increment("counter", -2)
	noErr(t, err, "Increment")
	if n != 3 {
		t.Errorf("Expected 3, got %d", n)
	}

	// a value that is no counter is replaced
	noErr(t, database.Set("not-a-counter", []byte("abc")), "Set")
	n, err = database.Increment("not-a-counter", 7)
	noErr(t, err, "Increment")
	if n != 7 {
		t.Errorf("Expected a non-counter value to count as 0, got %d", n)
	}

	// deleting a counter resets it
	noErr(t, database.Delete("counter"), "Delete")
	n, err = database.Increment("counter", 1)
	noErr(t, err, "Increment")
	if n != 1 {
		t.Errorf("Expected a deleted counter to restart at 0, got %d", n)
	}
}

func testAppend(t *testing.T, database db.KVDB) {
	defer database.Close()

	requireFeature(t, database, db.FeatureAppend|db.FeatureGet|db.FeatureSet)

	n, err := database.Append("log", []byte("hello"))
	noErr(t, err, "Append")
	if n != 5 {
		t.Errorf("Expected length 5, got %d", n)
	}

	n, err = database.Append("log", []byte(" world"))
	noErr(t, err, "Append")
	if n != 11 {
		t.Errorf("Expected length 11, got %d", n)
	}

	n, err = database.Append("log", nil)
	noErr(t, err, "Append")
	if n != 11 {
		t.Errorf("Expected an empty append to keep length 11, got %d", n)
	}

	result, exists := mustGet(t, database, "log")
	if !exists || string(result) != "hello world" {
		t.Errorf("Expected 'hello world', got %q (exists=%v)", result, exists)
	}

	noErr(t, database.Set("log", []byte("x")), "Set")
	n, err = database.Append("log", []byte("y"))
	noErr(t, err, "Append")
	if n != 2 {
		t.Errorf("Expected append after Set to give length 2, got %d", n)
	}
}

func testConcurrentMerges(t *testing.T, database db.KVDB) {
	defer database.Close()

	requireFeature(t, database, db.FeatureIncrement|db.FeatureAppend|db.FeatureGet)

	const (
		numWorkers = 8
		perWorker  = 500
		numKeys    = 4
	)

	var (
		wg     sync.WaitGroup
		failed atomic.Int32
	)
	wg.Add(numWorkers)
	for w := 0; w < numWorkers; w++ {
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				if _, err := database.Increment(fmt.Sprintf("hot-counter-%d", i%numKeys), 1); err != nil {
					failed.Add(1)
				}
				if _, err := database.Append("hot-blob", []byte{byte(w)}); err != nil {
					failed.Add(1)
				}
				// a filler write now and then moves records out of the mutable region
				if i%50 == 0 {
					if err := database.Set(fmt.Sprintf("filler-%d-%d", w, i), make([]byte, 64)); err != nil {
						failed.Add(1)
					}
				}
			}
		}()
	}
	wg.Wait()

	if n := failed.Load(); n > 0 {
		t.Fatalf("%d operations failed", n)
	}

	var total int64
	for k := 0; k < numKeys; k++ {
		n, err := database.Increment(fmt.Sprintf("hot-counter-%d", k), 0)
		noErr(t, err, "Increment")
		total += n
	}
	if total != numWorkers*perWorker {
		t.Errorf("Lost increments: expected %d, got %d", numWorkers*perWorker, total)
	}

	blob, _ := mustGet(t, database, "hot-blob")
	if len(blob) != numWorkers*perWorker {
		t.Errorf("Lost appends: expected length %d, got %d", numWorkers*perWorker, len(blob))
	}
}

func testCheckpointRecover(t *testing.T, factory DBFactory) {
	dir := t.TempDir()
	database := factory(dir)

	requireFeature(t, database, db.FeatureCheckpoint|db.FeatureRecover|db.FeatureSet|db.FeatureGet|db.FeatureDelete)

	numKeys := 500
	for i := 0; i < numKeys; i++ {
		noErr(t, database.Set(fmt.Sprintf("cp-key-%d", i), []byte(fmt.Sprintf("cp-value-%d", i))), "Set")
	}
	for i := 0; i < 10; i++ {
		_, err := database.Increment("cp-counter", 1)
		noErr(t, err, "Increment")
	}
	noErr(t, database.Delete("cp-key-0"), "Delete")

	token, err := database.Checkpoint()
	noErr(t, err, "Checkpoint")
	if token == "" {
		t.Fatalf("Checkpoint returned an empty token")
	}

	// writes after the checkpoint are not part of it
	noErr(t, database.Set("cp-key-1", []byte("after")), "Set")
	noErr(t, database.Set("cp-late", []byte("after")), "Set")
	noErr(t, database.Close(), "Close")

	recovered := factory(dir)
	defer recovered.Close()
	noErr(t, recovered.Recover(token), "Recover")

	if _, exists := mustGet(t, recovered, "cp-key-0"); exists {
		t.Errorf("Deleted key cp-key-0 came back after recovery")
	}
	for i := 1; i < numKeys; i++ {
		key := fmt.Sprintf("cp-key-%d", i)
		expected := []byte(fmt.Sprintf("cp-value-%d", i))
		value, exists := mustGet(t, recovered, key)
		if !exists || !bytes.Equal(value, expected) {
			t.Errorf("Key %s: expected %s, got %s (exists=%v)", key, expected, value, exists)
		}
	}
	if _, exists := mustGet(t, recovered, "cp-late"); exists {
		t.Errorf("Key written after the checkpoint survived recovery")
	}
	n, err := recovered.Increment("cp-counter", 0)
	noErr(t, err, "Increment")
	if n != 10 {
		t.Errorf("Expected recovered counter 10, got %d", n)
	}

	// recovery is not allowed once the database is in use
	if err := recovered.Recover(token); err == nil {
		t.Errorf("Recover on a database in use should fail")
	}

	// a second checkpoint continues from the recovered state
	_, err = recovered.Checkpoint()
	noErr(t, err, "Checkpoint")
}

func testEdgeCases(t *testing.T, database db.KVDB) {
	defer database.Close()

	requireFeature(t, database, db.FeatureSet|db.FeatureGet)

	emptyKey := ""
	emptyKeyValue := []byte("value for empty key")

	noErr(t, database.Set(emptyKey, emptyKeyValue), "Set")

	result, exists := mustGet(t, database, emptyKey)
	if !exists {
		t.Errorf("Empty key not found after Set")
	} else if !bytes.Equal(result, emptyKeyValue) {
		t.Errorf("Value mismatch for empty key")
	}

	emptyValueKey := "empty-value-key"
	noErr(t, database.Set(emptyValueKey, []byte{}), "Set")

	result, exists = mustGet(t, database, emptyValueKey)
	if !exists {
		t.Errorf("Key for empty value not found after Set")
	} else if len(result) != 0 {
		t.Errorf("Empty value mismatch: %v", result)
	}

	nilValueKey := "nil-value-key"
	noErr(t, database.Set(nilValueKey, nil), "Set")

	result, exists = mustGet(t, database, nilValueKey)
	if !exists {
		t.Errorf("Key for nil value not found after Set")
	} else if len(result) != 0 {
		t.Errorf("Nil value resulted in non-empty value: %v", result)
	}

	if !t.Failed() {

		largeKey := string(make([]byte, 1000))
		largeKeyValue := []byte("value for large key")

		noErr(t, database.Set(largeKey, largeKeyValue), "Set")

		result, exists = mustGet(t, database, largeKey)
		if !exists {
			t.Errorf("Large key not found after Set")
		} else if !bytes.Equal(result, largeKeyValue) {
			t.Errorf("Value mismatch for large key")
		}

		largeValueKey := "large-value-key"
		largeValue := make([]byte, 4*1024*1024)

		for i := range largeValue {
			largeValue[i] = byte(i % 256)
		}

		noErr(t, database.Set(largeValueKey, largeValue), "Set")

		result, exists = mustGet(t, database, largeValueKey)
		if !exists {
			t.Errorf("Key for large value not found after Set")
		} else if !bytes.Equal(result, largeValue) {

			headMismatch := !bytes.Equal(result[:10], largeValue[:10])
			tailMismatch := !bytes.Equal(result[len(result)-10:], largeValue[len(largeValue)-10:])
			t.Errorf("Large value mismatch: Head mismatch=%v, Tail mismatch=%v, Size mismatch=%v",
				headMismatch, tailMismatch, len(result) != len(largeValue))
		}
	}
}

func testCollisionHandling(t *testing.T, database db.KVDB) {
	defer database.Close()

	requireFeature(t, database, db.FeatureSet|db.FeatureGet|db.FeatureDelete)

	prefix := "collision-test-"
	numKeys := 1000

	for i := 0; i < numKeys; i++ {
		key := fmt.Sprintf("%s%d", prefix, i)
		value := []byte(fmt.Sprintf("value-%d", i))

		noErr(t, database.Set(key, value), "Set")
	}

	for i := 0; i < numKeys; i++ {
		key := fmt.Sprintf("%s%d", prefix, i)
		expectedValue := []byte(fmt.Sprintf("value-%d", i))

		actualValue, exists := mustGet(t, database, key)
		if !exists {
			t.Errorf("Key %s not found", key)
			continue
		}

		if !bytes.Equal(actualValue, expectedValue) {
			t.Errorf("Value for key %s does not match: expected %s, got %s",
				key, expectedValue, actualValue)
		}
	}

	for i := 0; i < numKeys; i += 2 {
		key := fmt.Sprintf("%s%d", prefix, i)
		noErr(t, database.Delete(key), "Delete")
	}

	for i := 0; i < numKeys; i++ {
		key := fmt.Sprintf("%s%d", prefix, i)
		_, exists := mustGet(t, database, key)

		if i%2 == 0 {
			if exists {
				t.Errorf("Key %s should be deleted", key)
			}
		} else {
			if !exists {
				t.Errorf("Key %s should still exist", key)
			}
		}
	}
}

func testRealisticUsage(t *testing.T, database db.KVDB) {
	defer database.Close()

	requireFeature(t, database, db.FeatureSet|db.FeatureGet|db.FeatureDelete)

	type operation struct {
		op    string
		key   string
		value []byte
	}

	numOperations := 10_000
	operations := make([]operation, numOperations)

	for i := 0; i < numOperations; i++ {
		var op string
		switch i % 10 {
		case 0, 1, 2, 3, 4, 5, 6:
			op = "set"
		case 7, 8:
			op = "get"
		case 9:
			op = "delete"
		}

		var key string
		if i%5 == 0 {
			key = fmt.Sprintf("hot-key-%d", i%50)
		} else {
			key = fmt.Sprintf("key-%d", i)
		}

		var value []byte
		if op == "set" {
			valueSize := 64
			if i%10 == 0 {
				valueSize = 1024
			}
			value = make([]byte, valueSize)

			for j := 0; j < valueSize; j++ {
				value[j] = byte((i + j) % 256)
			}
		}

		operations[i] = operation{op, key, value}
	}

	allKeys := make(map[string]bool)
	for _, op := range operations {
		allKeys[op.key] = true
	}

	numWorkers := 8
	var wg sync.WaitGroup
	wg.Add(numWorkers)

	var errorCount int32

	opsPerWorker := numOperations / numWorkers

	for w := 0; w < numWorkers; w++ {
		go func(workerId int) {
			defer wg.Done()

			start := workerId * opsPerWorker
			end := start + opsPerWorker

			for i := start; i < end; i++ {
				op := operations[i]

				var err error
				switch op.op {
				case "set":
					err = database.Set(op.key, op.value)
				case "get":
					_, _, err = database.Get(op.key)
				case "delete":
					err = database.Delete(op.key)
				}
				if err != nil {
					atomic.AddInt32(&errorCount, 1)
				}
			}
		}(w)
	}

	wg.Wait()

	if atomic.LoadInt32(&errorCount) > 0 {
		t.Fatalf("Test had %d errors during parallel operations", errorCount)
		return
	}

	// every surviving key holds a value some worker wrote for it
	written := make(map[string][][]byte)
	for _, op := range operations {
		if op.op == "set" {
			written[op.key] = append(written[op.key], op.value)
		}
	}

	for key := range allKeys {
		value, exists := mustGet(t, database, key)
		if !exists {
			continue
		}
		found := false
		for _, candidate := range written[key] {
			if bytes.Equal(candidate, value) {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("Key %s holds a value that was never written", key)
		}

		again, exists := mustGet(t, database, key)
		if !exists || !bytes.Equal(value, again) {
			t.Errorf("Consistency error: Key %s changed between two reads", key)
		}
	}
}

func testInfo(t *testing.T, database db.KVDB) {
	defer database.Close()

	requireFeature(t, database, db.FeatureSet)

	for i := 0; i < 100; i++ {
		noErr(t, database.Set(fmt.Sprintf("info-key-%d", i), make([]byte, 100)), "Set")
	}

	info := database.GetInfo()
	if info.SizeBytes <= 0 {
		t.Errorf("Expected a positive size estimate, got %d", info.SizeBytes)
	}
	for _, f := range info.SupportedFeatures {
		if !database.SupportsFeature(f) {
			t.Errorf("Feature %s is listed but not supported", f)
		}
	}

	if err := database.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := database.Set("after-close", nil); err == nil {
		t.Errorf("Set on a closed database should fail")
	} else if errors.Is(err, db.ErrNotSupported) {
		t.Errorf("Closed database reported an unsupported operation: %v", err)
	}
}
