package kv

import (
	"encoding/csv"
	"fmt"
	"math"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ValentinKolb/hKV/cmd/util"
	"github.com/ValentinKolb/hKV/lib/common"
	"github.com/ValentinKolb/hKV/lib/db"
	"github.com/rcrowley/go-metrics"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
)

var (
	perfTestCmd = &cobra.Command{
		Use:   "perf",
		Short: "Performance testing tool for the embedded store",
		Long: `Runs benchmarks against a fresh store in a temporary directory
(or --perf-dir). The engine flags (page sizes, sessions, device, ...) apply
to the benchmarked store.`,
		PersistentPreRunE:  processPerfConfig,
		PersistentPostRunE: func(*cobra.Command, []string) error { return nil },
		RunE:               run,
	}
	perfKeyPrefix        = "__test"
	perfLargeValueSizeKB = 100
	perfNumThreads       = 10
	perfKeySpread        = 100
	perfSkip             = make([]string, 0)
)

func init() {
	key := "skip"
	perfTestCmd.Flags().String(key, "", util.WrapString("Benchmarks to skip (comma separated - e.g. set,get)"))
	key = "threads"
	perfTestCmd.Flags().Int(key, 10, util.WrapString("Number of threads to use for the benchmark"))
	key = "large-value-size"
	perfTestCmd.Flags().Int(key, 100, util.WrapString("How large the value for the set-large test should be (in KB)"))
	key = "keys"
	perfTestCmd.Flags().Int(key, 100, util.WrapString("How many different keys to use for the tests"))
	key = "perf-dir"
	perfTestCmd.Flags().String(key, "", util.WrapString("Directory for the benchmarked store, a temporary directory is used if empty"))
	key = "csv"
	perfTestCmd.Flags().String(key, "", util.WrapString("Optional path to save benchmark results as CSV"))
}

func processPerfConfig(cmd *cobra.Command, _ []string) error {
	if err := util.BindCommandFlags(cmd); err != nil {
		return err
	}
	if err := util.InitLogging(); err != nil {
		return err
	}

	perfLargeValueSizeKB = viper.GetInt("large-value-size")
	perfKeySpread = max(viper.GetInt("keys"), 1)
	perfNumThreads = max(viper.GetInt("threads"), 1)
	perfSkip = strings.Split(viper.GetString("skip"), ",")

	return nil
}

// --------------------------------------------------------------------------
// Benchmarks
// --------------------------------------------------------------------------

// perfTest is one benchmark: prepare runs once per key before the timer
// starts, op is timed for every iteration
type perfTest struct {
	name    string
	prepare func(kv db.KVDB, key string) error
	op      func(kv db.KVDB, key string) error
}

// perfResult is the outcome of one benchmark
type perfResult struct {
	bench   testing.BenchmarkResult
	latency metrics.Timer
	errors  metrics.Counter
}

func perfTests() []perfTest {
	value := []byte("test")
	largeValue := make([]byte, perfLargeValueSizeKB*1024)
	set := func(kv db.KVDB, key string) error { return kv.Set(key, value) }

	return []perfTest{
		{name: "set", op: set},
		{name: "set-large", op: func(kv db.KVDB, key string) error { return kv.Set(key, largeValue) }},
		{name: "get", prepare: set, op: func(kv db.KVDB, key string) error {
			_, _, err := kv.Get(key)
			return err
		}},
		{name: "has", prepare: set, op: func(kv db.KVDB, key string) error {
			_, err := kv.Has(key)
			return err
		}},
		{name: "has-not", op: func(kv db.KVDB, key string) error {
			_, err := kv.Has(key)
			return err
		}},
		{name: "incr", op: func(kv db.KVDB, key string) error {
			_, err := kv.Increment(key, 1)
			return err
		}},
		{name: "append", op: func(kv db.KVDB, key string) error {
			// keep values bounded by resetting before they grow large
			n, err := kv.Append(key, value)
			if err == nil && n > 4096 {
				err = kv.Set(key, nil)
			}
			return err
		}},
		{name: "delete", prepare: set, op: func(kv db.KVDB, key string) error { return kv.Delete(key) }},
		{name: "mixed", prepare: set, op: mixedOp(value)},
	}
}

// mixedOp cycles through get, set, has and incr
func mixedOp(value []byte) func(kv db.KVDB, key string) error {
	var n atomic.Int64
	return func(kv db.KVDB, key string) error {
		switch n.Add(1) % 4 {
		case 0:
			_, _, err := kv.Get(key)
			return err
		case 1:
			return kv.Set(key, value)
		case 2:
			_, err := kv.Has(key)
			return err
		default:
			_, err := kv.Increment(key+"-counter", 1)
			return err
		}
	}
}

// runPerfTest prepares the keys in parallel and benchmarks op
func runPerfTest(kv db.KVDB, test perfTest) (perfResult, error) {
	registry := metrics.NewRegistry()
	res := perfResult{
		latency: metrics.GetOrRegisterTimer(test.name+".latency", registry),
		errors:  metrics.GetOrRegisterCounter(test.name+".errors", registry),
	}
	keys := makeKeys(test.name)

	if test.prepare != nil {
		g := errgroup.Group{}
		g.SetLimit(perfNumThreads)
		for _, k := range keys {
			g.Go(func() error { return test.prepare(kv, k) })
		}
		if err := g.Wait(); err != nil {
			return res, fmt.Errorf("(%s) - prepare failed: %w", test.name, err)
		}
	}

	op := test.op
	res.bench = testing.Benchmark(func(b *testing.B) {
		b.SetParallelism(perfNumThreads)
		b.ResetTimer()
		b.RunParallel(func(pb *testing.PB) {
			counter := 0
			for pb.Next() {
				start := time.Now()
				if err := op(kv, keys[counter%len(keys)]); err != nil {
					res.errors.Inc(1)
					util.Logger.Warningf("(%s) - %v", test.name, err)
				}
				res.latency.UpdateSince(start)
				counter++
			}
		})
	})
	return res, nil
}

// runCheckpointTest measures how long a checkpoint of the benchmarked store takes
func runCheckpointTest(kv db.KVDB) perfResult {
	registry := metrics.NewRegistry()
	res := perfResult{
		latency: metrics.GetOrRegisterTimer("checkpoint.latency", registry),
		errors:  metrics.GetOrRegisterCounter("checkpoint.errors", registry),
	}
	res.bench = testing.Benchmark(func(b *testing.B) {
		for i := 0; i < b.N; i++ {
			start := time.Now()
			if _, err := kv.Checkpoint(); err != nil {
				res.errors.Inc(1)
				util.Logger.Warningf("(checkpoint) - %v", err)
			}
			res.latency.UpdateSince(start)
		}
	})
	return res
}

func run(_ *cobra.Command, _ []string) error {
	fmt.Println("Performance testing tool for hKV")

	conf := util.GetEngineConfig()
	dir := viper.GetString("perf-dir")
	if dir == "" && conf.Device == common.DeviceFile {
		tmp, err := os.MkdirTemp("", "hkv-perf-*")
		if err != nil {
			return err
		}
		defer os.RemoveAll(tmp)
		dir = tmp
	}
	conf.Dir = dir

	kv, err := util.OpenDBWith(conf, false)
	if err != nil {
		return err
	}
	defer kv.Close()

	fmt.Println()
	fmt.Println("Configuration:")
	fmt.Println(conf.String())
	fmt.Printf("Threads: %d, Keys: %d\n", perfNumThreads, perfKeySpread)
	fmt.Println()

	fmt.Println("starting tests...")

	results := make(map[string]perfResult)
	for _, test := range perfTests() {
		if shouldSkip(test.name) {
			printResult(test.name, perfResult{})
			continue
		}
		res, err := runPerfTest(kv, test)
		if err != nil {
			return err
		}
		results[test.name] = res
		printResult(test.name, res)
	}

	if !shouldSkip("checkpoint") && kv.SupportsFeature(db.FeatureCheckpoint) {
		res := runCheckpointTest(kv)
		results["checkpoint"] = res
		printResult("checkpoint", res)
	}

	if csvPath := viper.GetString("csv"); csvPath != "" {
		fmt.Printf("\nExporting results to CSV: %s\n", csvPath)
		if err := writeResultsToCSV(csvPath, results, conf); err != nil {
			return err
		}
	}

	return nil
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

func shouldSkip(test string) bool {
	for _, skip := range perfSkip {
		if test == strings.TrimSpace(skip) {
			return true
		}
	}
	return false
}

// makeKeys creates the test keys of one benchmark
func makeKeys(prefix string) []string {
	keys := make([]string, perfKeySpread)
	for i := 0; i < perfKeySpread; i++ {
		keys[i] = fmt.Sprintf("%s-%s-%d", perfKeyPrefix, prefix, i)
	}
	return keys
}

// latencyPercentiles are reported for every benchmark
var latencyPercentiles = []float64{0.5, 0.99, 0.999}

// printResult prints the result of a benchmark test in a formatted way
func printResult(test string, result perfResult) {
	if result.latency == nil || result.bench.NsPerOp() == 0 {
		fmt.Printf("%-20sskipped\n", test)
		return
	}

	nsPerOp := math.Max(float64(result.bench.NsPerOp()), 1) // prevent division by zero
	opsPerSec := 1.0 / (nsPerOp / 1e9)

	ps := result.latency.Snapshot().Percentiles(latencyPercentiles)
	fmt.Printf("%-20s%.0fns/op (%s/op)\t%.0f ops/sec\tp50=%s p99=%s p99.9=%s",
		test, nsPerOp, time.Duration(nsPerOp), opsPerSec,
		time.Duration(ps[0]), time.Duration(ps[1]), time.Duration(ps[2]))
	if n := result.errors.Count(); n > 0 {
		fmt.Printf("\terrors=%d", n)
	}
	fmt.Println()
}

// writeResultsToCSV writes benchmark results to a CSV file
func writeResultsToCSV(csvPath string, results map[string]perfResult, config *common.EngineConfig) error {
	file, err := os.Create(csvPath)
	if err != nil {
		return fmt.Errorf("failed to create CSV file: %v", err)
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{
		"Test", "NsPerOp", "DurationPerOp", "OpsPerSec", "P50Ns", "P99Ns", "P999Ns", "Errors",
		"Device", "PageBits", "MemoryPages", "MutablePages", "Threads", "LargeValueSizeKB", "Keys Count",
	}
	if err := writer.Write(header); err != nil {
		return fmt.Errorf("failed to write CSV header: %v", err)
	}

	tests := make([]string, 0, len(results))
	for test := range results {
		tests = append(tests, test)
	}
	sort.Strings(tests)

	for _, test := range tests {
		result := results[test]
		nsPerOp := math.Max(float64(result.bench.NsPerOp()), 1)
		ps := result.latency.Snapshot().Percentiles(latencyPercentiles)

		row := []string{
			test,
			strconv.FormatFloat(nsPerOp, 'f', 0, 64),
			time.Duration(nsPerOp).String(),
			strconv.FormatFloat(1.0/(nsPerOp/1e9), 'f', 0, 64),
			strconv.FormatFloat(ps[0], 'f', 0, 64),
			strconv.FormatFloat(ps[1], 'f', 0, 64),
			strconv.FormatFloat(ps[2], 'f', 0, 64),
			strconv.FormatInt(result.errors.Count(), 10),
			string(config.Device),
			strconv.Itoa(int(config.PageBits)),
			strconv.Itoa(config.MemoryPages),
			strconv.Itoa(config.MutablePages),
			strconv.Itoa(perfNumThreads),
			strconv.Itoa(perfLargeValueSizeKB),
			strconv.Itoa(perfKeySpread),
		}
		if err := writer.Write(row); err != nil {
			return fmt.Errorf("failed to write CSV row: %v", err)
		}
	}

	return nil
}
