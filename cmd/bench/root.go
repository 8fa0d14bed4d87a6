package bench

import (
	"fmt"
	"strings"
	"sync"
	"time"

	gometrics "github.com/rcrowley/go-metrics"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/rkvlib/rkv/cmd/util"
	"github.com/rkvlib/rkv/lib/changeset"
	"github.com/rkvlib/rkv/lib/ops"
	"github.com/rkvlib/rkv/lib/store"
	"github.com/rkvlib/rkv/lib/store/kstore"
	"github.com/rkvlib/rkv/lib/stream"
)

var (
	// BenchCmd measures store and operator throughput with latency
	// histograms per benchmark.
	BenchCmd = &cobra.Command{
		Use:     "bench",
		Short:   "Benchmark stores and operator pipelines",
		RunE:    run,
		PreRunE: processConfig,
	}

	benchOps     = 100000
	benchThreads = 8
	benchKeys    = 1000
	benchSkip    = make([]string, 0)
)

func init() {
	// add flags
	key := "ops"
	BenchCmd.Flags().Int(key, 100000, util.WrapString("Number of operations per benchmark"))
	key = "threads"
	BenchCmd.Flags().Int(key, 8, util.WrapString("Number of goroutines issuing operations"))
	key = "keys"
	BenchCmd.Flags().Int(key, 1000, util.WrapString("How many different keys to spread the operations over"))
	key = "skip"
	BenchCmd.Flags().String(key, "", util.WrapString("Benchmarks to skip (comma separated - e.g. set,sort)"))
}

func processConfig(cmd *cobra.Command, _ []string) error {
	if err := util.BindCommandFlags(cmd); err != nil {
		return err
	}

	benchOps = viper.GetInt("ops")
	benchThreads = viper.GetInt("threads")
	benchKeys = viper.GetInt("keys")
	if skip := viper.GetString("skip"); skip != "" {
		benchSkip = strings.Split(skip, ",")
	}

	return nil
}

func shouldSkip(name string) bool {
	for _, s := range benchSkip {
		if strings.TrimSpace(s) == name {
			return true
		}
	}
	return false
}

type benchItem struct {
	Key string
	N   int
}

func itemKey(i benchItem) string { return i.Key }

func run(_ *cobra.Command, _ []string) error {
	fmt.Println("rkv benchmark")
	fmt.Println()
	fmt.Println("Configuration:")
	fmt.Printf("Operations: %d\n", benchOps)
	fmt.Printf("Threads:    %d\n", benchThreads)
	fmt.Printf("Keys:       %d\n", benchKeys)
	fmt.Println()

	runBench("set", benchSet)
	runBench("edit-batch", benchEditBatch)
	runBench("subscribed-set", benchSubscribedSet)
	runBench("sort", benchSort)
	runBench("group", benchGroup)
	runBench("pipeline", benchPipeline)

	return nil
}

// runBench executes one benchmark, recording per-operation latencies into an
// exponentially decaying histogram, and prints the distribution.
func runBench(name string, fn func(h gometrics.Histogram)) {
	if shouldSkip(name) {
		fmt.Printf("%-16s skipped\n", name)
		return
	}

	h := gometrics.NewHistogram(gometrics.NewExpDecaySample(4096, 0.015))
	start := time.Now()
	fn(h)
	elapsed := time.Since(start)

	ps := h.Percentiles([]float64{0.5, 0.95, 0.99})
	fmt.Printf("%-16s %8.0f ops/s | mean %8s | p50 %8s | p95 %8s | p99 %8s | max %8s\n",
		name,
		float64(h.Count())/elapsed.Seconds(),
		time.Duration(int64(h.Mean())),
		time.Duration(int64(ps[0])),
		time.Duration(int64(ps[1])),
		time.Duration(int64(ps[2])),
		time.Duration(h.Max()),
	)
}

// parallel spreads ops operations over the configured thread count. Each
// call to op is timed individually; the histogram sample is thread-safe.
func parallel(h gometrics.Histogram, op func(n int) error) {
	var wg sync.WaitGroup
	perThread := benchOps / benchThreads

	wg.Add(benchThreads)
	for t := 0; t < benchThreads; t++ {
		go func(base int) {
			defer wg.Done()
			for i := 0; i < perThread; i++ {
				n := base + i
				start := time.Now()
				if err := op(n); err != nil {
					fmt.Printf("benchmark op failed: %v\n", err)
					return
				}
				h.Update(int64(time.Since(start)))
			}
		}(t * perThread)
	}
	wg.Wait()
}

func benchKey(n int) string {
	return fmt.Sprintf("key-%d", n%benchKeys)
}

// --------------------------------------------------------------------------
// Benchmarks
// --------------------------------------------------------------------------

// Single-key writes against a bare store, no subscribers.
func benchSet(h gometrics.Histogram) {
	st := kstore.New[string, benchItem](itemKey, nil)
	defer st.Dispose()

	parallel(h, func(n int) error {
		return st.AddOrUpdate(benchItem{Key: benchKey(n), N: n})
	})
}

// Batches of 10 writes per edit.
func benchEditBatch(h gometrics.Histogram) {
	st := kstore.New[string, benchItem](itemKey, nil)
	defer st.Dispose()

	parallel(h, func(n int) error {
		return st.Edit(func(ed store.Editor[string, benchItem]) error {
			for i := 0; i < 10; i++ {
				ed.AddOrUpdate(benchItem{Key: benchKey(n*10 + i), N: n})
			}
			return nil
		})
	})
}

// Writes with a live subscriber consuming every change set.
func benchSubscribedSet(h gometrics.Histogram) {
	st := kstore.New[string, benchItem](itemKey, nil)
	defer st.Dispose()

	sub := stream.OnNext(st.Connect(), func(changeset.Set[string, benchItem]) {})
	defer sub.Dispose()

	parallel(h, func(n int) error {
		return st.AddOrUpdate(benchItem{Key: benchKey(n), N: n})
	})
}

// Writes flowing through a sorted projection.
func benchSort(h gometrics.Histogram) {
	st := kstore.New[string, benchItem](itemKey, nil)
	defer st.Dispose()

	sorted := ops.NewSort[string, benchItem](st, ops.OrderedBy(func(i benchItem) int { return i.N }), nil)
	sub := stream.OnNext(sorted.Connect(), func(changeset.Set[string, benchItem]) {})
	defer sub.Dispose()

	parallel(h, func(n int) error {
		return st.AddOrUpdate(benchItem{Key: benchKey(n), N: n})
	})
}

// Writes flowing through a grouped projection.
func benchGroup(h gometrics.Histogram) {
	st := kstore.New[string, benchItem](itemKey, nil)
	defer st.Dispose()

	grouped := ops.NewGroupBy[string, benchItem, int](st, func(i benchItem) int { return i.N % 10 })
	sub := stream.OnNext(grouped.Connect(), func(changeset.Set[int, *ops.Group[string, benchItem, int]]) {})
	defer sub.Dispose()

	parallel(h, func(n int) error {
		return st.AddOrUpdate(benchItem{Key: benchKey(n), N: n})
	})
}

// Full chain: filter into sort into a buffered sink.
func benchPipeline(h gometrics.Histogram) {
	st := kstore.New[string, benchItem](itemKey, nil)
	defer st.Dispose()

	filtered := ops.NewFilter[string, benchItem](st, func(i benchItem) bool { return i.N%2 == 0 })
	sorted := ops.NewSort[string, benchItem](filtered, ops.OrderedBy(func(i benchItem) int { return i.N }), nil)
	buffered := ops.NewBuffered[string, benchItem](sorted)

	sub := stream.OnNext(buffered.Connect(), func(changeset.Set[string, benchItem]) {})
	defer sub.Dispose()

	parallel(h, func(n int) error {
		return st.AddOrUpdate(benchItem{Key: benchKey(n), N: n})
	})
}
