package perf

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"log"
	"math"
	"os"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/ValentinKolb/rntbd/cmd/util"
	"github.com/ValentinKolb/rntbd/rntbd/common"
	"github.com/ValentinKolb/rntbd/rntbd/endpoint"
	"github.com/ValentinKolb/rntbd/rntbd/frame"
	"github.com/VictoriaMetrics/metrics"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	PerfCmd = &cobra.Command{
		Use:   "perf <address>",
		Short: "Performance testing tool for RNTBD replicas",
		Long: `Runs parallel document requests against a replica (e.g. one started with "rntbd serve") and prints the latency and throughput of every test.
Available tests: create, read, read-large, replace, delete, mixed`,
		Args:    cobra.ExactArgs(1),
		PreRunE: processPerfConfig,
		RunE:    run,
	}
	perfPathPrefix       = "dbs/perf/colls/perf/docs"
	perfLargeValueSizeKB = 100
	perfNumThreads       = 10
	perfDocSpread        = 100
	perfSkip             = make([]string, 0)

	perfOptions  common.Options
	perfEndpoint *endpoint.Endpoint
)

// test is one benchmark. prepare runs before the timer starts, op is called
// with a running counter.
type test struct {
	name    string
	prepare func(doc func(int) string)
	op      func(ctx context.Context, doc func(int) string, counter int) error
}

func init() {
	cobra.OnInitialize(util.InitConfig)
	util.SetupClientFlags(PerfCmd)

	key := "skip"
	PerfCmd.Flags().String(key, "", util.WrapString("Benchmarks to skip (comma separated - e.g. create,read)"))
	key = "threads"
	PerfCmd.Flags().Int(key, 10, util.WrapString("Number of threads to use for the benchmark"))
	key = "large-value-size"
	PerfCmd.Flags().Int(key, 100, util.WrapString("How large the document for the read-large test should be (in KB)"))
	key = "docs"
	PerfCmd.Flags().Int(key, 100, util.WrapString("How many different documents to use for the tests"))
	key = "csv"
	PerfCmd.Flags().String(key, "", util.WrapString("Optional path to save benchmark results as CSV"))
	key = "metrics"
	PerfCmd.Flags().Bool(key, false, util.WrapString("Print the endpoint and process metrics in Prometheus format after the tests"))
}

func processPerfConfig(cmd *cobra.Command, _ []string) error {
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	perfLargeValueSizeKB = viper.GetInt("large-value-size")
	perfDocSpread = viper.GetInt("docs")
	perfNumThreads = viper.GetInt("threads")
	perfSkip = strings.Split(viper.GetString("skip"), ",")

	if perfDocSpread < 1 {
		return fmt.Errorf("docs must be positive, got %d", perfDocSpread)
	}
	return nil
}

func run(cmd *cobra.Command, args []string) error {
	opts, connector, err := util.SetupClient(cmd)
	if err != nil {
		return err
	}
	perfOptions = opts

	provider, err := endpoint.NewProvider(endpoint.Config{Options: opts, Connector: connector})
	if err != nil {
		return err
	}
	defer provider.Close()

	if perfEndpoint, err = provider.Get(args[0]); err != nil {
		return err
	}

	fmt.Println("Performance testing tool for RNTBD replicas")

	fmt.Println()
	fmt.Println("Configuration:")
	fmt.Println(opts.String())
	fmt.Printf("Replica: %s (%s)\n", args[0], connector.GetName())
	fmt.Printf("Threads: %d\n", perfNumThreads)
	fmt.Println()

	fmt.Println("starting tests...")

	small := []byte(`{"id":"perf","value":"test"}`)
	large := make([]byte, perfLargeValueSizeKB*1024)
	for i := range large {
		large[i] = 'x'
	}

	tests := []test{
		{
			name: "create",
			op: func(ctx context.Context, doc func(int) string, counter int) error {
				// every create needs a fresh path
				return ignoreStatus(do(ctx, frame.OperationCreate, fmt.Sprintf("%s-%d", doc(counter), counter), small), 409)
			},
		},
		{
			name:    "read",
			prepare: upsertAll(small),
			op: func(ctx context.Context, doc func(int) string, counter int) error {
				return do(ctx, frame.OperationRead, doc(counter), nil)
			},
		},
		{
			name:    "read-large",
			prepare: upsertAll(large),
			op: func(ctx context.Context, doc func(int) string, counter int) error {
				return do(ctx, frame.OperationRead, doc(counter), nil)
			},
		},
		{
			name:    "replace",
			prepare: upsertAll(small),
			op: func(ctx context.Context, doc func(int) string, counter int) error {
				return do(ctx, frame.OperationReplace, doc(counter), small)
			},
		},
		{
			name:    "delete",
			prepare: upsertAll(small),
			op: func(ctx context.Context, doc func(int) string, counter int) error {
				return ignoreStatus(do(ctx, frame.OperationDelete, doc(counter), nil), 404)
			},
		},
		{
			name:    "mixed",
			prepare: upsertAll(small),
			op: func(ctx context.Context, doc func(int) string, counter int) error {
				var err error
				switch counter % 4 {
				case 0: // upsert
					err = do(ctx, frame.OperationUpsert, doc(counter), small)
				case 1: // read
					err = do(ctx, frame.OperationRead, doc(counter), nil)
				case 2: // delete
					err = do(ctx, frame.OperationDelete, doc(counter), nil)
				case 3: // head
					err = do(ctx, frame.OperationHead, doc(counter), nil)
				}
				return ignoreStatus(err, 404)
			},
		},
	}

	results := make(map[string]testing.BenchmarkResult)
	for _, tt := range tests {
		result := benchmark(tt)
		results[tt.name] = result
		printResult(tt.name, result)
	}

	fmt.Println()
	fmt.Println(perfEndpoint.Metrics().Snapshot())

	if viper.GetBool("metrics") {
		fmt.Println()
		provider.WriteMetrics(os.Stdout)
		metrics.WriteProcessMetrics(os.Stdout)
	}

	// Write results to csv is specified
	if csvPath := viper.GetString("csv"); csvPath != "" {
		fmt.Printf("\nExporting results to CSV: %s\n", csvPath)
		if err := writeResultsToCSV(csvPath, args[0], results); err != nil {
			return fmt.Errorf("failed to export results to CSV: %v", err)
		}
		fmt.Println("Export complete")
	}

	return nil
}

// benchmark runs one test with perfNumThreads goroutines per CPU
func benchmark(tt test) testing.BenchmarkResult {
	return testing.Benchmark(func(b *testing.B) {
		if shouldSkip(tt.name) {
			return
		}

		doc, iter := getDocs(tt.name)
		if tt.prepare != nil {
			tt.prepare(doc)
		}

		// cleanup
		b.Cleanup(func() {
			iter(func(path string) {
				if err := ignoreStatus(do(context.Background(), frame.OperationDelete, path, nil), 404); err != nil {
					log.Printf("(%s) - error deleting document: %v\n", tt.name, err)
				}
			})
		})

		b.SetParallelism(perfNumThreads)

		b.ResetTimer()

		b.RunParallel(func(pb *testing.PB) {
			ctx := context.Background()
			counter := 0
			for pb.Next() {
				if err := tt.op(ctx, doc, counter); err != nil {
					log.Printf("(%s) - error: %v\n", tt.name, err)
				}
				counter++
			}
		})
	})
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

func do(ctx context.Context, op frame.OperationType, path string, payload []byte) error {
	req := frame.NewServiceRequest(op, frame.ResourceDocument, path)
	if payload != nil {
		req.WithPayload(payload)
	}
	_, err := perfEndpoint.Request(ctx, req)
	return err
}

// ignoreStatus drops status errors with one of the given codes
func ignoreStatus(err error, codes ...int32) error {
	var statusErr *common.StatusError
	if errors.As(err, &statusErr) {
		for _, code := range codes {
			if statusErr.Status == code {
				return nil
			}
		}
	}
	return err
}

func upsertAll(payload []byte) func(doc func(int) string) {
	return func(doc func(int) string) {
		for i := 0; i < perfDocSpread; i++ {
			if err := do(context.Background(), frame.OperationUpsert, doc(i), payload); err != nil {
				log.Printf("error preparing document %s: %v\n", doc(i), err)
			}
		}
	}
}

func shouldSkip(test string) bool {
	for _, skip := range perfSkip {
		if test == skip {
			return true
		}
	}
	return false
}

// creates the document paths of a test and functions to work with them
func getDocs(prefix string) (func(int) string, func(func(string))) {
	docs := make([]string, perfDocSpread)
	for i := 0; i < perfDocSpread; i++ {
		docs[i] = fmt.Sprintf("%s/%s-%d", perfPathPrefix, prefix, i)
	}

	// Function to get a path by index (with wraparound)
	getDoc := func(i int) string {
		return docs[i%perfDocSpread]
	}

	iterateDocs := func(fn func(string)) {
		for _, doc := range docs {
			fn(doc)
		}
	}

	return getDoc, iterateDocs
}

// printResult prints the result of a benchmark test in a formatted way
func printResult(test string, result testing.BenchmarkResult) {
	if result.NsPerOp() == 0 {
		fmt.Printf("%-20sskipped\n", test)
		return
	}

	nsPerOp := math.Max(float64(result.NsPerOp()), 1) // prevent division by zero
	opsPerSec := 1.0 / (nsPerOp / 1e9)

	fmt.Printf("%-20s%.0fns/op (%s/op)\t%.0f ops/sec\n", test, nsPerOp, time.Duration(nsPerOp), opsPerSec)
}

// writeResultsToCSV writes benchmark results to a CSV file
func writeResultsToCSV(csvPath, address string, results map[string]testing.BenchmarkResult) error {
	file, err := os.Create(csvPath)
	if err != nil {
		return fmt.Errorf("failed to create CSV file: %v", err)
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{
		"Test", "NsPerOp", "DurationPerOp", "OpsPerSec", "Skipped",
		"Replica", "Transport", "RequestTimeout", "MaxChannels", "MaxRequests",
		"Threads", "LargeValueSizeKB", "Docs",
	}
	if err := writer.Write(header); err != nil {
		return fmt.Errorf("failed to write CSV header: %v", err)
	}

	for test, result := range results {
		var nsPerOp float64
		var opsPerSec float64
		var skipped string

		if result.NsPerOp() == 0 {
			skipped = "true"
		} else {
			skipped = "false"
			nsPerOp = math.Max(float64(result.NsPerOp()), 1)
			opsPerSec = 1.0 / (nsPerOp / 1e9)
		}

		row := []string{
			test,
			fmt.Sprintf("%.0f", nsPerOp),
			time.Duration(nsPerOp).String(),
			fmt.Sprintf("%.0f", opsPerSec),
			skipped,
			address,
			viper.GetString("transport"),
			perfOptions.RequestTimeout.String(),
			strconv.Itoa(perfOptions.MaxChannelsPerEndpoint),
			strconv.Itoa(perfOptions.MaxRequestsPerChannel),
			strconv.Itoa(perfNumThreads),
			strconv.Itoa(perfLargeValueSizeKB),
			strconv.Itoa(perfDocSpread),
		}

		if err := writer.Write(row); err != nil {
			return fmt.Errorf("failed to write row for test %s: %v", test, err)
		}
	}

	return nil
}
