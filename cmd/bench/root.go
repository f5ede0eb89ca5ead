package bench

import (
	"fmt"
	"log"
	"math"
	"os"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/VictoriaMetrics/metrics"
	cmdUtil "github.com/jainsau/coals/cmd/util"
	"github.com/jainsau/coals/lib/logging"
	"github.com/jainsau/coals/lib/store/furnace"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// benchConfig holds the parsed configuration for one benchmark run.
type benchConfig struct {
	Capacity    uint64
	Prefix      string
	LogLevel    string
	Threads     int
	ValueSizeKB int
	Objects     int
	Skip        []string
	Metrics     bool
}

var (
	benchCmdConfig = &benchConfig{}
	BenchCmd       = &cobra.Command{
		Use:   "bench",
		Short: "Performance benchmarks for the store operations",
		Long: `Run performance benchmarks against a private store instance. Each
benchmark exercises one operation of the object lifecycle; the churn
benchmark runs the full put-get-release cycle under capacity pressure
so eviction is on the hot path.`,
		PreRunE: processBenchConfig,
		RunE:    run,
	}
)

func init() {
	// initialize viper
	cobra.OnInitialize(cmdUtil.InitConfig)

	// add flags
	key := "capacity"
	BenchCmd.Flags().Uint64(key, 1<<28, cmdUtil.WrapString("Store capacity in bytes"))

	key = "bench-prefix"
	BenchCmd.Flags().String(key, "", cmdUtil.WrapString("Name prefix for the store's shared resources. Defaults to a per-run unique name"))

	key = "threads"
	BenchCmd.Flags().Int(key, 10, cmdUtil.WrapString("Number of threads to use for the benchmark"))

	key = "value-size"
	BenchCmd.Flags().Int(key, 4, cmdUtil.WrapString("Payload size for the benchmarks (in KB)"))

	key = "objects"
	BenchCmd.Flags().Int(key, 100, cmdUtil.WrapString("How many different objects to use for the get benchmark"))

	key = "skip"
	BenchCmd.Flags().String(key, "", cmdUtil.WrapString("Benchmarks to skip (comma separated - e.g. put,get)"))

	key = "print-metrics"
	BenchCmd.Flags().Bool(key, false, cmdUtil.WrapString("Print the store's internal metrics in Prometheus format after the run"))

	key = "log-level"
	BenchCmd.Flags().String(key, "warn", cmdUtil.WrapString("LogLevel is the level at which logs will be output (debug, info, warn, error)"))
}

func processBenchConfig(cmd *cobra.Command, _ []string) error {
	if err := cmdUtil.BindCommandFlags(cmd); err != nil {
		return err
	}

	// Read the configuration from the command line flags and environment variables
	benchCmdConfig.Capacity = viper.GetUint64("capacity")
	benchCmdConfig.Prefix = viper.GetString("bench-prefix")
	benchCmdConfig.LogLevel = viper.GetString("log-level")
	benchCmdConfig.Threads = viper.GetInt("threads")
	benchCmdConfig.ValueSizeKB = viper.GetInt("value-size")
	benchCmdConfig.Objects = viper.GetInt("objects")
	benchCmdConfig.Skip = strings.Split(viper.GetString("skip"), ",")
	benchCmdConfig.Metrics = viper.GetBool("print-metrics")

	if benchCmdConfig.Prefix == "" {
		benchCmdConfig.Prefix = fmt.Sprintf("coals_bench_%d", os.Getpid())
	}

	return nil
}

func run(_ *cobra.Command, _ []string) error {
	fmt.Println("Performance benchmarks for the coals object store")

	// Print configuration
	fmt.Println()
	fmt.Println("Configuration:")
	fmt.Printf("  Capacity: %d bytes\n", benchCmdConfig.Capacity)
	fmt.Printf("  Payload:  %d KB\n", benchCmdConfig.ValueSizeKB)
	fmt.Printf("  Threads:  %d\n", benchCmdConfig.Threads)
	fmt.Printf("  Objects:  %d\n", benchCmdConfig.Objects)
	fmt.Println()

	logging.InitLoggers(benchCmdConfig.LogLevel)

	s, err := furnace.New(furnace.Config{
		Capacity: benchCmdConfig.Capacity,
		Prefix:   benchCmdConfig.Prefix,
	})
	if err != nil {
		return err
	}
	defer s.Shutdown()

	payload := make([]byte, benchCmdConfig.ValueSizeKB*1024)

	fmt.Println("starting benchmarks...")

	putResult := testing.Benchmark(func(b *testing.B) {
		if shouldSkip("put") {
			return
		}

		b.SetParallelism(benchCmdConfig.Threads)
		b.SetBytes(int64(len(payload)))
		b.ResetTimer()

		b.RunParallel(func(pb *testing.PB) {
			for pb.Next() {
				id, err := s.Put(payload)
				if err != nil {
					log.Printf("(put) - error storing object: %v\n", err)
					continue
				}
				// release right away so capacity pressure is relieved
				// by the eviction inside the next reservation
				if err := s.Release(id); err != nil {
					log.Printf("(put) - error releasing object: %v\n", err)
				}
			}
		})
	})
	printResult("put", putResult)

	getResult := testing.Benchmark(func(b *testing.B) {
		if shouldSkip("get") {
			return
		}

		// prepare objects
		ids := make([]string, benchCmdConfig.Objects)
		for i := range ids {
			id, err := s.Put(payload)
			if err != nil {
				log.Printf("(get) - error storing object: %v\n", err)
				return
			}
			ids[i] = id
		}

		// cleanup
		b.Cleanup(func() {
			for _, id := range ids {
				if err := s.Release(id); err != nil {
					log.Printf("(get) - error releasing object: %v\n", err)
				}
			}
			if _, err := s.Evict(); err != nil {
				log.Printf("(get) - error evicting objects: %v\n", err)
			}
		})

		b.SetParallelism(benchCmdConfig.Threads)
		b.SetBytes(int64(len(payload)))
		b.ResetTimer()

		b.RunParallel(func(pb *testing.PB) {
			counter := 0
			for pb.Next() {
				id := ids[counter%len(ids)]
				r, _, err := s.Get(id, time.Second)
				if err != nil {
					log.Printf("(get) - error getting object: %v\n", err)
					continue
				}
				if err := r.Close(); err != nil {
					log.Printf("(get) - error closing handle: %v\n", err)
				}
				if err := s.Release(id); err != nil {
					log.Printf("(get) - error releasing object: %v\n", err)
				}
				counter++
			}
		})
	})
	printResult("get", getResult)

	churnResult := testing.Benchmark(func(b *testing.B) {
		if shouldSkip("churn") {
			return
		}

		b.SetParallelism(benchCmdConfig.Threads)
		b.SetBytes(int64(len(payload)))
		b.ResetTimer()

		b.RunParallel(func(pb *testing.PB) {
			for pb.Next() {
				id, err := s.Put(payload)
				if err != nil {
					log.Printf("(churn) - error storing object: %v\n", err)
					continue
				}
				r, _, err := s.Get(id, time.Second)
				if err != nil {
					log.Printf("(churn) - error getting object: %v\n", err)
					continue
				}
				if err := r.Close(); err != nil {
					log.Printf("(churn) - error closing handle: %v\n", err)
				}
				// drop both the read and the creation reference
				for i := 0; i < 2; i++ {
					if err := s.Release(id); err != nil {
						log.Printf("(churn) - error releasing object: %v\n", err)
					}
				}
			}
		})
	})
	printResult("churn", churnResult)

	evictResult := testing.Benchmark(func(b *testing.B) {
		if shouldSkip("evict") {
			return
		}

		b.ResetTimer()

		for i := 0; i < b.N; i++ {
			b.StopTimer()
			id, err := s.Put(payload)
			if err != nil {
				log.Printf("(evict) - error storing object: %v\n", err)
				continue
			}
			if err := s.Release(id); err != nil {
				log.Printf("(evict) - error releasing object: %v\n", err)
			}
			b.StartTimer()

			if _, err := s.Evict(); err != nil {
				log.Printf("(evict) - error evicting: %v\n", err)
			}
		}
	})
	printResult("evict", evictResult)

	if benchCmdConfig.Metrics {
		fmt.Println()
		fmt.Println("Store metrics:")
		metrics.WritePrometheus(os.Stdout, false)
	}

	return nil
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

func shouldSkip(test string) bool {
	// Check if the test is in the skip list
	for _, skip := range benchCmdConfig.Skip {
		if test == skip {
			return true
		}
	}
	return false
}

// printResult prints the result of a benchmark test in a formatted way
func printResult(test string, result testing.BenchmarkResult) {
	if result.NsPerOp() == 0 {
		fmt.Printf("%-20sskipped\n", test)
		return
	}

	nsPerOp := math.Max(float64(result.NsPerOp()), 1) // prevent division by zero
	opsPerSec := 1.0 / (nsPerOp / 1e9)

	// Print the formatted result
	fmt.Printf("%-20s%.0fns/op (%s/op)\t%.0f ops/sec\t%s/s\n",
		test, nsPerOp, time.Duration(nsPerOp), opsPerSec, byteRate(result))
}

// byteRate formats the payload throughput of a benchmark result
func byteRate(result testing.BenchmarkResult) string {
	if result.NsPerOp() == 0 || result.Bytes == 0 {
		return "0 B"
	}
	bytesPerSec := float64(result.Bytes) * 1e9 / math.Max(float64(result.NsPerOp()), 1)
	switch {
	case bytesPerSec >= 1<<30:
		return strconv.FormatFloat(bytesPerSec/(1<<30), 'f', 2, 64) + " GB"
	case bytesPerSec >= 1<<20:
		return strconv.FormatFloat(bytesPerSec/(1<<20), 'f', 2, 64) + " MB"
	case bytesPerSec >= 1<<10:
		return strconv.FormatFloat(bytesPerSec/(1<<10), 'f', 2, 64) + " KB"
	default:
		return strconv.FormatFloat(bytesPerSec, 'f', 0, 64) + " B"
	}
}
