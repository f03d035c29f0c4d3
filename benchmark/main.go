// Command benchmark measures send throughput, processing throughput and
// delivery lateness against a Redis server. It flushes the selected
// database before every run.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hemant/titandelay"
	"github.com/redis/go-redis/v9"
)

var (
	redisAddr = flag.String("redis", "localhost:6379", "Redis server address")
	mode      = flag.String("mode", "reliable", "Consumer mode: reliable or standard")
	messages  = flag.Int("n", 50000, "Messages per run")
)

type BenchmarkResult struct {
	Name     string
	Messages int
	Workers  int
	Duration time.Duration
	Rate     float64
	Success  int64
	Failed   int64
}

var allResults []BenchmarkResult

func clearRedis() {
	client := redis.NewClient(&redis.Options{Addr: *redisAddr})
	defer client.Close()
	client.FlushDB(context.Background())
}

func newRegistry(workers int) *titandelay.Registry {
	var m titandelay.Mode
	if err := m.Set(*mode); err != nil {
		log.Fatal(err)
	}
	reg, err := titandelay.NewRegistry(titandelay.RedisClientOpt{Addr: *redisAddr}, titandelay.Config{
		CorePoolSize: workers,
		MaxPoolSize:  workers,
		Mode:         m,
		LogLevel:     titandelay.WarnLevel,
	})
	if err != nil {
		log.Fatalf("Failed to create registry: %v", err)
	}
	return reg
}

// BenchmarkSend measures raw send throughput.
func BenchmarkSend(n, concurrency int) BenchmarkResult {
	log.Printf("\n=== SEND BENCHMARK ===")
	log.Printf("Messages: %d, Concurrency: %d goroutines", n, concurrency)

	reg := newRegistry(1)
	defer reg.Shutdown()

	var wg sync.WaitGroup
	var success, failed int64
	perWorker := n / concurrency
	start := time.Now()
	for w := 0; w < concurrency; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				if err := reg.Send(context.Background(), "benchmark", `{"data":"benchmark payload"}`, time.Minute); err != nil {
					atomic.AddInt64(&failed, 1)
				} else {
					atomic.AddInt64(&success, 1)
				}
			}
		}()
	}
	wg.Wait()
	elapsed := time.Since(start)

	r := BenchmarkResult{
		Name:     fmt.Sprintf("Send (concurrency=%d)", concurrency),
		Messages: n,
		Workers:  concurrency,
		Duration: elapsed,
		Rate:     float64(success) / elapsed.Seconds(),
		Success:  success,
		Failed:   failed,
	}
	log.Printf("  Duration: %v, Success: %d, Failed: %d, Rate: %.2f msg/sec", elapsed, success, failed, r.Rate)
	return r
}

// BenchmarkProcessing measures how fast due messages are consumed.
func BenchmarkProcessing(n, workers int) BenchmarkResult {
	log.Printf("\n=== PROCESSING BENCHMARK ===")
	log.Printf("Messages: %d, Workers per partition: %d", n, workers)

	reg := newRegistry(workers)
	defer reg.Shutdown()
	for i := 0; i < n; i++ {
		if err := reg.Send(context.Background(), "benchmark", "m", 0); err != nil {
			log.Fatalf("Failed to send: %v", err)
		}
	}
	log.Printf("Pre-sent %d messages", n)

	var processed int64
	done := make(chan struct{})
	var once sync.Once
	reg.Register(titandelay.NewHandler("benchmark", func(ctx context.Context, content string) error {
		if atomic.AddInt64(&processed, 1) == int64(n) {
			once.Do(func() { close(done) })
		}
		return nil
	}))

	start := time.Now()
	if err := reg.Start(); err != nil {
		log.Fatalf("Failed to start: %v", err)
	}
	select {
	case <-done:
	case <-time.After(2 * time.Minute):
		log.Printf("TIMEOUT")
	}
	elapsed := time.Since(start)
	count := atomic.LoadInt64(&processed)

	r := BenchmarkResult{
		Name:     fmt.Sprintf("Processing (workers=%d)", workers),
		Messages: n,
		Workers:  workers,
		Duration: elapsed,
		Rate:     float64(count) / elapsed.Seconds(),
		Success:  count,
		Failed:   int64(n) - count,
	}
	log.Printf("  Duration: %v, Processed: %d, Rate: %.2f msg/sec", elapsed, count, r.Rate)
	return r
}

// BenchmarkLateness measures how long after their due time messages arrive.
func BenchmarkLateness(n int, delay time.Duration) {
	log.Printf("\n=== LATENESS BENCHMARK ===")
	log.Printf("Messages: %d, Delay: %v", n, delay)

	reg := newRegistry(8)
	defer reg.Shutdown()

	var mu sync.Mutex
	lateness := make([]time.Duration, 0, n)
	done := make(chan struct{})
	reg.Register(titandelay.NewHandler("lateness", func(ctx context.Context, content string) error {
		due, err := time.Parse(time.RFC3339Nano, content)
		if err != nil {
			return err
		}
		mu.Lock()
		defer mu.Unlock()
		lateness = append(lateness, time.Since(due))
		if len(lateness) == n {
			close(done)
		}
		return nil
	}))
	if err := reg.Start(); err != nil {
		log.Fatalf("Failed to start: %v", err)
	}
	for i := 0; i < n; i++ {
		due := time.Now().Add(delay)
		if err := reg.Send(context.Background(), "lateness", due.Format(time.RFC3339Nano), delay); err != nil {
			log.Fatalf("Failed to send: %v", err)
		}
	}
	select {
	case <-done:
	case <-time.After(delay + time.Minute):
		log.Printf("TIMEOUT")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(lateness) == 0 {
		return
	}
	sort.Slice(lateness, func(i, j int) bool { return lateness[i] < lateness[j] })
	pct := func(p float64) time.Duration { return lateness[int(p*float64(len(lateness)-1))] }
	log.Printf("  Delivered: %d, p50: %v, p99: %v, max: %v", len(lateness), pct(0.5), pct(0.99), lateness[len(lateness)-1])
}

func printSummaryTable() {
	fmt.Println()
	fmt.Printf("%-40s %10s %8s %14s\n", "TEST", "MESSAGES", "WORKERS", "RATE (msg/s)")
	for _, r := range allResults {
		fmt.Printf("%-40s %10d %8d %14.2f\n", r.Name, r.Messages, r.Workers, r.Rate)
	}
}

func main() {
	flag.Parse()
	log.SetOutput(os.Stdout)
	log.SetFlags(log.Ltime | log.Lmicroseconds)

	log.Printf("titandelay %s benchmark, mode=%s", titandelay.Version, *mode)
	log.Printf("CPU Cores: %d | GOMAXPROCS: %d", runtime.NumCPU(), runtime.GOMAXPROCS(0))

	for _, concurrency := range []int{10, 50, 100} {
		clearRedis()
		allResults = append(allResults, BenchmarkSend(*messages, concurrency))
	}
	for _, workers := range []int{4, 16, 32} {
		clearRedis()
		allResults = append(allResults, BenchmarkProcessing(*messages, workers))
	}
	clearRedis()
	BenchmarkLateness(1000, 2*time.Second)

	printSummaryTable()
}
