// Command ui serves titandelay inspection data over HTTP.
//
//	GET    /health
//	GET    /metrics
//	GET    /api/topics/{topic}
//	GET    /api/topics/{topic}/leases
//	GET    /api/topics/{topic}/deadletters
//	DELETE /api/topics/{topic}/deadletters
//	DELETE /api/topics/{topic}/deadletters/{id}
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hemant/titandelay"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

func main() {
	redisURI := flag.String("redis", "redis://localhost:6379/0", "Redis URI")
	port := flag.Int("port", 8080, "HTTP server port")
	partitions := flag.Int("partitions", 0, "Partitions per topic (0 uses the default)")
	flag.Parse()

	opt, err := titandelay.ParseRedisURI(*redisURI)
	if err != nil {
		log.Fatalf("Invalid Redis URI %q: %v", *redisURI, err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	reg, err := titandelay.NewRegistry(opt, titandelay.Config{
		Partitions:        *partitions,
		MetricsRegisterer: registry,
	})
	if err != nil {
		log.Fatalf("Failed to create registry: %v", err)
	}
	defer reg.Shutdown()

	// Verify Redis connection
	if err := reg.Ping(); err != nil {
		log.Fatalf("Failed to connect to Redis at %s: %v", *redisURI, err)
	}
	log.Printf("Connected to Redis at %s", *redisURI)

	handler := NewHandler(reg.Inspector(), registry, reg.Ping)
	addr := fmt.Sprintf(":%d", *port)
	server := &http.Server{
		Addr:              addr,
		Handler:           handler.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Handle shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		log.Println("Shutting down...")
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(ctx)
	}()

	log.Printf("titandelay UI starting on http://localhost%s", addr)
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		log.Fatalf("Server error: %v", err)
	}
}
