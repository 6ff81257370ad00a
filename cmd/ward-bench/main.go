package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/mirkobrombin/go-ward/v1/presets"
	"github.com/mirkobrombin/go-ward/v1/store"
	"github.com/mirkobrombin/go-ward/v1/workflow"
)

var (
	concurrency = flag.Int("c", 20, "Number of concurrent escalators")
	transitions = flag.Int("n", 1000, "Total number of transitions")
	redisAddr   = flag.String("redis", "", "Redis address (empty starts an embedded miniredis)")
)

func main() {
	flag.Parse()

	log.Printf("Starting benchmark: %d transitions, %d concurrency", *transitions, *concurrency)

	addr := *redisAddr
	if addr == "" {
		mr, err := miniredis.Run()
		if err != nil {
			log.Fatalf("Embedded redis failed: %v", err)
		}
		defer mr.Close()
		addr = mr.Addr()
		log.Printf("Using embedded redis at %s", addr)
	}
	rdb := goredis.NewClient(&goredis.Options{Addr: addr})
	defer rdb.Close()

	db, err := gorm.Open(sqlite.Open("file:wardbench?mode=memory&cache=shared"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		log.Fatalf("Open database failed: %v", err)
	}
	engine, err := presets.NewRedisClusterFromClient(db, rdb)
	if err != nil {
		log.Fatalf("Engine setup failed: %v", err)
	}
	defer engine.Close()
	tickets := engine.Tickets

	ctx := context.Background()
	tk := &store.Ticket{Status: workflow.TicketOpen}
	if err := engine.Store.DB().Create(tk).Error; err != nil {
		log.Fatalf("Seed failed: %v", err)
	}

	var done atomic.Int64
	perWorker := *transitions / *concurrency
	start := time.Now()

	var g errgroup.Group
	for i := 0; i < *concurrency; i++ {
		g.Go(func() error {
			for j := 0; j < perWorker; j++ {
				if _, err := tickets.Escalate(ctx, tk.ID, "bench"); err != nil {
					return fmt.Errorf("escalate: %w", err)
				}
				done.Add(1)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		log.Fatalf("Benchmark failed: %v", err)
	}
	elapsed := time.Since(start)

	final, err := tickets.Get(ctx, tk.ID)
	if err != nil {
		log.Fatalf("Final read failed: %v", err)
	}
	if int64(final.Level) != done.Load() {
		log.Fatalf("Lost updates: level %d, applied %d", final.Level, done.Load())
	}

	throughput := float64(done.Load()) / elapsed.Seconds()
	log.Printf("Finished in %v", elapsed)
	log.Printf("Throughput: %.2f transitions/s", throughput)
	log.Printf("Avg Latency: %.2f ms", elapsed.Seconds()/float64(done.Load())*1e3)
	log.Printf("Final level: %d, version: %d (no lost updates)", final.Level, final.Version)
}
