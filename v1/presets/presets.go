// Package presets wires complete ward engines for the common deployment
// shapes, so applications do not assemble lock, bus, store, audit and
// services by hand.
package presets

import (
	redis "github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/mirkobrombin/go-ward/v1/audit"
	"github.com/mirkobrombin/go-ward/v1/lock"
	"github.com/mirkobrombin/go-ward/v1/snapshot"
	"github.com/mirkobrombin/go-ward/v1/store"
	"github.com/mirkobrombin/go-ward/v1/syncbus"
	"github.com/mirkobrombin/go-ward/v1/workflow"
)

// Engine bundles the fully wired ward services over one database.
type Engine struct {
	Store    *store.Store
	Recorder *audit.Recorder
	Bus      syncbus.Bus
	Mutex    lock.Mutex
	Jobs     *workflow.JobService
	Tickets  *workflow.TicketService

	JobSnapshots    *snapshot.Cache[store.Job]
	TicketSnapshots *snapshot.Cache[store.Ticket]
}

// Close releases the engine's read-side caches.
func (e *Engine) Close() {
	e.JobSnapshots.Close()
	e.TicketSnapshots.Close()
}

// RedisOptions configures the connection to Redis.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
}

// NewStandalone creates a single-process engine: in-memory mutex and bus
// over the given database. Suitable for tests and single-node deployments.
func NewStandalone(db *gorm.DB, opts ...workflow.Option) (*Engine, error) {
	bus := syncbus.NewInMemoryBus()
	return assemble(db, bus, lock.NewInMemory(bus), opts...)
}

// NewRedisCluster creates an engine whose mutex and commit signals go
// through Redis, so multiple nodes sharing the database serialize correctly.
func NewRedisCluster(db *gorm.DB, opts RedisOptions, wopts ...workflow.Option) (*Engine, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	bus := syncbus.NewRedisBus(client)
	return assemble(db, bus, lock.NewRedis(client, bus), wopts...)
}

// NewRedisClusterFromClient is NewRedisCluster over an existing client.
func NewRedisClusterFromClient(db *gorm.DB, client *redis.Client, wopts ...workflow.Option) (*Engine, error) {
	bus := syncbus.NewRedisBus(client)
	return assemble(db, bus, lock.NewRedis(client, bus), wopts...)
}

func assemble(db *gorm.DB, bus syncbus.Bus, mu lock.Mutex, opts ...workflow.Option) (*Engine, error) {
	st, err := store.New(db)
	if err != nil {
		return nil, err
	}
	rec, err := audit.NewRecorder(db)
	if err != nil {
		return nil, err
	}
	opts = append(opts, workflow.WithBus(bus))
	jobs, err := workflow.NewJobService(mu, st, rec, opts...)
	if err != nil {
		return nil, err
	}
	tickets, err := workflow.NewTicketService(mu, st, rec, opts...)
	if err != nil {
		return nil, err
	}
	jobSnaps, err := snapshot.New[store.Job](st, bus)
	if err != nil {
		return nil, err
	}
	ticketSnaps, err := snapshot.New[store.Ticket](st, bus)
	if err != nil {
		jobSnaps.Close()
		return nil, err
	}
	return &Engine{
		Store:           st,
		Recorder:        rec,
		Bus:             bus,
		Mutex:           mu,
		Jobs:            jobs,
		Tickets:         tickets,
		JobSnapshots:    jobSnaps,
		TicketSnapshots: ticketSnaps,
	}, nil
}
