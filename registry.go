// Copyright 2020 Kentaro Hibino. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package titandelay

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hemant/titandelay/internal/base"
	"github.com/hemant/titandelay/internal/log"
	"github.com/hemant/titandelay/internal/metrics"
	"github.com/hemant/titandelay/internal/pebblestore"
	"github.com/hemant/titandelay/internal/rdb"
	"github.com/redis/go-redis/v9"
)

// Registry is the entry point for producing and consuming delayed messages.
//
// Send routes a message of a topic to one of the topic's partitions in
// round-robin order; routers are created on first use and kept for the
// lifetime of the registry.
//
// Start runs one consumer per partition for every registered Handler.
// A message is delivered to its handler once its delay has elapsed. If the
// handler fails, the message is retried with exponential backoff until
// either it succeeds or it reaches its max retry count, at which point it
// is moved to the topic's dead-letter store.
type Registry struct {
	logger *log.Logger
	opts   options

	broker base.Broker
	// delay is the backend of the delay channels. When a Registry has been
	// created with an existing connection, we do not want to close it.
	delay            base.Broker
	sharedConnection bool
	// stateStore is set when leases and dead letters live in a local database.
	stateStore *pebblestore.Store

	metrics     *metrics.Metrics
	deadLetters *DeadLetterStore

	state *serverState

	mu      sync.RWMutex
	routers map[string]*ProducerRouter

	handlersMu sync.Mutex
	handlers   map[string]Handler
	consumers  []Consumer

	// wait group to wait for all goroutines to finish.
	wg            sync.WaitGroup
	healthchecker *healthchecker
}

// Version of titandelay library.
const Version = base.Version

type serverState struct {
	mu    sync.Mutex
	value serverStateValue
}

type serverStateValue int

const (
	// StateNew represents a new server.
	srvStateNew serverStateValue = iota

	// StateActive indicates the server is up and active.
	srvStateActive

	// StateStopped indicates the server is up but no longer processing new messages.
	srvStateStopped

	// StateClosed indicates the server has been shutdown.
	srvStateClosed
)

var serverStates = []string{
	"new",
	"active",
	"stopped",
	"closed",
}

func (s serverStateValue) String() string {
	if srvStateNew <= s && s <= srvStateClosed {
		return serverStates[s]
	}
	return "unknown status"
}

var (
	// ErrRegistryClosed indicates that the operation is now illegal because
	// the registry has been shut down.
	ErrRegistryClosed = errors.New("titandelay: Registry closed")

	// ErrDuplicateHandler indicates that a handler is already registered for the topic.
	ErrDuplicateHandler = errors.New("titandelay: duplicate handler")

	// ErrInvalidPartition indicates a partition index outside [0, Partitions).
	ErrInvalidPartition = errors.New("titandelay: invalid partition")

	// ErrConsumerRunning indicates that Start was called on a running consumer.
	ErrConsumerRunning = errors.New("titandelay: consumer already running")
)

// NewRegistry returns a new Registry given a redis connection option
// and configuration. The registry owns the connection and closes it on
// Shutdown.
func NewRegistry(r RedisConnOpt, cfg Config) (*Registry, error) {
	redisClient, ok := r.MakeRedisClient().(redis.UniversalClient)
	if !ok {
		panic(fmt.Sprintf("titandelay: unsupported RedisConnOpt type %T", r))
	}
	reg, err := NewRegistryFromRedisClient(redisClient, cfg)
	if err != nil {
		redisClient.Close()
		return nil, err
	}
	reg.sharedConnection = false
	return reg, nil
}

// NewRegistryFromRedisClient returns a new Registry given a redis.UniversalClient
// and configuration. The client is not closed on Shutdown.
func NewRegistryFromRedisClient(c redis.UniversalClient, cfg Config) (*Registry, error) {
	return NewRegistryFromBroker(rdb.NewRDB(c), cfg)
}

// NewRegistryFromBroker returns a new Registry backed by b.
// b is not closed on Shutdown.
func NewRegistryFromBroker(b Broker, cfg Config) (*Registry, error) {
	opts := newOptions(cfg)
	m := metrics.New()
	if err := m.Register(opts.registerer); err != nil {
		return nil, fmt.Errorf("titandelay: cannot register metrics: %v", err)
	}

	broker := b
	var stateStore *pebblestore.Store
	if opts.stateDir != "" {
		s, err := pebblestore.Open(pebblestore.Options{Dir: opts.stateDir})
		if err != nil {
			m.Unregister(opts.registerer)
			return nil, err
		}
		stateStore = s
		broker = &compositeBroker{delay: b, state: s}
	}

	deadLetters := newDeadLetterStoreFromOptions(broker, m, opts)
	healthchecker := newHealthChecker(healthcheckerParams{
		logger:          opts.logger,
		broker:          broker,
		metrics:         m,
		interval:        opts.healthCheckPeriod,
		healthcheckFunc: opts.healthCheckFunc,
	})
	return &Registry{
		logger:           opts.logger,
		opts:             opts,
		broker:           broker,
		delay:            b,
		sharedConnection: true,
		stateStore:       stateStore,
		metrics:          m,
		deadLetters:      deadLetters,
		state:            &serverState{value: srvStateNew},
		routers:          make(map[string]*ProducerRouter),
		handlers:         make(map[string]Handler),
		healthchecker:    healthchecker,
	}, nil
}

// Router returns the producer router of topic, creating it on first use.
func (r *Registry) Router(topic string) (*ProducerRouter, error) {
	if err := base.ValidateTopic(topic); err != nil {
		return nil, err
	}
	r.mu.RLock()
	router, ok := r.routers[topic]
	r.mu.RUnlock()
	if ok {
		return router, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if router, ok := r.routers[topic]; ok {
		return router, nil
	}
	router = newProducerRouter(producerRouterParams{
		topic:      topic,
		partitions: r.opts.partitions,
		store:      r.broker,
		metrics:    r.metrics,
	})
	r.routers[topic] = router
	return router, nil
}

// Send schedules content on topic to be delivered after delay.
// A delay of zero or less makes the message due immediately.
func (r *Registry) Send(ctx context.Context, topic, content string, delay time.Duration) error {
	if r.isClosed() {
		return ErrRegistryClosed
	}
	router, err := r.Router(topic)
	if err != nil {
		return err
	}
	return router.Send(ctx, content, delay)
}

// Register adds h as the handler of h.Topic(). Handlers must be registered
// before Start; at most one handler is allowed per topic.
func (r *Registry) Register(h Handler) error {
	if h == nil {
		return fmt.Errorf("titandelay: nil handler")
	}
	topic := h.Topic()
	if err := base.ValidateTopic(topic); err != nil {
		return err
	}
	r.state.mu.Lock()
	started := r.state.value != srvStateNew
	r.state.mu.Unlock()
	if started {
		return fmt.Errorf("titandelay: cannot register handler for %q after start", topic)
	}

	r.handlersMu.Lock()
	defer r.handlersMu.Unlock()
	if _, ok := r.handlers[topic]; ok {
		return fmt.Errorf("%w for topic %q", ErrDuplicateHandler, topic)
	}
	r.handlers[topic] = h
	return nil
}

// Topics returns the topics with a registered handler, sorted.
func (r *Registry) Topics() []string {
	r.handlersMu.Lock()
	defer r.handlersMu.Unlock()
	topics := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		topics = append(topics, t)
	}
	sort.Strings(topics)
	return topics
}

// NewConsumer returns a consumer bound to one partition of topic, of the
// kind selected by Config.Mode. The consumer is not started. It shares the
// registry's dead-letter store and is stopped by Shutdown.
func (r *Registry) NewConsumer(topic string, partition int, h Handler) (Consumer, error) {
	if err := base.ValidateTopic(topic); err != nil {
		return nil, err
	}
	if h == nil {
		return nil, fmt.Errorf("titandelay: nil handler")
	}
	if h.Topic() != topic {
		return nil, fmt.Errorf("titandelay: handler of %q cannot consume %q", h.Topic(), topic)
	}
	if partition < 0 || partition >= r.opts.partitions {
		return nil, fmt.Errorf("%w: %d not in [0,%d)", ErrInvalidPartition, partition, r.opts.partitions)
	}
	if r.isClosed() {
		return nil, ErrRegistryClosed
	}
	params := consumerParams{
		broker:      r.broker,
		topic:       topic,
		partition:   partition,
		handler:     h,
		deadLetters: r.deadLetters,
		metrics:     r.metrics,
		opts:        r.opts,
	}
	var c Consumer
	switch r.opts.mode {
	case ModeStandard:
		c = newStandardConsumer(params)
	default:
		c = newReliableConsumer(params)
	}
	r.handlersMu.Lock()
	r.consumers = append(r.consumers, c)
	r.handlersMu.Unlock()
	return c, nil
}

// Run starts the consumers and blocks until an os signal to exit the
// program is received. Once it receives a signal, it gracefully shuts
// down all consumers and other goroutines.
func (r *Registry) Run() error {
	if err := r.Start(); err != nil {
		return err
	}
	r.waitForSignals()
	r.Shutdown()
	return nil
}

// Start starts one consumer per partition for every registered handler.
// Start does not block.
func (r *Registry) Start() error {
	if err := r.start(); err != nil {
		return err
	}
	r.logger.Info("Starting processing")
	r.healthchecker.start(&r.wg)

	for _, topic := range r.Topics() {
		r.handlersMu.Lock()
		h := r.handlers[topic]
		r.handlersMu.Unlock()
		for p := 0; p < r.opts.partitions; p++ {
			c, err := r.NewConsumer(topic, p, h)
			if err != nil {
				return err
			}
			if err := c.Start(); err != nil {
				return err
			}
		}
	}
	return nil
}

// Checks registry state and returns an error if pre-condition is not met.
// Otherwise it sets the registry state to active.
func (r *Registry) start() error {
	r.state.mu.Lock()
	defer r.state.mu.Unlock()
	switch r.state.value {
	case srvStateActive:
		return fmt.Errorf("titandelay: the registry is already running")
	case srvStateStopped:
		return fmt.Errorf("titandelay: the registry is in the stopped state. Waiting for shutdown.")
	case srvStateClosed:
		return ErrRegistryClosed
	}
	r.state.value = srvStateActive
	return nil
}

func (r *Registry) isClosed() bool {
	r.state.mu.Lock()
	defer r.state.mu.Unlock()
	return r.state.value == srvStateClosed
}

// Shutdown gracefully shuts down the registry: consumers stop taking,
// in-flight messages get up to Config.ShutdownTimeout to finish, and
// connections owned by the registry are closed.
func (r *Registry) Shutdown() {
	r.state.mu.Lock()
	if r.state.value == srvStateClosed {
		r.state.mu.Unlock()
		return
	}
	started := r.state.value != srvStateNew
	r.state.value = srvStateClosed
	r.state.mu.Unlock()

	r.logger.Info("Starting graceful shutdown")
	r.stopConsumers()
	if started {
		r.healthchecker.shutdown()
	}
	r.wg.Wait()

	if r.stateStore != nil {
		if err := r.stateStore.Close(); err != nil {
			r.logger.Errorf("Failed to close state store: %v", err)
		}
	}
	if !r.sharedConnection {
		r.delay.Close()
	}
	r.metrics.Unregister(r.opts.registerer)
	r.logger.Info("Exiting")
}

// Stop signals the registry to stop taking new messages off delay channels.
// In-flight messages are drained as in Shutdown.
func (r *Registry) Stop() {
	r.state.mu.Lock()
	if r.state.value != srvStateActive {
		r.state.mu.Unlock()
		return
	}
	r.state.value = srvStateStopped
	r.state.mu.Unlock()

	r.logger.Info("Stopping consumers")
	r.stopConsumers()
	r.logger.Info("Consumers stopped")
}

func (r *Registry) stopConsumers() {
	r.handlersMu.Lock()
	consumers := append([]Consumer(nil), r.consumers...)
	r.handlersMu.Unlock()

	var wg sync.WaitGroup
	for _, c := range consumers {
		wg.Add(1)
		go func(c Consumer) {
			defer wg.Done()
			c.Stop()
		}(c)
	}
	wg.Wait()
}

// Ping performs a ping against the broker connection.
func (r *Registry) Ping() error {
	r.state.mu.Lock()
	defer r.state.mu.Unlock()
	if r.state.value == srvStateClosed {
		return nil
	}
	return r.broker.Ping()
}

// DeadLetters returns the registry's dead-letter store.
func (r *Registry) DeadLetters() *DeadLetterStore {
	return r.deadLetters
}

// Inspector returns an Inspector over the registry's broker.
func (r *Registry) Inspector() *Inspector {
	return newInspector(r.broker, r.deadLetters, r.opts.partitions)
}
