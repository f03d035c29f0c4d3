// Copyright 2024 Hemant. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

/*
Package titandelay provides delayed message delivery with retries and
dead-letter handling, backed by Redis.

A message is a string sent on a topic with a delay. Once the delay has
elapsed it is handed to the Handler registered for the topic. A failed
attempt is retried with exponential backoff; a message that keeps failing
is recorded in the topic's dead-letter store.

# Features

  - Partitioned topics: every topic is split into Partitions delay channels,
    written to in round-robin order and consumed in parallel
  - Bounded worker pools: core and max workers per partition with a bounded backlog
  - Retry with exponential backoff, capped at MaxBackoff
  - Bounded dead-letter store per topic with periodic retention sweeps
  - Reliable mode: leases recorded before processing are recovered on restart
  - Graceful shutdown on OS signals

# Quick Start

Producer:

	reg, err := titandelay.NewRegistry(titandelay.RedisClientOpt{Addr: "localhost:6379"}, titandelay.Config{})
	if err != nil {
		log.Fatal(err)
	}
	defer reg.Shutdown()

	if err := reg.Send(ctx, "orders", `{"id":42}`, 30*time.Second); err != nil {
		log.Fatal(err)
	}

Consumer:

	reg, err := titandelay.NewRegistry(
		titandelay.RedisClientOpt{Addr: "localhost:6379"},
		titandelay.Config{
			Partitions:       4,
			MaxRetryAttempts: 5,
		},
	)
	if err != nil {
		log.Fatal(err)
	}

	reg.Register(titandelay.NewHandler("orders", func(ctx context.Context, content string) error {
		log.Printf("Processing order: %s", content)
		return nil
	}))

	if err := reg.Run(); err != nil {
		log.Fatal(err)
	}

# Storage

Each delay channel "<topic>-<i>" is a sorted set of envelopes keyed by due
time plus a list of due envelopes. Leases of a channel live in the hash
"titandelay:<topic>-<i>:processing", dead letters of a topic in the hash
"titandelay:<topic>-dead-letter". With Config.StateDir set, leases and dead
letters are kept in a local Pebble database instead.

# Monitoring

The titandelay command inspects backlogs, leases and dead letters:

	go run ./cmd/titandelay stats orders

and the ui command serves the same data as JSON along with Prometheus metrics:

	go run ./ui
*/
package titandelay
