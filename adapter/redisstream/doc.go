// Package redisstream provides a Redis Streams adapter for txbus.
//
// Transport name: "redis-streams"
//
// Regular messages are appended with XADD and consumed through consumer
// groups. Transactional messages are staged as half messages: a hash at
// <key_prefix>half:<handle> plus an entry in the <key_prefix>half:pending
// sorted set scored with the next check time. Committing moves the hash
// content to the stream in one MULTI block; rolling back deletes it.
//
// Minimal config keys:
//   - addr: "host:port" (default "127.0.0.1:6379")
//   - group: consumer group name (default "txbus")
//   - consumer: consumer name (default "txbus-<host>-<pid>")
//   - concurrency: number of workers (default 8)
//   - batch_size: XREADGROUP COUNT (default 128)
//   - block: XREADGROUP BLOCK duration (default 5s)
//   - auto_create: create group/stream if missing (default true)
//   - auto_delete_on_ack: XDEL after XACK (default false)
//   - dead_letter: stream name to write failed messages (optional)
//   - key_prefix: namespace for half message keys (default "txbus:")
//   - check_immunity: delay before the first check (default 60s)
//   - check_interval: delay between checks (default 30s)
//   - max_checks: checks before a silent half message is rolled back (default 15)
//   - check_loop: run checks in the background (default true)
//
// Example:
//
//	coord, tr, err := redisstream.Use(redisstream.Defaults(), func(b *txbus.Builder) {
//	    b.WithLogger(logger).
//	        WithMutation(txbus.EventMergeAccounts, store.MergeMutation())
//	})
package redisstream
