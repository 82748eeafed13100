// Package dedupe drops inbound updates that were already handled.
//
// Telegram redelivers updates after timeouts and restarts. MemoryCache covers a
// single process; RedisDeduper lets replicas share one view.
package dedupe
