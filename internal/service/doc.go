// Package service assembles topic-relay from its configuration.
//
// New builds the SQLite store, the Telegram client and dispatcher, the topic
// registry, the relay engine, the dedupe backend and, when a listener is
// configured, the admin API. Run polls for updates and serves HTTP until the
// context is cancelled, then drains in-flight updates before closing the store.
package service
