// Package sinks provides alert.Sink implementations: structured logs,
// Telegram, the trading feed websocket, Pub/Sub, and blob archival.
package sinks
