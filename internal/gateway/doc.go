// Package gateway maintains sharded gateway connections.
//
// A Shard owns one websocket session at a time: it waits for Hello, sends a
// jittered first heartbeat, identifies or resumes, and delivers dispatch
// events in sequence order with duplicates dropped. A Manager runs a fleet of
// shards, spaces their identifies through an IdentifyThrottle and reconnects
// them with backoff until they are stopped or fail with a fatal close code.
package gateway
