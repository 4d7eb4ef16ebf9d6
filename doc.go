// Package streamhub is a streaming session engine for server-push delivery.
//
// # Overview
//
// Streamhub manages long-lived client sessions attached over SSE or
// WebSocket. Every session belongs to a stream, and every event written to a
// stream carries a monotonically increasing id assigned at write time. A
// bounded per-stream replay ring retains recent events so a client that
// reconnects with its last seen id receives the missed suffix before live
// delivery resumes.
//
// Rooms group sessions for broadcast. A broadcast is sequenced independently
// into each member's stream, so each client observes its own gapless id
// sequence regardless of how the event reached it. A pluggable distributed
// adapter extends rooms across instances; the NATS-bridged adapter publishes
// room envelopes on a subject per room and drops its own echoes by origin.
//
// # Layout
//
//   - stream: session registry, sequencer, replay buffer, rooms, reconnect
//   - sse, wstransport: client-facing transports
//   - natsadapter, natsclient: cross-instance room bridging
//   - component, config, errors, health, metric: shared infrastructure
//
// The cmd/streamhub binary wires everything together behind JSON
// configuration with environment overrides.
package streamhub
