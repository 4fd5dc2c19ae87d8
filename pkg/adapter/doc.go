// Package adapter defines the capability contract between the
// synchronization engine and a concrete data-source implementation.
//
// An adapter owns all transport concerns (protocol, wire format,
// reconnection) and exposes three capabilities to the engine:
//
//   - Connect: begin establishing the connection, asynchronously
//   - Fetch: retrieve one full snapshot of the remote data set
//   - Events: a stream of lifecycle and update events
//
// Connection outcomes are communicated exclusively through the event
// stream, never through return values: an adapter emits Connected once the
// source is reachable, Disconnected when the connection is lost, Update for
// each incremental change list, and SourceError for any other failure. The
// engine reacts to these events; it never polls the adapter for state.
//
// Concrete implementations live in the subpackages httppoll and wsstream.
package adapter
