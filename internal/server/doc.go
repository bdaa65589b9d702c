// Package server implements the network front ends of the collaboration
// broker.
//
// Browser clients connect over a WebSocket and speak JSON; native clients
// connect over plain TCP and speak the framed protocol from package wire. Both
// transports share one document store, one per-document edit limiter and one
// chat service, but each keeps its own session hub because their payload
// encodings differ. A small REST surface creates and fetches documents.
package server
