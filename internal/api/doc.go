// Package api holds the transport-neutral core of the control plane: the
// endpoint definition registry, the mutable route table, and the request
// model shared by every transport (HTTP, WebSocket, MQTT).
//
// Endpoints are registered once and fanned out: the registry derives the
// HTTP URI and JSON-RPC method names from the endpoint name, installs a
// route on the mutable router, and notifies every attached transport so
// the same callback becomes reachable everywhere at once.
package api
