package api

import (
	"context"
)

// Transport names understood by the registry.
const (
	TransportHTTP      = "http"
	TransportWebSocket = "websocket"
	TransportMQTT      = "mqtt"
)

// AllTransports is the default transport set for registered endpoints.
var AllTransports = []string{TransportHTTP, TransportWebSocket, TransportMQTT}

// ReservedEndpoints are endpoint names claimed by the transports
// themselves. Remote registration of these names is silently ignored.
var ReservedEndpoints = []string{
	"list_endpoints",
	"gcode/subscribe_output",
	"register_remote_method",
}

// ExcludedArgs are query keys stripped during HTTP argument parsing:
// cache busters and credentials that must never reach an endpoint.
var ExcludedArgs = []string{"_", "token", "access_token", "connection_id"}

// Callback executes a local endpoint.
type Callback func(ctx context.Context, req *Request) (any, error)

// Connection identifies a persistent client connection. Requests arriving
// over the socket transport, or HTTP requests correlated via the
// connection_id argument, carry one.
type Connection interface {
	// ID returns the connection's unique identifier.
	ID() uint64
	// Notify pushes an asynchronous notification to the client.
	Notify(method string, params any) error
}

// ConnectionLookup resolves live connections by id.
type ConnectionLookup interface {
	GetConnection(id uint64) (Connection, bool)
}

// RemoteExecutor forwards a request to the firmware.
type RemoteExecutor interface {
	MakeRequest(ctx context.Context, req *Request) (any, error)
}

// Transport receives registration fan-out from the registry. Each
// transport binds the definition's RPC methods (or topics) to dispatch.
type Transport interface {
	RegisterAPI(def *Definition)
	RemoveAPI(def *Definition)
}

// Definition describes one registered endpoint across all transports.
type Definition struct {
	// Endpoint is the registration name, e.g. "gcode/script" or
	// "/server/info".
	Endpoint string
	// URI is the derived HTTP path.
	URI string
	// RPCMethods are the derived JSON-RPC method names, parallel to
	// HTTPMethods for local endpoints.
	RPCMethods []string
	// HTTPMethods are the accepted HTTP verbs.
	HTTPMethods []string
	// Transports lists the transports this endpoint is exposed on.
	Transports []string
	// Callback executes the endpoint locally; nil marks a remote
	// endpoint dispatched to the firmware.
	Callback Callback
	// NeedsObjectParser selects comma-separated object query parsing.
	NeedsObjectParser bool
}

// IsRemote reports whether the endpoint dispatches to the firmware.
func (d *Definition) IsRemote() bool {
	return d.Callback == nil
}

// SupportsTransport reports whether the definition is exposed on the
// named transport.
func (d *Definition) SupportsTransport(name string) bool {
	for _, t := range d.Transports {
		if t == name {
			return true
		}
	}
	return false
}
