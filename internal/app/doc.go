// Package app wires the server together and manages its lifecycle:
// configuration, logging, the endpoint registry, every transport
// (HTTP, WebSocket, MQTT) and the listeners.
//
// # Initialization Flow
//
//	1. Initialize logging from configuration
//	2. Create the shared collaborators (metrics, worker pool, auth,
//	   file manager, device proxy)
//	3. Create the endpoint registry and attach the transports
//	4. Register built-in endpoints and static file routes
//	5. Build the fixed router with the mutable route table as fallback
//	6. Start the listeners; stop everything gracefully on shutdown
//
// # Usage
//
//	application, err := app.NewApplication(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := application.Run(); err != nil {
//	    log.Fatal(err)
//	}
package app
