// Package http implements the HTTP transport handlers for the printhub
// API surface.
//
// Three handler families cover the dynamic surface:
//
//  1. DynamicHandler serves registry-registered endpoints. It parses
//     query arguments (with optional :int/:float/:bool/:json type
//     hints), merges a JSON body over them, applies route captures
//     last, and dispatches either to a local callback or to the
//     firmware through the remote executor.
//  2. FileHandler serves managed files with conditional and byte-range
//     semantics, and deletes them through the file manager.
//  3. UploadHandler ingests streaming multipart uploads, hashing the
//     file part while it is written to a temporary path.
//
// Every handler holds the authorization capability and applies CORS
// headers itself; none of them implements credential logic. Responses
// follow the server envelope: {"result": ...} on success (unless
// wrapping is disabled for the route) and {"error": {code, message}}
// on failure.
package http
