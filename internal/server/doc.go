// Package server hosts the Fiber HTTP service: request-id and access-log
// middleware, error-to-status mapping, and the shared upstream http.Client.
// Package routes registers the /api and diagnostics endpoints on top of it,
// and package proxy supplies the catch-all handler that serves package files.
package server
