// Package server hosts the Fiber HTTP service and the request middleware chain
// that sits in front of the offline worker. It assigns request and client IDs,
// keeps the client registry fresh, and hands every non-diagnostics path to the
// fetch gateway. Control and diagnostics surfaces live under /-/ and are
// registered by the routes subpackage, so keep exports narrow and accept
// explicit dependencies.
package server
