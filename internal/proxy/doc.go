// Package proxy is the HTTP front of a site worker. Handler derives the cache
// key and request destination from the incoming Fiber request, prepares the
// upstream request (hop-by-hop headers stripped, X-Forwarded-* set) and
// dispatches a fetch event on the site's worker, streaming whatever response
// the worker settles on. Forwarder wraps the handler so a panic surfaces as a
// structured 500 instead of tearing the connection down.
package proxy
