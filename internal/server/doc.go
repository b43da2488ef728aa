// Package server hosts the Fiber HTTP service, the request middleware chain
// and the site registry that maps Host headers onto configured sites. It also
// owns the shared upstream http.Client and the hop-by-hop header rules that
// both the proxy front and the lifecycle handler apply before a response is
// forwarded or captured. Keep exports narrow and accept explicit dependencies.
package server
