// Package lifecycle implements the cache lifecycle handler that reacts to the
// install, activate and fetch signals of a site worker.
//
// Install precaches the static asset list into the store named after the
// current version and fails as a whole when any asset cannot be fetched.
// Activate purges every other store and claims the worker's clients. Fetch
// answers cache-first, lets API-prefixed paths through to the network and,
// for the offline-fallback strategy, serves the cached offline document when
// a navigation cannot reach the network. The handler never writes to the
// cache while answering fetches.
//
// The handler is built from an immutable Options value with its storage,
// network and client controller injected, so every operation is a function of
// its inputs and the injected capabilities.
package lifecycle
