// Package worker hosts one lifecycle handler per configured site and plays the
// part a browser plays for a service worker: it delivers install, activate
// and fetch events, honours deferred completion through ExtendableEvent and
// tracks the registration state (parsed, installing, waiting, activating,
// active, redundant).
//
// A worker only answers fetches after its activation claimed clients; until
// then, and after a failed install, requests go straight to the network.
// Manager owns every site's worker and starts them in parallel at boot.
package worker
