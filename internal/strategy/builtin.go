package strategy

const (
	KeyCacheFirst      = "cache-first"
	KeyOfflineFallback = "offline-fallback"
)

func init() {
	MustRegister(Profile{
		Key:         KeyCacheFirst,
		Description: "cache first, network failures surface to the client",
	})
	MustRegister(Profile{
		Key:                     KeyOfflineFallback,
		Description:             "cache first, failed navigations fall back to the cached offline document",
		FallbackOnFailure:       true,
		DefaultFallbackDocument: "/index.html",
	})
}
