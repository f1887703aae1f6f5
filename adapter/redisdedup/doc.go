package redisdedup

// Package redisdedup provides a Redis-backed dedup store for xevent.
//
// Store name: "redis"
//
// Delivery stays in-process; only the idempotency-key index lives in Redis,
// so duplicate suppression survives a restart of the publishing node. Expiry
// is native (SET EX), which makes the janitor's Purge a no-op here.
//
// Minimal config keys:
// - addr: "host:port" (default "127.0.0.1:6379")
// - username / password: credentials (optional)
// - db: database index (default 0)
// - key_prefix: namespace for keys (default "xevent:dedup:")
// - ttl: entry lifetime (default "5m")
//
// Example builder usage:
//
//  bus, _ := xevent.NewBusBuilder().
//      WithDedupStore(redisdedup.StoreName, map[string]any{
//          "addr":       "localhost:6379",
//          "key_prefix": "storefront:dedup:",
//          "ttl":        "5m",
//      }).
//      Build()
