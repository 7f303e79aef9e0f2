// Package notifier delivers now-playing cards to chat sinks.
//
// Enqueue never blocks the caller: cards go into a bounded queue drained by
// a single worker, so deliveries keep track order. Each send is rate limited
// and retried with jittered exponential backoff. Sinks steer retries by
// returning NoRetry or RetryAfter errors.
//
// The service keeps a short in-memory history and, when a store is
// configured, appends every outcome to the delivery journal.
package notifier
