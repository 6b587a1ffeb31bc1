// Package notifier forwards job lifecycle events from the event bus to an
// operator chat.
//
// Delivery is best-effort: a bounded queue, a token-bucket rate limit, a
// few retries with backoff and a dedup window for repeated failures. The
// Telegram sender is the only transport.
package notifier
