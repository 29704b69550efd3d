// Package notifier delivers user and operator messages asynchronously.
//
// Service is a queue with a worker pool, a token-bucket rate limit, retry
// with jittered backoff and a short dedup window, drained on Stop. Delivery
// goes through a transport.Adapter (Telegram, or the log driver when no
// token is configured).
//
// Router sits in front of Service and turns lifecycle notices and log
// alerts into notifications addressed to the owner's chat or the ops chat.
package notifier
