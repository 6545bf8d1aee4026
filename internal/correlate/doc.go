// Package correlate matches asynchronous execution reports back to the
// conversations that requested them. Each accepted report becomes a durable
// task plus an assistant message in the conversation room. Processing is
// idempotent within a TTL window, so transport redelivery is harmless.
package correlate
