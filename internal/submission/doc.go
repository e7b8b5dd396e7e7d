// Package submission accepts client-signed transaction envelopes, persists
// them, hands their IDs to a queue (in-memory, Redis or RabbitMQ) and applies
// them to the settlement engine from a pool of workers. Ledger rejections are
// final; storage and queue failures are retried up to the configured limit.
package submission
