// Package api exposes the escrow over REST: signed transaction submission,
// submission status queries, agent and account lookups, and the committed
// event log.
package api
