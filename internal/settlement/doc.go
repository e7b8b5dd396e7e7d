// Package settlement implements the escrow state machine: registering agents
// against an enclave-signed verdict, funding them, settling consumption
// verdicts under the configured payout policy and the creator-only
// administrative operations.
package settlement
