// Package enclave binds the attested public keys of trusted execution
// environments and verifies the verdicts they sign. The settlement engine only
// sees the Gateway interface, so tests substitute a locally generated Signer.
package enclave
