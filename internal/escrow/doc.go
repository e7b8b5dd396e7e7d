// Package escrow models agents, the registry that indexes them and the
// transactional ledger store that holds their escrowed balances.
package escrow
