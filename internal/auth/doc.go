// Package auth guards operator endpoints such as the development faucet with
// static bearer tokens. Escrow transactions themselves are authenticated by
// their envelope signatures and never pass through this package.
package auth
