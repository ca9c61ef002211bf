// Package web3 holds the chain vocabulary shared by the connection layer:
// chain metadata as wallets expect it, the supported chain set, chain id
// encoding helpers, YAML chain definitions, and the Provider interface
// published with every established connection.
package web3
