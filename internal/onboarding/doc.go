// Package onboarding is the consumer side of the wallet connection: it
// keeps the wizard's view (account, balance, profile ownership) in step
// with connection changes and reports connect attempts to the journal,
// metrics, advisory and audit sinks.
package onboarding
