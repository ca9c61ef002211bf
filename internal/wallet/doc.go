// Package wallet abstracts the injected wallet agent the onboarding flow
// negotiates with: account access, chain switching and chain registration,
// along with the signer handles bound after a connection.
package wallet
