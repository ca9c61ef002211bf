// Package alerting delivers user-facing advisories raised by failed connect
// attempts, such as a declined wallet request or a missing wallet
// extension, to every configured channel.
package alerting
