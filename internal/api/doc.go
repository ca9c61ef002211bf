// Package api exposes the onboarding daemon over HTTP: connection commands
// and state, the wizard steps and session view, advisories, the attempt
// journal, and a WebSocket stream of connection changes.
package api
