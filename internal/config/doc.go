// Package config loads the onboardd configuration: a JSON file with
// defaults filled in relative to the file's directory, optionally
// overridden from the environment (a .env file is honoured by the daemon).
package config
