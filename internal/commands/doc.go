// Package commands turns chat messages into subscription management and
// operator actions.
package commands
