// Package core is the orchestration layer.  It composes the bus, the
// script console and the controller client into complete operational
// modes and provides a builder that selects the right mode from a
// Config.
//
// Architecture layers (bottom → top):
//
//	bus/transport  →  console/controller  →  core  →  cmd (CLI)
//
// The builder in this package is the single dispatch point between
// the CLI and the modes.
package core

import "context"

// Mode represents a complete operational mode of scriptcon: the device
// daemon (serve), the interactive console (attach), or a one-shot
// controller command.  Each mode owns its full lifecycle from
// connection establishment to teardown.
type Mode interface {
	Run(ctx context.Context) error
}
