// Package handlers exposes the REST and websocket surface of the daemon.
// Dependencies are package-level and set once from main before the router
// starts serving.
package handlers

import (
	"github.com/deskmux/deskmux/internal/database"
	"github.com/deskmux/deskmux/internal/diag"
	"github.com/deskmux/deskmux/internal/launcher"
	"github.com/deskmux/deskmux/internal/ports"
	"github.com/deskmux/deskmux/internal/resilience"
	"github.com/deskmux/deskmux/internal/session"
)

var (
	store       *database.Store
	registry    *session.Registry
	monitor     *resilience.Monitor
	coordinator *launcher.Coordinator
	allocator   *ports.Allocator
	sink        *diag.Sink
)

// Deps carries everything the handlers need.
type Deps struct {
	Store       *database.Store
	Registry    *session.Registry
	Monitor     *resilience.Monitor
	Coordinator *launcher.Coordinator
	Allocator   *ports.Allocator
	Sink        *diag.Sink
}

// Init wires the handler package. Call once before serving.
func Init(d Deps) {
	store = d.Store
	registry = d.Registry
	monitor = d.Monitor
	coordinator = d.Coordinator
	allocator = d.Allocator
	sink = d.Sink
}
