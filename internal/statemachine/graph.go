// Package statemachine defines the lifecycle graphs for every entity and the
// engine that commits transitions. Entities are mutated only through this
// package; a proposed state change outside the declared graph is rejected
// without touching storage.
package statemachine

import (
	"fmt"

	"github.com/fuzzfleet/fuzzfleet/pkg/models"
)

// Graph is a fixed directed graph of legal state transitions.
type Graph[S comparable] struct {
	name     string
	edges    map[S]map[S]bool
	terminal map[S]bool
}

// NewGraph builds a graph from an adjacency list and the set of terminal
// states. Terminal states must have no outgoing edges.
func NewGraph[S comparable](name string, edges map[S][]S, terminal []S) *Graph[S] {
	g := &Graph[S]{
		name:     name,
		edges:    make(map[S]map[S]bool, len(edges)),
		terminal: make(map[S]bool, len(terminal)),
	}
	for from, tos := range edges {
		set := make(map[S]bool, len(tos))
		for _, to := range tos {
			set[to] = true
		}
		g.edges[from] = set
	}
	for _, s := range terminal {
		g.terminal[s] = true
		if len(g.edges[s]) > 0 {
			panic(fmt.Sprintf("%s graph: terminal state %v has outgoing edges", name, s))
		}
	}
	return g
}

// CanTransition reports whether (from, to) is a declared edge.
func (g *Graph[S]) CanTransition(from, to S) bool {
	return g.edges[from][to]
}

// Validate returns a structured InvalidTransition error for an undeclared
// edge, nil otherwise. Self-transitions are not edges.
func (g *Graph[S]) Validate(from, to S) error {
	if !g.CanTransition(from, to) {
		return models.NewError(models.CodeInvalidTransition,
			fmt.Sprintf("%s: illegal transition %v -> %v", g.name, from, to))
	}
	return nil
}

// IsTerminal reports whether s is a terminal state.
func (g *Graph[S]) IsTerminal(s S) bool {
	return g.terminal[s]
}
