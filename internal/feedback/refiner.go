// Package feedback implements the fire-and-forget refinement loop. Task
// outcomes are observed asynchronously and condensed into per-role prompt
// directives for future runs. The loop is strictly advisory: dropping an
// observation, or the whole refiner, never affects scheduling.
package feedback

import (
	"log"
	"strings"
	"sync"

	"devorchestra/pkg/models"
)

const observationBuffer = 256

// maxDirectives bounds how many lessons a role accumulates; oldest are
// evicted first.
const maxDirectives = 5

// Observation is one task outcome fed into the refiner.
type Observation struct {
	Role        models.Role
	Succeeded   bool
	FailureKind string
	Error       string
	Retries     int
}

// Refiner consumes observations in the background and answers directive
// queries for the generators. A nil *Refiner is a valid no-op on both
// sides.
type Refiner struct {
	ch      chan Observation
	done    chan struct{}
	dropped int

	mu         sync.RWMutex
	directives map[models.Role][]string
	seen       map[models.Role]map[string]bool
}

// New creates a refiner and starts its background loop.
func New() *Refiner {
	r := &Refiner{
		ch:         make(chan Observation, observationBuffer),
		done:       make(chan struct{}),
		directives: make(map[models.Role][]string),
		seen:       make(map[models.Role]map[string]bool),
	}
	go r.loop()
	return r
}

// Observe submits an outcome without blocking. When the buffer is full
// the observation is dropped and counted; the caller never waits.
func (r *Refiner) Observe(obs Observation) {
	if r == nil {
		return
	}
	select {
	case r.ch <- obs:
	default:
		r.mu.Lock()
		r.dropped++
		r.mu.Unlock()
	}
}

// Directives returns the accumulated lessons for a role, newest last.
func (r *Refiner) Directives(role models.Role) []string {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.directives[role]))
	copy(out, r.directives[role])
	return out
}

// Dropped returns how many observations were discarded under load.
func (r *Refiner) Dropped() int {
	if r == nil {
		return 0
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.dropped
}

// Close stops the background loop after draining buffered observations.
func (r *Refiner) Close() {
	if r == nil {
		return
	}
	close(r.ch)
	<-r.done
}

func (r *Refiner) loop() {
	defer close(r.done)
	for obs := range r.ch {
		if directive := deriveDirective(obs); directive != "" {
			r.record(obs.Role, directive)
		}
	}
}

func (r *Refiner) record(role models.Role, directive string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.seen[role] == nil {
		r.seen[role] = make(map[string]bool)
	}
	if r.seen[role][directive] {
		return
	}
	r.seen[role][directive] = true

	r.directives[role] = append(r.directives[role], directive)
	if len(r.directives[role]) > maxDirectives {
		evicted := r.directives[role][0]
		r.directives[role] = r.directives[role][1:]
		delete(r.seen[role], evicted)
	}
	log.Printf("[feedback] %s: %s", role, directive)
}

// deriveDirective turns one outcome into a prompt lesson. Successes only
// teach when they were hard-won; clean first-attempt successes carry no
// signal worth repeating.
func deriveDirective(obs Observation) string {
	if obs.Succeeded {
		if obs.Retries > 0 {
			return "previous runs needed retries for this role; prefer simpler, smaller output"
		}
		return ""
	}

	switch obs.FailureKind {
	case "timeout":
		return "previous runs timed out; produce a minimal artifact before elaborating"
	case "invalid_input":
		return "previous runs received unusable input; validate requirement fields before generating"
	case "permanent":
		if msg := condense(obs.Error); msg != "" {
			return "avoid the prior failure: " + msg
		}
		return "a previous run failed deterministically; double-check output completeness"
	default:
		return ""
	}
}

func condense(msg string) string {
	msg = strings.TrimSpace(msg)
	if msg == "" {
		return ""
	}
	if idx := strings.IndexByte(msg, '\n'); idx > 0 {
		msg = msg[:idx]
	}
	const limit = 120
	if len(msg) > limit {
		msg = msg[:limit]
	}
	return msg
}
