// SPDX-FileCopyrightText: Copyright 2025 Caldera Labs
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/xeipuuv/gojsonschema"

	"github.com/caldera-labs/mcpd/pkg/protocol"
)

// ErrRegistryFrozen is returned when a registration arrives after the
// server started accepting traffic.
var ErrRegistryFrozen = errors.New("registry is frozen")

// Handler signatures for the three extension points.
type (
	// ToolHandler executes a tool call. It may return a single value or a
	// stream; a returned error becomes an isError result, not a protocol
	// error.
	ToolHandler func(ctx context.Context, hc *HandlerContext, args map[string]any) (*Result, error)

	// ResourceHandler reads a resource by URI.
	ResourceHandler func(ctx context.Context, hc *HandlerContext, uri string) ([]protocol.ResourceContents, error)

	// PromptHandler renders a prompt with the given arguments.
	PromptHandler func(ctx context.Context, hc *HandlerContext, args map[string]string) (*protocol.GetPromptResult, error)

	// CompletionProvider suggests values for one argument of a prompt or
	// resource.
	CompletionProvider func(ctx context.Context, argName, argValue string) ([]string, error)
)

type toolEntry struct {
	def     protocol.Tool
	handler ToolHandler
	schema  *gojsonschema.Schema
}

type resourceEntry struct {
	def     protocol.Resource
	handler ResourceHandler
}

type promptEntry struct {
	def     protocol.Prompt
	handler PromptHandler
}

// Registry holds the process-wide tool, resource, and prompt tables plus
// the completion provider maps. It is populated before traffic and frozen
// by the server on start; reads after that point need no locking, but the
// mutex keeps registration itself safe.
type Registry struct {
	mu     sync.RWMutex
	frozen bool

	tools     map[string]*toolEntry
	resources map[string]*resourceEntry
	prompts   map[string]*promptEntry

	promptCompletions   map[string]CompletionProvider
	resourceCompletions map[string]CompletionProvider
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		tools:               make(map[string]*toolEntry),
		resources:           make(map[string]*resourceEntry),
		prompts:             make(map[string]*promptEntry),
		promptCompletions:   make(map[string]CompletionProvider),
		resourceCompletions: make(map[string]CompletionProvider),
	}
}

// Freeze locks the registry against further registration.
func (r *Registry) Freeze() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frozen = true
}

// AddTool registers a tool. The input schema, when present, is compiled
// once here and enforced on every call.
func (r *Registry) AddTool(def protocol.Tool, handler ToolHandler) error {
	if def.Name == "" {
		return errors.New("tool name is required")
	}

	entry := &toolEntry{def: def, handler: handler}
	if len(def.InputSchema) > 0 {
		schema, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(def.InputSchema))
		if err != nil {
			return fmt.Errorf("invalid input schema for tool %s: %w", def.Name, err)
		}
		entry.schema = schema
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return ErrRegistryFrozen
	}
	r.tools[def.Name] = entry
	return nil
}

// AddResource registers a resource by URI.
func (r *Registry) AddResource(def protocol.Resource, handler ResourceHandler) error {
	if def.URI == "" {
		return errors.New("resource URI is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return ErrRegistryFrozen
	}
	r.resources[def.URI] = &resourceEntry{def: def, handler: handler}
	return nil
}

// AddPrompt registers a prompt by name.
func (r *Registry) AddPrompt(def protocol.Prompt, handler PromptHandler) error {
	if def.Name == "" {
		return errors.New("prompt name is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return ErrRegistryFrozen
	}
	r.prompts[def.Name] = &promptEntry{def: def, handler: handler}
	return nil
}

// RegisterPromptCompletion binds a completion provider to a prompt name.
func (r *Registry) RegisterPromptCompletion(name string, p CompletionProvider) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return ErrRegistryFrozen
	}
	r.promptCompletions[name] = p
	return nil
}

// RegisterResourceCompletion binds a completion provider to a resource URI
// pattern.
func (r *Registry) RegisterResourceCompletion(uriPattern string, p CompletionProvider) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return ErrRegistryFrozen
	}
	r.resourceCompletions[uriPattern] = p
	return nil
}

func (r *Registry) tool(name string) (*toolEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.tools[name]
	return e, ok
}

func (r *Registry) resource(uri string) (*resourceEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.resources[uri]
	return e, ok
}

func (r *Registry) prompt(name string) (*promptEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.prompts[name]
	return e, ok
}

func (r *Registry) promptCompletion(name string) (CompletionProvider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.promptCompletions[name]
	return p, ok
}

func (r *Registry) resourceCompletion(uriPattern string) (CompletionProvider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.resourceCompletions[uriPattern]
	return p, ok
}

// listTools returns definitions sorted by name for stable list output.
func (r *Registry) listTools() []protocol.Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]protocol.Tool, 0, len(r.tools))
	for _, e := range r.tools {
		out = append(out, e.def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (r *Registry) listResources() []protocol.Resource {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]protocol.Resource, 0, len(r.resources))
	for _, e := range r.resources {
		out = append(out, e.def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].URI < out[j].URI })
	return out
}

func (r *Registry) listPrompts() []protocol.Prompt {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]protocol.Prompt, 0, len(r.prompts))
	for _, e := range r.prompts {
		out = append(out, e.def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
