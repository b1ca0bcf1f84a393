// Package message decodes inbound host payloads and routes them by type.
//
// The host encodes messages as externally tagged JSON objects: the first
// top-level key names the message type and its value is the payload, as in
// {"NewUtterance": {...}}. Decode turns that into an Envelope so routing
// never depends on map iteration order.
package message

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	apperrors "github.com/jeeves/ui/internal/errors"
)

// Sentinel decode errors. Compare with errors.Is.
var (
	ErrMalformed = apperrors.New(apperrors.CodePayloadMalformed, "payload is not valid JSON")
	ErrNotObject = apperrors.New(apperrors.CodePayloadNotObject, "payload is not a JSON object")
	ErrEmpty     = apperrors.New(apperrors.CodePayloadEmpty, "payload has no keys")
)

// Envelope is a decoded inbound message.
type Envelope struct {
	// Type is the first top-level key in document order.
	Type string
	// Payload is the raw value stored under Type.
	Payload json.RawMessage
	// Keys lists every top-level key in document order; Keys[0] is Type.
	Keys []string
}

// Decode parses data as a JSON object and extracts its discriminant.
//
// Returns ErrMalformed when data is not a single valid JSON value,
// ErrNotObject for arrays, strings and other scalars, and ErrEmpty for {}.
func Decode(data []byte) (Envelope, error) {
	if !json.Valid(data) {
		var v any
		return Envelope{}, apperrors.PayloadMalformed(json.Unmarshal(data, &v))
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return Envelope{}, apperrors.PayloadMalformed(err)
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return Envelope{}, ErrNotObject
	}

	var env Envelope
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return Envelope{}, apperrors.PayloadMalformed(err)
		}
		key, ok := keyTok.(string)
		if !ok {
			return Envelope{}, apperrors.PayloadMalformed(fmt.Errorf("unexpected token %v", keyTok))
		}

		var value json.RawMessage
		if err := dec.Decode(&value); err != nil {
			return Envelope{}, apperrors.PayloadMalformed(err)
		}

		if len(env.Keys) == 0 {
			env.Type = key
			env.Payload = value
		}
		env.Keys = append(env.Keys, key)
	}

	if _, err := dec.Token(); err != nil && err != io.EOF {
		return Envelope{}, apperrors.PayloadMalformed(err)
	}

	if len(env.Keys) == 0 {
		return Envelope{}, ErrEmpty
	}
	return env, nil
}

// HandlerFunc handles one decoded envelope.
type HandlerFunc func(ctx context.Context, env Envelope) error

// Router is a dispatch table keyed by envelope type.
// Routes may be added while messages are being dispatched.
type Router struct {
	mu       sync.RWMutex
	routes   map[string]HandlerFunc
	fallback HandlerFunc
}

// NewRouter returns an empty Router.
func NewRouter() *Router {
	return &Router{routes: make(map[string]HandlerFunc)}
}

// Handle registers fn for messages of the given type, replacing any
// previous registration.
func (r *Router) Handle(msgType string, fn HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes[msgType] = fn
}

// Fallback registers fn for types without a route.
func (r *Router) Fallback(fn HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallback = fn
}

// Types lists the registered types.
func (r *Router) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.routes))
	for t := range r.routes {
		types = append(types, t)
	}
	return types
}

// Handles reports whether msgType has its own route.
func (r *Router) Handles(msgType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.routes[msgType]
	return ok
}

// Dispatch runs the handler for env.Type, or the fallback.
// Returns a dispatch.handler_missing error when neither exists.
func (r *Router) Dispatch(ctx context.Context, env Envelope) error {
	r.mu.RLock()
	fn, ok := r.routes[env.Type]
	if !ok {
		fn = r.fallback
	}
	r.mu.RUnlock()

	if fn == nil {
		return apperrors.New(apperrors.CodeDispatchHandlerMissing, fmt.Sprintf("no handler for message type %q", env.Type))
	}
	return fn(ctx, env)
}
