// Package types holds the pluggable value codec used by connections.
//
// A Registry maps a backend column type name (as reported by the driver's
// DatabaseTypeName) to a decode function, and a Go type to an encode
// function applied to query parameters. Unknown types pass through
// unchanged, so an empty Registry is a valid identity codec.
package types

import (
	"database/sql/driver"
	"fmt"
	"reflect"
	"strings"
	"sync"
)

// DecodeFunc converts a raw column value into its native representation.
type DecodeFunc func(src any) (any, error)

// EncodeFunc converts a Go value into a value the driver accepts.
type EncodeFunc func(v any) (driver.Value, error)

// Registry is a concurrency-safe codec table.
type Registry struct {
	mu       sync.RWMutex
	decoders map[string]DecodeFunc
	encoders map[reflect.Type]EncodeFunc
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		decoders: make(map[string]DecodeFunc),
		encoders: make(map[reflect.Type]EncodeFunc),
	}
}

// SetDecoder registers or overrides the decoder for a backend type name.
// Type names are matched case-insensitively. A nil fn removes the entry.
func (r *Registry) SetDecoder(typeName string, fn DecodeFunc) {
	key := strings.ToUpper(typeName)

	r.mu.Lock()
	defer r.mu.Unlock()
	if fn == nil {
		delete(r.decoders, key)
		return
	}
	r.decoders[key] = fn
}

// SetEncoder registers or overrides the encoder for the dynamic type of sample.
// A nil fn removes the entry.
func (r *Registry) SetEncoder(sample any, fn EncodeFunc) {
	t := reflect.TypeOf(sample)

	r.mu.Lock()
	defer r.mu.Unlock()
	if fn == nil {
		delete(r.encoders, t)
		return
	}
	r.encoders[t] = fn
}

// Decoder returns the decoder registered for typeName.
func (r *Registry) Decoder(typeName string) (DecodeFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.decoders[strings.ToUpper(typeName)]
	return fn, ok
}

// Decode converts src using the decoder for typeName. NULLs stay nil.
func (r *Registry) Decode(typeName string, src any) (any, error) {
	if src == nil {
		return nil, nil
	}
	fn, ok := r.Decoder(typeName)
	if !ok {
		return src, nil
	}
	v, err := fn(src)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", typeName, err)
	}
	return v, nil
}

// Encode converts v using the encoder registered for its dynamic type.
func (r *Registry) Encode(v any) (driver.Value, error) {
	if v == nil {
		return nil, nil
	}

	r.mu.RLock()
	fn, ok := r.encoders[reflect.TypeOf(v)]
	r.mu.RUnlock()

	if !ok {
		return v, nil
	}
	out, err := fn(v)
	if err != nil {
		return nil, fmt.Errorf("encode %T: %w", v, err)
	}
	return out, nil
}

// Clone returns an independent copy, so a pool can override entries
// without affecting other users of the source registry.
func (r *Registry) Clone() *Registry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c := NewRegistry()
	for k, v := range r.decoders {
		c.decoders[k] = v
	}
	for k, v := range r.encoders {
		c.encoders[k] = v
	}
	return c
}
