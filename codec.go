package tokenstore

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sync"
)

// Codec converts an opaque tracking token to a byte payload plus a type tag
// and back. The token store never inspects token contents; it only passes
// them through the codec.
type Codec interface {
	Encode(token any) (payload []byte, tokenType string, err error)
	Decode(payload []byte, tokenType string) (any, error)
}

// JSONCodec serializes tokens as JSON, using a registry of named token types
// to resolve the type tag on both sides. Safe for concurrent use.
type JSONCodec struct {
	mu     sync.RWMutex
	byName map[string]reflect.Type
	byType map[reflect.Type]string
}

// NewJSONCodec returns a codec with SequenceToken pre-registered.
func NewJSONCodec() *JSONCodec {
	var c = &JSONCodec{
		byName: make(map[string]reflect.Type),
		byType: make(map[reflect.Type]string),
	}
	c.Register("sequence", SequenceToken{})
	return c
}

// Register associates a type tag with a token type. The prototype may be a
// value or a pointer; tokens of either form encode to the same tag.
func (c *JSONCodec) Register(name string, prototype any) {
	var t = reflect.TypeOf(prototype)
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.byName[name] = t
	c.byType[t] = name
}

// Encode marshals the token and returns its registered type tag. A nil
// token encodes to a nil payload with an empty tag.
func (c *JSONCodec) Encode(token any) ([]byte, string, error) {
	if token == nil {
		return nil, "", nil
	}

	var t = reflect.TypeOf(token)
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}

	c.mu.RLock()
	var name, ok = c.byType[t]
	c.mu.RUnlock()
	if !ok {
		return nil, "", fmt.Errorf("token type %s is not registered", t)
	}

	payload, err := json.Marshal(token)
	if err != nil {
		return nil, "", fmt.Errorf("failed to encode token: %w", err)
	}

	return payload, name, nil
}

// Decode unmarshals the payload into a new value of the tagged type.
func (c *JSONCodec) Decode(payload []byte, tokenType string) (any, error) {
	c.mu.RLock()
	var t, ok = c.byName[tokenType]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("token type %q is not registered", tokenType)
	}

	var value = reflect.New(t)
	if err := json.Unmarshal(payload, value.Interface()); err != nil {
		return nil, fmt.Errorf("failed to decode token of type %q: %w", tokenType, err)
	}

	return value.Elem().Interface(), nil
}
