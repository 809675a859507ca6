// Package codec maps collection names to the codec used to serialize their
// values. Journal snapshots and engine writes look the codec up by the
// collection they touch, so no value is ever serialized by inspecting its type.
package codec

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/vmihailenco/msgpack/v5"
)

// Codec encodes and decodes the values stored in one or more collections.
type Codec interface {
	// Name identifies the codec in logs and config ("json", "msgpack", "raw").
	Name() string
	// Marshal encodes v.
	Marshal(v any) ([]byte, error)
	// Unmarshal decodes data into v, which must be a pointer.
	Unmarshal(data []byte, v any) error
}

// JSON encodes with encoding/json.
type JSON struct{}

func (JSON) Name() string                       { return "json" }
func (JSON) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (JSON) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

// Msgpack encodes with vmihailenco/msgpack. Struct fields use their json tags
// so the same types serialize under both codecs.
type Msgpack struct{}

func (Msgpack) Name() string { return "msgpack" }

func (Msgpack) Marshal(v any) ([]byte, error) {
	enc := msgpack.GetEncoder()
	defer msgpack.PutEncoder(enc)
	var buf bytes.Buffer
	enc.Reset(&buf)
	enc.SetCustomStructTag("json")
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (Msgpack) Unmarshal(data []byte, v any) error {
	dec := msgpack.GetDecoder()
	defer msgpack.PutDecoder(dec)
	dec.Reset(bytes.NewReader(data))
	dec.SetCustomStructTag("json")
	return dec.Decode(v)
}

// Raw passes []byte values through untouched. It is the codec for
// collections whose values are already encoded by the caller.
type Raw struct{}

func (Raw) Name() string { return "raw" }

func (Raw) Marshal(v any) ([]byte, error) {
	b, ok := v.([]byte)
	if !ok {
		return nil, fmt.Errorf("codec/raw: cannot marshal %T, want []byte", v)
	}
	return append([]byte(nil), b...), nil
}

func (Raw) Unmarshal(data []byte, v any) error {
	p, ok := v.(*[]byte)
	if !ok {
		return fmt.Errorf("codec/raw: cannot unmarshal into %T, want *[]byte", v)
	}
	*p = append((*p)[:0], data...)
	return nil
}

// ByName returns a built-in codec.
func ByName(name string) (Codec, error) {
	switch name {
	case "json", "":
		return JSON{}, nil
	case "msgpack":
		return Msgpack{}, nil
	case "raw":
		return Raw{}, nil
	default:
		return nil, fmt.Errorf("codec: unknown codec %q", name)
	}
}

// Registry manages codec registration and lookup with thread safety.
// Collections without an explicit registration use the fallback codec.
type Registry struct {
	mu       sync.RWMutex
	codecs   map[string]Codec
	fallback Codec
}

// NewRegistry creates a registry whose fallback is JSON.
func NewRegistry() *Registry {
	return &Registry{
		codecs:   make(map[string]Codec),
		fallback: JSON{},
	}
}

// Register binds c to collection, replacing any earlier binding.
func (r *Registry) Register(collection string, c Codec) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.codecs[collection] = c
}

// SetFallback changes the codec used for unregistered collections.
func (r *Registry) SetFallback(c Codec) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallback = c
}

// Get retrieves the codec registered for collection.
// Returns the codec and true if found, nil and false otherwise.
func (r *Registry) Get(collection string) (Codec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.codecs[collection]
	return c, ok
}

// For returns the codec for collection, or the fallback.
func (r *Registry) For(collection string) Codec {
	if c, ok := r.Get(collection); ok {
		return c
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.fallback
}

// Collections returns the registered collection names, sorted.
func (r *Registry) Collections() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.codecs))
	for name := range r.codecs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
