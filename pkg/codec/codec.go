// Package codec serializes operation results and execution payloads.
//
// Everything the engine journals is stored as (codec name, bytes), so a
// replay decodes with the codec that recorded the value even if the default
// changed in between. JSON is the default; gob is available for values JSON
// cannot express, and specific Go types can be pinned to a codec via
// RegisterType.
package codec

import (
	"bytes"
	"encoding/gob"
	"encoding/json"
	"fmt"
	"reflect"
	"sync"
)

// Codec encodes and decodes a single value.
type Codec interface {
	// Name identifies the codec in stored records. Names are stable wire
	// artifacts: renaming one invalidates existing journals.
	Name() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

type jsonCodec struct{}

func (jsonCodec) Name() string                       { return "json" }
func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

// JSON returns the default JSON codec.
func JSON() Codec { return jsonCodec{} }

type gobCodec struct{}

func (gobCodec) Name() string { return "gob" }

func (gobCodec) Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (gobCodec) Unmarshal(data []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(data)).Decode(v)
}

// Gob returns a gob codec. Decode targets must be the concrete recorded
// type (interface targets need gob.Register on both sides), which the typed
// helpers in the dauro package guarantee.
func Gob() Codec { return gobCodec{} }

var registry = struct {
	mu     sync.RWMutex
	codecs map[string]Codec
	types  map[reflect.Type]string
}{
	codecs: map[string]Codec{
		"json": jsonCodec{},
		"gob":  gobCodec{},
	},
	types: map[reflect.Type]string{},
}

// Register makes a custom codec available under its name, replacing any
// codec previously registered under that name.
func Register(c Codec) {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	registry.codecs[c.Name()] = c
}

// Get returns the codec registered under name.
func Get(name string) (Codec, error) {
	registry.mu.RLock()
	defer registry.mu.RUnlock()
	c, ok := registry.codecs[name]
	if !ok {
		return nil, fmt.Errorf("codec: unknown codec %q", name)
	}
	return c, nil
}

// Default returns the codec used when nothing more specific applies.
func Default() Codec { return jsonCodec{} }

// RegisterType pins values of type T to the named codec, overriding the
// default for Encode calls. The codec must already be registered.
func RegisterType[T any](codecName string) error {
	if _, err := Get(codecName); err != nil {
		return err
	}
	registry.mu.Lock()
	defer registry.mu.Unlock()
	registry.types[reflect.TypeOf((*T)(nil)).Elem()] = codecName
	return nil
}

// ForValue returns the codec Encode would pick for v: the codec its type
// was pinned to, or the default.
func ForValue(v any) Codec {
	if v == nil {
		return Default()
	}
	registry.mu.RLock()
	name, ok := registry.types[reflect.TypeOf(v)]
	registry.mu.RUnlock()
	if !ok {
		return Default()
	}
	c, err := Get(name)
	if err != nil {
		return Default()
	}
	return c
}

// Encode serializes v with its pinned or default codec and reports which
// codec produced the bytes. A nil value encodes to (default name, nil).
func Encode(v any) (string, []byte, error) {
	c := ForValue(v)
	if v == nil {
		return c.Name(), nil, nil
	}
	data, err := c.Marshal(v)
	if err != nil {
		return "", nil, err
	}
	return c.Name(), data, nil
}

// EncodeWith serializes v with an explicitly named codec.
func EncodeWith(codecName string, v any) (string, []byte, error) {
	c, err := Get(codecName)
	if err != nil {
		return "", nil, err
	}
	if v == nil {
		return c.Name(), nil, nil
	}
	data, err := c.Marshal(v)
	if err != nil {
		return "", nil, err
	}
	return c.Name(), data, nil
}

// Decode deserializes data recorded under the named codec into v. Empty
// data leaves v untouched; an empty name means the default codec (records
// written before a custom codec was introduced).
func Decode(name string, data []byte, v any) error {
	if len(data) == 0 {
		return nil
	}
	if name == "" {
		return Default().Unmarshal(data, v)
	}
	c, err := Get(name)
	if err != nil {
		return err
	}
	return c.Unmarshal(data, v)
}
