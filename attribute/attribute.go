// Copyright 2024 The Portico Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package attribute provides a type-safe container of opaque metadata named
// Values. Services attach attributes to the endpoints they register, and
// routing policies can read them back without agreeing on a serialization.
//
// An attribute is declared with [NewKey], which produces a strongly-typed
// key, and values are built with the key's Value method:
//
//	var (
//		Zone    = attribute.NewKey[string]()
//		Canary  = attribute.NewKey[bool]()
//
//		ep = registry.Endpoint{
//			HostPort: "127.0.0.1:7002",
//			Attributes: attribute.NewValues(
//				Zone.Value("rack-3"),
//				Canary.Value(true),
//			),
//		}
//	)
//
// Consumers read attributes back with [GetValue], which preserves the
// key's type.
package attribute

// Values is an immutable collection of type-safe metadata values, a mapping
// of [Key] to value for any number of attribute keys. The zero value is an
// empty collection.
type Values struct {
	data map[any]any
}

// NewValues creates a new Values holding the provided values. If the same
// key appears more than once, the last value wins.
func NewValues(values ...Value) Values {
	data := make(map[any]any, len(values))
	for _, attr := range values {
		data[attr.key] = attr.value
	}
	return Values{data: data}
}

// Len returns the number of attributes in the collection.
func (v Values) Len() int {
	return len(v.data)
}

// Key is an attribute key. Use NewKey to create one per distinct attribute.
// The type T is the type of values the attribute can have.
type Key[T any] struct {
	// can't be empty or else pointers won't be distinct
	_ bool
}

// NewKey returns a new key for values of type T. Each call results in a
// distinct key, even for the same T: keys are identified by their address.
func NewKey[T any]() *Key[T] {
	return new(Key[T])
}

// Value constructs a single attribute value, which can be passed to
// [NewValues].
func (k *Key[T]) Value(value T) Value {
	return Value{key: k, value: value}
}

// Value is a single attribute, composed of a key and corresponding value.
type Value struct {
	key, value any
}

// GetValue retrieves a single value from the given Values. If the key is
// not present, the zero value and false are returned instead.
func GetValue[T any](values Values, key *Key[T]) (value T, ok bool) {
	val, ok := values.data[key]
	if !ok {
		var zero T
		return zero, false
	}
	tval, ok := val.(T)
	return tval, ok
}
