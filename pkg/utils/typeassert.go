// Package utils provides type-safe extraction helpers for the map[string]any
// payloads tool handlers exchange with external modules.
package utils

import "fmt"

// GetMapField safely gets a field from a map[string]any and asserts its type,
// for validating a dynamic tool-call argument map at the handler boundary
// before forwarding it to an external module.
func GetMapField[T any](m map[string]any, key string) (T, error) {
	var zero T
	value, exists := m[key]
	if !exists {
		return zero, fmt.Errorf("field '%s' not found in map", key)
	}

	if typedValue, ok := value.(T); ok {
		return typedValue, nil
	}

	return zero, fmt.Errorf("field '%s' expected type %T, got %T", key, zero, value)
}
