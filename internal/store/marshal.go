package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// marshalJSON encodes v as compact JSON TEXT with HTML escaping disabled,
// so annotations like "->" survive unescaped.
func marshalJSON(v any) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return "", err
	}
	// Encoder adds a trailing newline, remove it
	return strings.TrimSpace(buf.String()), nil
}

// marshalWords converts RAM words to JSON TEXT for storage.
func marshalWords(words []uint32) (string, error) {
	if words == nil {
		words = []uint32{}
	}
	s, err := marshalJSON(words)
	if err != nil {
		return "", fmt.Errorf("marshal words: %w", err)
	}
	return s, nil
}

// marshalText converts per-word annotations to JSON TEXT for storage.
func marshalText(text []string) (string, error) {
	if text == nil {
		text = []string{}
	}
	s, err := marshalJSON(text)
	if err != nil {
		return "", fmt.Errorf("marshal text: %w", err)
	}
	return s, nil
}

func unmarshalWords(data string) ([]uint32, error) {
	words := []uint32{}
	if data == "" {
		return words, nil
	}
	if err := json.Unmarshal([]byte(data), &words); err != nil {
		return nil, fmt.Errorf("unmarshal words: %w", err)
	}
	return words, nil
}

func unmarshalText(data string) ([]string, error) {
	text := []string{}
	if data == "" {
		return text, nil
	}
	if err := json.Unmarshal([]byte(data), &text); err != nil {
		return nil, fmt.Errorf("unmarshal text: %w", err)
	}
	return text, nil
}
