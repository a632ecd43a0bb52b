package template

import (
	"encoding/json"
	"fmt"
	"io"
)

// DecodeSheet reads a sheet layout from JSON and validates its
// structure. The answer key, if present, is validated too.
func DecodeSheet(r io.Reader) (*Sheet, error) {
	var s Sheet
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&s); err != nil {
		return nil, fmt.Errorf("failed to decode sheet: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("invalid sheet: %w", err)
	}
	if len(s.AnswerKey) > 0 {
		if err := s.ValidateKey(); err != nil {
			return nil, fmt.Errorf("invalid answer key: %w", err)
		}
	}
	return &s, nil
}

// EncodeSheet writes a sheet layout as indented JSON.
func EncodeSheet(w io.Writer, s *Sheet) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(s); err != nil {
		return fmt.Errorf("failed to encode sheet: %w", err)
	}
	return nil
}

// KeySet maps sheet versions to answer keys, mirroring the
// one-key-per-set provisioning format.
type KeySet map[string]map[int][]int

// DecodeKeySet reads a version-to-key table from JSON.
func DecodeKeySet(r io.Reader) (KeySet, error) {
	var ks KeySet
	if err := json.NewDecoder(r).Decode(&ks); err != nil {
		return nil, fmt.Errorf("failed to decode key set: %w", err)
	}
	if len(ks) == 0 {
		return nil, fmt.Errorf("key set is empty")
	}
	return ks, nil
}

// EncodeKeySet writes a version-to-key table as indented JSON.
func EncodeKeySet(w io.Writer, ks KeySet) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(ks); err != nil {
		return fmt.Errorf("failed to encode key set: %w", err)
	}
	return nil
}
