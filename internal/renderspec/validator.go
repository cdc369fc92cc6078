// Package renderspec validates raw render specifications before the
// orchestrator accepts them. The upstream spec compiler produces these
// documents; this validator is the last line of defense against malformed
// or out-of-bounds input reaching the compute backend.
package renderspec

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrInvalidSpec wraps every validation failure so callers can map the
// whole class to a synchronous ValidationError.
var ErrInvalidSpec = errors.New("invalid render spec")

const (
	minFrames = 1
	maxFrames = 10000
)

var validResolutions = map[string]bool{
	"720p":  true,
	"1080p": true,
	"1440p": true,
	"4k":    true,
}

var validQualities = map[string]bool{
	"draft":    true,
	"standard": true,
	"high":     true,
}

// ValidatedSpec is the parsed, bounds-checked render specification. Raw
// preserves the exact document for the immutable spec_snapshot.
type ValidatedSpec struct {
	Scene      string          `json:"scene"`
	Frames     int             `json:"frames"`
	Resolution string          `json:"resolution"`
	Quality    string          `json:"quality"`
	Nodes      json.RawMessage `json:"nodes,omitempty"`

	Raw json.RawMessage `json:"-"`
}

// Validator checks a raw spec document.
type Validator interface {
	Validate(raw json.RawMessage) (*ValidatedSpec, error)
}

// SchemaValidator validates specs against the fixed schema above.
type SchemaValidator struct{}

func NewSchemaValidator() *SchemaValidator {
	return &SchemaValidator{}
}

func (v *SchemaValidator) Validate(raw json.RawMessage) (*ValidatedSpec, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: empty spec", ErrInvalidSpec)
	}

	var spec ValidatedSpec
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&spec); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSpec, err)
	}

	if spec.Scene == "" {
		return nil, fmt.Errorf("%w: scene is required", ErrInvalidSpec)
	}
	if spec.Frames < minFrames || spec.Frames > maxFrames {
		return nil, fmt.Errorf("%w: frames must be between %d and %d, got %d",
			ErrInvalidSpec, minFrames, maxFrames, spec.Frames)
	}
	if spec.Resolution == "" {
		spec.Resolution = "1080p"
	}
	if !validResolutions[spec.Resolution] {
		return nil, fmt.Errorf("%w: unsupported resolution %q", ErrInvalidSpec, spec.Resolution)
	}
	if spec.Quality == "" {
		spec.Quality = "standard"
	}
	if !validQualities[spec.Quality] {
		return nil, fmt.Errorf("%w: unsupported quality %q", ErrInvalidSpec, spec.Quality)
	}

	spec.Raw = raw
	return &spec, nil
}

// Compile-time check that SchemaValidator implements Validator.
var _ Validator = (*SchemaValidator)(nil)
