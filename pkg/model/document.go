// pkg/model/document.go
package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

// ParseDocument decodes raw JSON into a PropertyDocument.
// Anything other than a JSON object is rejected with ErrMalformedTwin.
func ParseDocument(raw json.RawMessage) (PropertyDocument, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, fmt.Errorf("%w: expected a JSON object", ErrMalformedTwin)
	}

	doc := PropertyDocument{}
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber() // keep integers as written
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedTwin, err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, fmt.Errorf("%w: trailing data after JSON object", ErrMalformedTwin)
	}
	return doc, nil
}

// EffectiveDesired selects the desired section the reconciler works on:
// the payload itself for Partial, its "desired" sub-document for Complete.
func EffectiveDesired(state TwinUpdateState, payload json.RawMessage) (json.RawMessage, error) {
	if state == Partial {
		return payload, nil
	}

	var twin map[string]json.RawMessage
	if err := json.Unmarshal(payload, &twin); err != nil {
		return nil, fmt.Errorf("%w: full twin is not an object: %v", ErrMalformedTwin, err)
	}
	desired, ok := twin["desired"]
	if !ok {
		return nil, fmt.Errorf("%w: full twin has no desired section", ErrMalformedTwin)
	}
	return desired, nil
}
