// Copyright (c) 2026 Khaled Abbas
//
// This source code is licensed under the Business Source License 1.1.
//
// Change Date: 4 years after the first public release of this version.
// Change License: MIT
//
// On the Change Date, this version of the code automatically converts
// to the MIT License. Prior to that date, use is subject to the
// Additional Use Grant. See the LICENSE file for details.

package model

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"slices"
)

// MaxDocumentBytes bounds the encoded size of a Document.
const MaxDocumentBytes = 64 << 10

// Document is a schema-less key/value payload (task parameters, log context,
// resource usage). It is stored as JSON.
type Document map[string]any

// Clone copies d, including nested objects and arrays.
func (d Document) Clone() Document {
	if d == nil {
		return nil
	}
	out := make(Document, len(d))
	for k, v := range d {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch x := v.(type) {
	case Document:
		return x.Clone()
	case map[string]any:
		return map[string]any(Document(x).Clone())
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = cloneValue(e)
		}
		return out
	case []string:
		return slices.Clone(x)
	}
	return v
}

// Encode returns the JSON form of d, enforcing MaxDocumentBytes.
func (d Document) Encode() ([]byte, error) {
	if d == nil {
		return []byte("{}"), nil
	}
	b, err := json.Marshal(map[string]any(d))
	if err != nil {
		return nil, fmt.Errorf("encoding document: %w", err)
	}
	if len(b) > MaxDocumentBytes {
		return nil, fmt.Errorf("%d bytes: %w", len(b), ErrDocumentTooLarge)
	}
	return b, nil
}

func (d Document) Validate() error {
	_, err := d.Encode()
	return err
}

func (d Document) Value() (driver.Value, error) {
	b, err := d.Encode()
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (d *Document) Scan(src any) error {
	var b []byte
	switch v := src.(type) {
	case nil:
		*d = nil
		return nil
	case []byte:
		b = v
	case string:
		b = []byte(v)
	default:
		return fmt.Errorf("scanning document from %T", src)
	}
	if len(b) > MaxDocumentBytes {
		return fmt.Errorf("%d bytes: %w", len(b), ErrDocumentTooLarge)
	}
	out := Document{}
	if err := json.Unmarshal(b, &out); err != nil {
		return fmt.Errorf("decoding document: %w", err)
	}
	*d = out
	return nil
}
