// Package record persists project records: one file per project holding an
// ordered list of ChangeSpec blocks. Two interchangeable codecs exist, a
// line-oriented text layout (.csr) and a YAML tree (.yml/.yaml); both
// round-trip every field losslessly. All mutations go through Store.Update,
// which locks the record, re-reads, applies a pure transformation, and writes
// back atomically.
package record

import (
	"fmt"
	"path/filepath"

	"changeline/internal/domain"
)

// Codec encodes and decodes one project record.
type Codec interface {
	// Ext is the file extension this codec claims, with leading dot.
	Ext() string
	Encode(p *domain.Project) ([]byte, error)
	Decode(data []byte) (*domain.Project, error)
}

// codecFor picks the codec for a record path by extension.
func codecFor(path string) (Codec, error) {
	switch ext := filepath.Ext(path); ext {
	case ".csr":
		return textCodec{}, nil
	case ".yml", ".yaml":
		return yamlCodec{}, nil
	default:
		return nil, fmt.Errorf("no record codec for extension %q", ext)
	}
}
