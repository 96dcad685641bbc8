package record

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"changeline/internal/domain"
)

// yamlCodec is the structured-data rendition of the record: the same project
// tree serialized with yaml.v3. Field coverage is identical to the text
// layout.
type yamlCodec struct{}

func (yamlCodec) Ext() string { return ".yml" }

func (yamlCodec) Encode(p *domain.Project) ([]byte, error) {
	return yaml.Marshal(p)
}

func (yamlCodec) Decode(data []byte) (*domain.Project, error) {
	var p domain.Project
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("invalid record yaml: %w", err)
	}
	for _, s := range p.Specs {
		if !s.Status.Valid() {
			return nil, fmt.Errorf("spec %s: unknown status %q", s.Name, s.Status)
		}
		for _, e := range s.History {
			if !e.SuffixType.Valid() {
				return nil, fmt.Errorf("spec %s entry %s: unknown suffix type %q", s.Name, e.ID(), e.SuffixType)
			}
		}
		for _, h := range s.Hooks {
			for _, l := range h.Lines {
				if !l.State.Valid() {
					return nil, fmt.Errorf("spec %s hook %q: unknown state %q", s.Name, h.RawCommand, l.State)
				}
				if !l.SuffixType.Valid() {
					return nil, fmt.Errorf("spec %s hook %q: unknown suffix type %q", s.Name, h.RawCommand, l.SuffixType)
				}
			}
		}
		for _, c := range s.Comments {
			if !c.SuffixType.Valid() {
				return nil, fmt.Errorf("spec %s comment %s: unknown suffix type %q", s.Name, c.Reviewer, c.SuffixType)
			}
		}
	}
	return &p, nil
}
