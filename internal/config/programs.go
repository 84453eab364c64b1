package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ProgramEntry is one row of the program table.
type ProgramEntry struct {
	ID    string `yaml:"id"`
	Name  string `yaml:"name"`
	Venue string `yaml:"venue"`
}

type programsFile struct {
	Programs []ProgramEntry `yaml:"programs"`
}

// ProgramTable maps on-chain program ids to venues and human names. The
// subscription filter and the swap inferrer both read from it.
type ProgramTable struct {
	entries map[string]ProgramEntry
	order   []string
}

// LoadPrograms reads the program table from a YAML file.
func LoadPrograms(path string) (*ProgramTable, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read programs file: %w", err)
	}
	var pf programsFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return nil, fmt.Errorf("parse programs file: %w", err)
	}
	if len(pf.Programs) == 0 {
		return nil, fmt.Errorf("programs file %s lists no programs", path)
	}

	t := &ProgramTable{entries: make(map[string]ProgramEntry, len(pf.Programs))}
	for _, e := range pf.Programs {
		if e.ID == "" {
			continue
		}
		if e.Name == "" {
			e.Name = e.ID[:8]
		}
		t.entries[e.ID] = e
		t.order = append(t.order, e.ID)
	}
	return t, nil
}

// IDs returns the program ids in file order, for subscription filters.
func (t *ProgramTable) IDs() []string {
	out := make([]string, len(t.order))
	copy(out, t.order)
	return out
}

// Known reports whether the program id is in the table.
func (t *ProgramTable) Known(id string) bool {
	_, ok := t.entries[id]
	return ok
}

// Name returns the human name for a program id, or its 8-char prefix.
func (t *ProgramTable) Name(id string) string {
	if e, ok := t.entries[id]; ok {
		return e.Name
	}
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// VenueFor resolves the venue for a transaction's invoked programs. The
// first program with a venue mapping wins; unknown program sets yield "".
func (t *ProgramTable) VenueFor(programs []string) string {
	for _, p := range programs {
		if e, ok := t.entries[p]; ok && e.Venue != "" {
			return e.Venue
		}
	}
	return ""
}

// UnknownOf returns the invoked programs missing from the table.
func (t *ProgramTable) UnknownOf(programs []string) []string {
	var out []string
	for _, p := range programs {
		if !t.Known(p) {
			out = append(out, p)
		}
	}
	return out
}
