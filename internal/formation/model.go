// Package formation holds the tactics-board formation model, its input
// sanitizer and schema, and the encrypted formation store the orchestrator
// delegates to.
package formation

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lvonguyen/tacticguard/internal/vault"
)

// Common errors.
var (
	ErrNotFound  = errors.New("formation not found")
	ErrForbidden = errors.New("access to formation denied")
	ErrInvalid   = errors.New("invalid formation")
)

// Tag added to every formation created from an imported file.
const TagImported = "imported"

// Position is one player slot on the board. X and Y are percentages of the
// pitch width and length.
type Position struct {
	Role         string  `json:"role" xml:"role"`
	X            float64 `json:"x" xml:"x"`
	Y            float64 `json:"y" xml:"y"`
	PlayerName   string  `json:"player_name,omitempty" xml:"player_name,omitempty"`
	PlayerNumber int     `json:"player_number,omitempty" xml:"player_number,omitempty"`
}

// Metadata tracks provenance and revision.
type Metadata struct {
	Version  int      `json:"version" xml:"version"`
	Tags     []string `json:"tags" xml:"tags>tag"`
	Source   string   `json:"source,omitempty" xml:"source,omitempty"`
	Checksum string   `json:"checksum,omitempty" xml:"checksum,omitempty"`
}

// Formation is a saved tactical setup.
type Formation struct {
	ID                   string               `json:"id" xml:"id"`
	Name                 string               `json:"name" xml:"name"`
	Shape                string               `json:"formation" xml:"formation"`
	Description          string               `json:"description,omitempty" xml:"description,omitempty"`
	Positions            []Position           `json:"positions,omitempty" xml:"positions>position,omitempty"`
	TacticalInstructions string               `json:"tactical_instructions,omitempty" xml:"tactical_instructions,omitempty"`
	OpponentAnalysis     string               `json:"opponent_analysis,omitempty" xml:"opponent_analysis,omitempty"`
	Notes                string               `json:"notes,omitempty" xml:"notes,omitempty"`
	CreatedBy            string               `json:"created_by" xml:"created_by"`
	TeamID               string               `json:"team_id,omitempty" xml:"team_id,omitempty"`
	Classification       vault.Classification `json:"classification" xml:"classification"`
	SharedWith           []string             `json:"shared_with,omitempty" xml:"-"`
	Metadata             Metadata             `json:"metadata" xml:"metadata"`
	CreatedAt            time.Time            `json:"created_at" xml:"created_at"`
	UpdatedAt            time.Time            `json:"updated_at" xml:"updated_at"`
}

// Clone returns a deep copy.
func (f *Formation) Clone() *Formation {
	c := *f
	c.Positions = append([]Position(nil), f.Positions...)
	c.SharedWith = append([]string(nil), f.SharedWith...)
	c.Metadata.Tags = append([]string(nil), f.Metadata.Tags...)
	return &c
}

// HasTag reports whether the metadata carries tag.
func (f *Formation) HasTag(tag string) bool {
	for _, t := range f.Metadata.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// document is the editable subset of a formation as it arrives from callers.
type document struct {
	Name                 string     `json:"name"`
	Shape                string     `json:"formation"`
	Description          string     `json:"description"`
	Positions            []Position `json:"positions"`
	TacticalInstructions string     `json:"tactical_instructions"`
	OpponentAnalysis     string     `json:"opponent_analysis"`
	Notes                string     `json:"notes"`
	Tags                 []string   `json:"tags"`
	Classification       string     `json:"classification"`
}

func decodeDocument(doc map[string]any) (document, error) {
	var d document
	raw, err := json.Marshal(doc)
	if err != nil {
		return d, fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	if err := json.Unmarshal(raw, &d); err != nil {
		return d, fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	return d, nil
}

// FromDocument builds an unsaved formation from a sanitized document. An
// empty classification defaults to internal.
func FromDocument(doc map[string]any) (*Formation, error) {
	d, err := decodeDocument(doc)
	if err != nil {
		return nil, err
	}
	class := vault.Internal
	if d.Classification != "" {
		if class, err = vault.ParseClassification(d.Classification); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalid, err)
		}
	}
	return &Formation{
		Name:                 d.Name,
		Shape:                d.Shape,
		Description:          d.Description,
		Positions:            d.Positions,
		TacticalInstructions: d.TacticalInstructions,
		OpponentAnalysis:     d.OpponentAnalysis,
		Notes:                d.Notes,
		Classification:       class,
		Metadata:             Metadata{Version: 1, Tags: dedupe(d.Tags)},
	}, nil
}

// apply overlays the fields present in doc onto f.
func (f *Formation) apply(doc map[string]any) error {
	d, err := decodeDocument(doc)
	if err != nil {
		return err
	}
	if _, ok := doc["name"]; ok {
		f.Name = d.Name
	}
	if _, ok := doc["formation"]; ok {
		f.Shape = d.Shape
	}
	if _, ok := doc["description"]; ok {
		f.Description = d.Description
	}
	if _, ok := doc["positions"]; ok {
		f.Positions = d.Positions
	}
	if _, ok := doc["tactical_instructions"]; ok {
		f.TacticalInstructions = d.TacticalInstructions
	}
	if _, ok := doc["opponent_analysis"]; ok {
		f.OpponentAnalysis = d.OpponentAnalysis
	}
	if _, ok := doc["notes"]; ok {
		f.Notes = d.Notes
	}
	if _, ok := doc["tags"]; ok {
		f.Metadata.Tags = dedupe(d.Tags)
	}
	if d.Classification != "" {
		c, err := vault.ParseClassification(d.Classification)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrInvalid, err)
		}
		f.Classification = c
	}
	return nil
}

func dedupe(tags []string) []string {
	out := make([]string, 0, len(tags))
	seen := make(map[string]bool, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}

// Actor is the user a formation operation runs on behalf of.
type Actor struct {
	UserID      string
	TeamID      string
	Role        string
	Permissions []string
}

// Can reports whether the actor holds perm. "*" grants everything and a
// "name:*" entry grants every "name:<scope>" permission.
func (a Actor) Can(perm string) bool {
	for _, p := range a.Permissions {
		if p == "*" || p == perm {
			return true
		}
		if base, ok := strings.CutSuffix(p, ":*"); ok && strings.HasPrefix(perm, base+":") {
			return true
		}
	}
	return false
}

func (a Actor) isAdmin() bool {
	return a.Role == "admin" || a.Role == "owner"
}
