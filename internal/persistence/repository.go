package persistence

import (
	"encoding/json"
	"time"
)

// StateRepository persists per-component state snapshots. Each component is
// saved independently so a partially completed adaptation cycle never leaves
// the repository in a split state: whatever was saved is loadable on its own.
type StateRepository interface {
	// Save durably writes the snapshot for the named component.
	Save(component string, state any) error

	// Load reads the snapshot for the named component into out.
	// It returns (false, nil) when no snapshot exists; a corrupt snapshot
	// is reported as an error so the caller can fall back to defaults.
	Load(component string, out any) (bool, error)

	// Close releases the underlying storage.
	Close() error
}

// document is the on-disk envelope around every component snapshot.
// SchemaVersion lets load paths detect and discard incompatible layouts.
type document struct {
	SchemaVersion int             `json:"schema_version"`
	Component     string          `json:"component"`
	SavedAt       time.Time       `json:"saved_at"`
	State         json.RawMessage `json:"state"`
}

func encodeDocument(component string, schemaVersion int, state any) ([]byte, error) {
	raw, err := json.Marshal(state)
	if err != nil {
		return nil, err
	}
	return json.MarshalIndent(document{
		SchemaVersion: schemaVersion,
		Component:     component,
		SavedAt:       time.Now(),
		State:         raw,
	}, "", "  ")
}

func decodeDocument(data []byte, schemaVersion int, out any) (bool, error) {
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return false, err
	}
	if doc.SchemaVersion != schemaVersion {
		// An unknown layout is treated the same as no prior state.
		return false, nil
	}
	if err := json.Unmarshal(doc.State, out); err != nil {
		return false, err
	}
	return true, nil
}
