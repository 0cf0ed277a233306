package ranges

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// UpdateMetadata is persisted next to the range files after every update cycle.
type UpdateMetadata struct {
	LastUpdate time.Time `json:"lastUpdate"`
	IPv4Count  int       `json:"ipv4Count"`
	IPv6Count  int       `json:"ipv6Count"`
}

func readMetadata(path string) (UpdateMetadata, error) {
	var meta UpdateMetadata

	data, err := os.ReadFile(path)
	if err != nil {
		return meta, err
	}

	if err := json.Unmarshal(data, &meta); err != nil {
		return meta, fmt.Errorf("decode %s: %w", path, err)
	}

	return meta, nil
}

// WriteMetadata stores meta as indented JSON at the database's metadata path.
func (db *Database) WriteMetadata(meta UpdateMetadata) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("encode update metadata: %w", err)
	}

	if err := os.WriteFile(db.FilePath(MetadataFileName), data, 0o644); err != nil {
		return fmt.Errorf("write update metadata: %w", err)
	}

	return nil
}
