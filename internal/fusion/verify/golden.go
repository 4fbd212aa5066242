package verify

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/google/go-cmp/cmp"
)

// WriteGolden saves a fingerprint as indented JSON. The file carries raw
// integers only, so it is stable across platforms and safe to commit.
func WriteGolden(path string, fp Fingerprint) error {
	data, err := json.MarshalIndent(fp, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal fingerprint: %w", err)
	}
	data = append(data, '\n')
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write golden %s: %w", path, err)
	}
	return nil
}

// ReadGolden loads a fingerprint written by WriteGolden.
func ReadGolden(path string) (Fingerprint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Fingerprint{}, fmt.Errorf("read golden %s: %w", path, err)
	}
	var fp Fingerprint
	if err := json.Unmarshal(data, &fp); err != nil {
		return Fingerprint{}, fmt.Errorf("parse golden %s: %w", path, err)
	}
	return fp, nil
}

// CompareGolden diffs a freshly computed fingerprint against a stored one.
// Run IDs are session-specific and excluded. An empty return means they
// agree bit for bit.
func CompareGolden(got, want Fingerprint) string {
	got.RunID = ""
	want.RunID = ""
	return cmp.Diff(want, got)
}
