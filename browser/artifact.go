package browser

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spindleworks/spindle/window"
)

// artifactName builds the canonical on-disk name of a downloaded report:
// {store}_{kind}_{from}_{to}.xlsx with compact 8-digit dates.
func artifactName(store, kind string, w window.Span) string {
	return fmt.Sprintf("%s_%s_%s_%s.xlsx", store, kind, w.From.Compact(), w.To.Compact())
}

// writeArtifact persists |data| under |dir|/|name| and returns the Artifact.
// Re-running a window overwrites the previous copy of the same artifact.
func writeArtifact(dir, name string, data []byte) (Artifact, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Artifact{}, fmt.Errorf("creating download directory: %w", err)
	}
	var path = filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return Artifact{}, fmt.Errorf("writing artifact %s: %w", name, err)
	}
	return Artifact{Name: name, Path: path, Data: data}, nil
}
