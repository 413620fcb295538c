package ipc

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// WriteAtomic writes data so a concurrent reader never observes a
// partial file: write to <path>.tmp, then rename over path.
func WriteAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create dir for %s: %w", path, err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename %s: %w", tmp, err)
	}
	return nil
}

// WriteEnvelope drops an envelope into dir under a collision-free
// timestamped name.
func WriteEnvelope(dir string, env *Envelope) (string, error) {
	if env.Timestamp == "" {
		env.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}
	data, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal envelope: %w", err)
	}
	name := fmt.Sprintf("%d-%s.json", time.Now().UnixNano(), uuid.NewString()[:8])
	path := filepath.Join(dir, name)
	if err := WriteAtomic(path, data); err != nil {
		return "", err
	}
	return path, nil
}

// SanitizeFolder reduces an agent-supplied folder label to its final
// path component and rejects values that would escape the IPC root.
func SanitizeFolder(label string) (string, error) {
	base := filepath.Base(filepath.Clean(label))
	if base == "" || base == "." || base == ".." || base == string(filepath.Separator) {
		return "", fmt.Errorf("invalid folder label %q", label)
	}
	return base, nil
}
