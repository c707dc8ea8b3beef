package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// endedFile is the on-disk list of signed-out session ids, keyed by id with
// the Unix time their cookies stop being valid.
type endedFile map[string]int64

func loadEnded(path string, now time.Time) (map[string]time.Time, error) {
	out := make(map[string]time.Time)
	if path == "" {
		return out, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return out, nil
		}
		return out, fmt.Errorf("read signed-out sessions: %w", err)
	}
	if len(data) == 0 {
		return out, nil
	}

	var file endedFile
	if err := json.Unmarshal(data, &file); err != nil {
		return out, fmt.Errorf("decode signed-out sessions: %w", err)
	}
	for id, until := range file {
		t := time.Unix(until, 0)
		if now.Before(t) {
			out[id] = t
		}
	}
	return out, nil
}

func saveEnded(path string, ended map[string]time.Time) error {
	if path == "" {
		return nil
	}
	file := make(endedFile, len(ended))
	for id, until := range ended {
		// Round up so a restored entry never expires before the cookie.
		file[id] = until.Add(time.Second - 1).Unix()
	}
	data, err := json.Marshal(file)
	if err != nil {
		return fmt.Errorf("encode signed-out sessions: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create session directory: %w", err)
	}
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o600); err != nil {
		return fmt.Errorf("write signed-out sessions: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("commit signed-out sessions: %w", err)
	}
	return nil
}
