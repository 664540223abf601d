package runner

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
)

// snapshot digests each declared file under root. Files that do not exist
// map to the empty string, so creations and deletions show up as changes.
func snapshot(root string, files []string) (map[string]string, error) {
	digests := make(map[string]string, len(files))
	for _, f := range files {
		sum, err := fileDigest(filepath.Join(root, f))
		if err != nil {
			return nil, fmt.Errorf("hashing %s: %w", f, err)
		}
		digests[f] = sum
	}
	return digests, nil
}

// fileDigest returns the file's SHA-256 hex digest, or "" if it does not
// exist.
func fileDigest(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// changedFiles lists the files whose digest differs between the two
// snapshots, sorted for stable output.
func changedFiles(before, after map[string]string) []string {
	var changed []string
	for f, post := range after {
		if before[f] != post {
			changed = append(changed, f)
		}
	}
	sort.Strings(changed)
	return changed
}
