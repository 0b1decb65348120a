// Package archive unpacks the downloaded source archives. Each
// published zip is documented to contain exactly one payload file.
package archive

import (
	"archive/zip"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
)

// ExtractAll unpacks every archive into scratchDir and returns, per
// archive name, the path of its contained payload. Extraction failures
// are logged per file and the file is skipped for this run; they never
// abort the run.
func ExtractAll(archives []string, scratchDir string) map[string]string {
	if err := os.MkdirAll(scratchDir, 0o755); err != nil {
		log.Printf("extract: create scratch dir: %v", err)
		return nil
	}

	extracted := make(map[string]string, len(archives))
	for _, path := range archives {
		payload, err := extractOne(path, scratchDir)
		if err != nil {
			log.Printf("extract %s: %v", filepath.Base(path), err)
			continue
		}
		if payload == "" {
			log.Printf("extract %s: archive is empty, skipping source", filepath.Base(path))
			continue
		}
		extracted[filepath.Base(path)] = payload
	}
	return extracted
}

// extractOne unpacks the single payload of one archive. An empty
// archive returns "" with no error.
func extractOne(path, scratchDir string) (string, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return "", fmt.Errorf("open archive: %w", err)
	}
	defer func() { _ = zr.Close() }() // safe to ignore

	for _, entry := range zr.File {
		if entry.FileInfo().IsDir() {
			continue
		}
		dest := filepath.Join(scratchDir, filepath.Base(entry.Name))
		if err := writeEntry(entry, dest); err != nil {
			return "", err
		}
		return dest, nil
	}
	return "", nil
}

func writeEntry(entry *zip.File, dest string) error {
	in, err := entry.Open()
	if err != nil {
		return fmt.Errorf("open entry %s: %w", entry.Name, err)
	}
	defer func() { _ = in.Close() }() // safe to ignore

	out, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("create %s: %w", dest, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close() // ignore error
		return fmt.Errorf("write %s: %w", dest, err)
	}
	return out.Close()
}
