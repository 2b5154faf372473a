package feeds

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

const generator = "dns-firewall feed updater"

// Publish atomically replaces path with a blocklist of domains: the list is
// written to a temp file in the same directory and renamed over path, so a
// reader sees either the old file or the new one.
func Publish(path string, domains map[string]struct{}, sources []string, now time.Time) (err error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp_blocklist_*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmpName)
		}
	}()

	if err = writeBlocklist(tmp, domains, sources, now); err != nil {
		return err
	}
	if err = tmp.Sync(); err != nil {
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err = os.Chmod(tmpName, 0o644); err != nil {
		return fmt.Errorf("failed to chmod temp file: %w", err)
	}
	if err = os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("failed to replace %s: %w", path, err)
	}
	return nil
}

func writeBlocklist(w io.Writer, domains map[string]struct{}, sources []string, now time.Time) error {
	sorted := make([]string, 0, len(domains))
	for d := range domains {
		sorted = append(sorted, d)
	}
	sort.Strings(sorted)

	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "# blocklist generated by %s\n", generator)
	fmt.Fprintf(bw, "# generated: %s\n", now.UTC().Format(time.RFC3339))
	fmt.Fprintf(bw, "# sources: %s\n", strings.Join(sources, ", "))
	fmt.Fprintf(bw, "# domains: %d\n\n", len(sorted))
	for _, d := range sorted {
		bw.WriteString(d)
		bw.WriteByte('\n')
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("failed to write blocklist: %w", err)
	}
	return nil
}

// Backup copies path into dir under a timestamped name and returns the copy's
// path. A missing path is not an error and returns "".
func Backup(path, dir string, now time.Time) (string, error) {
	src, err := os.Open(path)
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to open current blocklist: %w", err)
	}
	defer func() { _ = src.Close() }()

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create backup directory: %w", err)
	}

	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	name := filepath.Join(dir, fmt.Sprintf("%s_%s.txt", base, now.UTC().Format("20060102_150405")))
	dst, err := os.Create(name)
	if err != nil {
		return "", fmt.Errorf("failed to create backup: %w", err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		_ = dst.Close()
		return "", fmt.Errorf("failed to copy backup: %w", err)
	}
	if err := dst.Close(); err != nil {
		return "", fmt.Errorf("failed to close backup: %w", err)
	}
	return name, nil
}
