package snapshot

import (
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/containerd/errdefs"
)

// ErrChecksumMismatch is returned when an image no longer matches its
// md5 companion file.
var ErrChecksumMismatch = fmt.Errorf("snapshot: checksum mismatch: %w", errdefs.ErrDataLoss)

// md5Path returns the companion file of disk: "<disk>.md5".
func md5Path(disk string) string {
	return disk + ".md5"
}

func fileMD5(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// WriteMD5 writes the md5 companion file of disk in md5sum format and
// returns the checksum.
func WriteMD5(disk string) (string, error) {
	sum, err := fileMD5(disk)
	if err != nil {
		return "", fmt.Errorf("compute checksum: %w", err)
	}
	line := fmt.Sprintf("%s %s\n", sum, filepath.Base(disk))
	if err := os.WriteFile(md5Path(disk), []byte(line), 0644); err != nil {
		return "", fmt.Errorf("write checksum: %w", err)
	}
	return sum, nil
}

// VerifyMD5 recomputes the checksum of disk and compares it with the
// companion file.
func VerifyMD5(disk string) error {
	data, err := os.ReadFile(md5Path(disk))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("no checksum for %s: %w", disk, errdefs.ErrNotFound)
		}
		return err
	}
	want, _, _ := strings.Cut(strings.TrimSpace(string(data)), " ")
	got, err := fileMD5(disk)
	if err != nil {
		return fmt.Errorf("compute checksum: %w", err)
	}
	if got != want {
		return fmt.Errorf("%s: expected %s, got %s: %w", disk, want, got, ErrChecksumMismatch)
	}
	return nil
}
