package scanning

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/anstrom/edgeprobe/internal/errors"
	"github.com/anstrom/edgeprobe/internal/logging"
)

const (
	// DefaultReleaseURL hosts the prebuilt CloudflareScanner archives.
	DefaultReleaseURL = "https://github.com/bia-pain-bache/Cloudflare-Clean-IP-Scanner/releases/download/v2.2.5"

	binaryArchivePrefix = "CloudflareScanner"
	downloadTimeout     = 5 * time.Minute
	binaryPerm          = 0o750
)

// PlatformSuffix returns the release archive suffix for goos/goarch.
func PlatformSuffix(goos, goarch string) string {
	switch goos {
	case "linux":
		switch goarch {
		case "arm64":
			return "linux-arm64"
		case "arm":
			return "linux-arm7"
		default:
			return "linux-amd64"
		}
	case "darwin":
		if goarch == "arm64" {
			return "darwin-arm64"
		}
		return "darwin-amd64"
	case "windows":
		if goarch == "amd64" {
			return "windows-amd64"
		}
		return "windows-386"
	default:
		return "linux-amd64"
	}
}

// ArchiveURL returns the download URL of the archive for the running platform.
func ArchiveURL(releaseURL string) string {
	suffix := PlatformSuffix(runtime.GOOS, runtime.GOARCH)
	return fmt.Sprintf("%s/%s_%s.zip", strings.TrimRight(releaseURL, "/"), binaryArchivePrefix, suffix)
}

// EnsureBinary makes sure the tool exists at path and is executable,
// downloading the release archive when it is missing and download is true.
func EnsureBinary(ctx context.Context, path, releaseURL string, download bool, logger *logging.Logger) error {
	if logger == nil {
		logger = logging.Default()
	}

	if _, err := os.Stat(path); err == nil {
		return os.Chmod(path, binaryPerm)
	} else if !os.IsNotExist(err) {
		return errors.ErrBinaryMissing(path, err)
	}

	if !download {
		return errors.ErrBinaryMissing(path, fmt.Errorf("binary not found and auto download disabled"))
	}

	url := ArchiveURL(releaseURL)
	logger.Info("Measurement tool not found, downloading", "url", url, "path", path)

	if err := downloadAndExtract(ctx, url, path); err != nil {
		return errors.ErrBinaryMissing(path, err)
	}

	logger.Info("Measurement tool installed", "path", path)
	return nil
}

func downloadAndExtract(ctx context.Context, url, dest string) error {
	dir := filepath.Dir(dest)
	if err := os.MkdirAll(dir, binaryPerm); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, downloadTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download failed: %s", resp.Status)
	}

	tmp, err := os.CreateTemp(dir, "scanner-*.zip")
	if err != nil {
		return err
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	size, err := io.Copy(tmp, resp.Body)
	if err != nil {
		_ = tmp.Close()
		return err
	}

	zr, err := zip.NewReader(tmp, size)
	if err != nil {
		_ = tmp.Close()
		return err
	}
	err = extractBinary(zr, dest)
	_ = tmp.Close()
	return err
}

// extractBinary copies the first archive entry named like the tool to dest.
func extractBinary(zr *zip.Reader, dest string) error {
	for _, f := range zr.File {
		name := filepath.Base(f.Name)
		if f.FileInfo().IsDir() || !strings.HasPrefix(name, binaryArchivePrefix) {
			continue
		}

		src, err := f.Open()
		if err != nil {
			return err
		}
		out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, binaryPerm)
		if err != nil {
			_ = src.Close()
			return err
		}
		_, copyErr := io.Copy(out, src)
		_ = src.Close()
		if err := out.Close(); err != nil && copyErr == nil {
			copyErr = err
		}
		return copyErr
	}
	return fmt.Errorf("archive does not contain %s", binaryArchivePrefix)
}
