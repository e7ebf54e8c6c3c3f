package backbone

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"k8s.io/klog/v2"
)

// ErrNoWeights is returned when neither a local model file nor a download URL
// is configured and the cache is empty.
var ErrNoWeights = errors.New("no backbone weights available")

// ErrChecksum is returned when downloaded or cached weights do not match the
// expected SHA-256.
var ErrChecksum = errors.New("backbone weights checksum mismatch")

// DefaultCacheDir is used when Config.CacheDir is empty.
func DefaultCacheDir() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		dir = os.TempDir()
	}
	return filepath.Join(dir, "tl-classifier")
}

// Fetch returns the local path of the weights for spec and their SHA-256.
// Weights are downloaded into the cache directory on first use and reused
// afterwards.
func Fetch(ctx context.Context, spec Spec, cfg Config) (string, string, error) {
	if cfg.ModelPath != "" {
		sum, err := fileSHA256(cfg.ModelPath)
		if err != nil {
			return "", "", fmt.Errorf("failed to read backbone %s: %w", cfg.ModelPath, err)
		}
		return cfg.ModelPath, sum, nil
	}

	cacheDir := cfg.CacheDir
	if cacheDir == "" {
		cacheDir = DefaultCacheDir()
	}
	cached := filepath.Join(cacheDir, spec.Name+".onnx")

	if sum, err := fileSHA256(cached); err == nil {
		if spec.SHA256 != "" && sum != spec.SHA256 {
			return "", "", fmt.Errorf("%w: %s has %s, want %s", ErrChecksum, cached, sum, spec.SHA256)
		}
		return cached, sum, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", "", fmt.Errorf("failed to read cached backbone: %w", err)
	}

	url := cfg.URL
	if url == "" {
		url = spec.URL
	}
	if url == "" {
		return "", "", fmt.Errorf("%w: set a backbone path or URL for %s", ErrNoWeights, spec.Name)
	}

	klog.Infof("Fetching pretrained weights for %s from %s", spec.Name, url)
	sum, err := download(ctx, url, cached)
	if err != nil {
		return "", "", err
	}
	if spec.SHA256 != "" && sum != spec.SHA256 {
		os.Remove(cached)
		return "", "", fmt.Errorf("%w: downloaded %s, want %s", ErrChecksum, sum, spec.SHA256)
	}
	return cached, sum, nil
}

func download(ctx context.Context, url, dest string) (string, error) {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return "", fmt.Errorf("failed to create cache dir: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("invalid backbone URL: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to fetch backbone: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("failed to fetch backbone: %s", resp.Status)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dest), filepath.Base(dest)+".part-*")
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	hash := sha256.New()
	n, err := io.Copy(io.MultiWriter(tmp, hash), resp.Body)
	if err != nil {
		tmp.Close()
		return "", fmt.Errorf("failed to download backbone: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("failed to write backbone: %w", err)
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		return "", fmt.Errorf("failed to store backbone: %w", err)
	}

	klog.Infof("Stored %d bytes of backbone weights at %s", n, dest)
	return hex.EncodeToString(hash.Sum(nil)), nil
}

func fileSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	hash := sha256.New()
	if _, err := io.Copy(hash, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(hash.Sum(nil)), nil
}
