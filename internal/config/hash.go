package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/zeebo/blake3"
)

// checksumSuffix names the lock file written next to the config file by
// `stoker config lock` and verified on every Load.
const checksumSuffix = ".sum"

// ComputeBlake3Hash computes the BLAKE3 hash of a file.
func ComputeBlake3Hash(filePath string) (string, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return "", fmt.Errorf("failed to read file: %w", err)
	}

	hash := blake3.Sum256(data)
	return hex.EncodeToString(hash[:]), nil
}

// VerifyFileHash verifies a file against an expected BLAKE3 hash.
func VerifyFileHash(filePath, expectedHash string) error {
	actualHash, err := ComputeBlake3Hash(filePath)
	if err != nil {
		return fmt.Errorf("failed to compute hash: %w", err)
	}

	if actualHash != expectedHash {
		return fmt.Errorf("hash mismatch for %s: expected %s, got %s",
			filepath.Base(filePath), expectedHash, actualHash)
	}
	return nil
}

// ChecksumPath returns the lock file path for a config file.
func ChecksumPath(configPath string) string {
	return configPath + checksumSuffix
}

// WriteChecksum records the config file's current hash, authorizing its
// present state.
func WriteChecksum(configPath string) (string, error) {
	hash, err := ComputeBlake3Hash(configPath)
	if err != nil {
		return "", err
	}

	line := fmt.Sprintf("%s  %s\n", hash, filepath.Base(configPath))
	if err := os.WriteFile(ChecksumPath(configPath), []byte(line), 0o644); err != nil {
		return "", fmt.Errorf("failed to write checksum file: %w", err)
	}
	return hash, nil
}

// VerifyChecksum verifies the config file against its lock file. A missing
// lock file is not an error: unlocked configs load without verification.
func VerifyChecksum(configPath string) error {
	data, err := os.ReadFile(ChecksumPath(configPath))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read checksum file: %w", err)
	}

	fields := strings.Fields(string(data))
	if len(fields) < 1 {
		return fmt.Errorf("malformed checksum file: %s", ChecksumPath(configPath))
	}

	if err := VerifyFileHash(configPath, fields[0]); err != nil {
		return fmt.Errorf("config integrity check failed (run 'stoker config lock' to authorize changes): %w", err)
	}
	return nil
}
