package atomicfile

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Quarantine moves filePath into baseDir/quarantine and returns the new path.
func Quarantine(baseDir, filePath string) (string, error) {
	quarantineDir := filepath.Join(baseDir, "quarantine")
	if err := os.MkdirAll(quarantineDir, 0755); err != nil {
		return "", fmt.Errorf("create quarantine dir: %w", err)
	}

	baseName := filepath.Base(filePath)
	timestamp := time.Now().UTC().Format("20060102T150405.000")
	quarantinePath := filepath.Join(quarantineDir, fmt.Sprintf("%s.%s.corrupt", baseName, timestamp))

	if err := os.Rename(filePath, quarantinePath); err != nil {
		return "", fmt.Errorf("move to quarantine: %w", err)
	}
	return quarantinePath, nil
}

// RestoreFromBackup replaces filePath with filePath.bak if the backup passes validate.
func RestoreFromBackup(filePath string, validate Validator) error {
	bakPath := filePath + ".bak"
	content, err := os.ReadFile(bakPath)
	if os.IsNotExist(err) {
		return fmt.Errorf("no backup file: %s", bakPath)
	}
	if err != nil {
		return fmt.Errorf("read backup: %w", err)
	}

	if validate != nil {
		if err := validate(content); err != nil {
			return fmt.Errorf("backup is also corrupted: %w", err)
		}
	}

	if err := WriteRaw(filePath, content, nil); err != nil {
		return fmt.Errorf("restore from backup: %w", err)
	}
	return nil
}

// Recover quarantines a corrupt file and then tries to restore it from its
// backup. restored reports whether a valid backup took its place.
func Recover(baseDir, filePath string, validate Validator) (quarantined string, restored bool, err error) {
	quarantined, err = Quarantine(baseDir, filePath)
	if err != nil {
		return "", false, fmt.Errorf("quarantine failed: %w", err)
	}
	if err := RestoreFromBackup(filePath, validate); err != nil {
		return quarantined, false, nil
	}
	return quarantined, true, nil
}
