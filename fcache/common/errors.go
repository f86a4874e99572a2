package common

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"syscall"
)

// Common error types used across cache packages
var (
	ErrPathEmpty        = errors.New("path cannot be empty")
	ErrPathTooLong      = errors.New("path too long (max 4096 characters)")
	ErrPathInvalid      = errors.New("path contains invalid characters")
	ErrPathOutsideRoot  = errors.New("path is outside the monitored root")
	ErrNotDirectory     = errors.New("path is not a directory")
	ErrPermissionDenied = errors.New("permission denied")
)

// ValidationUtils provides common validation utilities used across packages
type ValidationUtils struct{}

// NewValidationUtils creates a new ValidationUtils instance
func NewValidationUtils() *ValidationUtils {
	return &ValidationUtils{}
}

// ValidateRequiredString validates that a string is not empty
func (vu *ValidationUtils) ValidateRequiredString(value, fieldName string) error {
	if strings.TrimSpace(value) == "" {
		return fmt.Errorf("%s cannot be empty", fieldName)
	}
	return nil
}

// ValidatePath validates length and characters of a path
func (vu *ValidationUtils) ValidatePath(path string) error {
	if strings.TrimSpace(path) == "" {
		return ErrPathEmpty
	}
	if len(path) > 4096 {
		return ErrPathTooLong
	}
	if strings.Contains(path, "\x00") {
		return ErrPathInvalid
	}
	return nil
}

// ValidateDirectoryExists validates that a directory exists
func (vu *ValidationUtils) ValidateDirectoryExists(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("failed to access directory %s: %w", path, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%s: %w", path, ErrNotDirectory)
	}
	return nil
}

// IsTransientError reports whether err is the kind of I/O failure a scan
// absorbs: a missing entry, a permission problem or a locked file.
func IsTransientError(err error) bool {
	if err == nil {
		return false
	}
	switch {
	case errors.Is(err, fs.ErrNotExist),
		errors.Is(err, fs.ErrPermission),
		errors.Is(err, ErrPermissionDenied),
		errors.Is(err, syscall.EBUSY),
		errors.Is(err, syscall.EAGAIN):
		return true
	}
	return false
}

// ToSlash converts a relative OS path into the slash-separated key form
// used by snapshots.
func ToSlash(rel string) string {
	rel = filepath.ToSlash(rel)
	rel = strings.TrimPrefix(rel, "./")
	return strings.TrimPrefix(rel, "/")
}

// RelativeTo returns path relative to root in slash form. Relative inputs are
// cleaned and returned as-is; absolute inputs must live beneath root.
func RelativeTo(root, path string) (string, error) {
	if path == "" {
		return "", ErrPathEmpty
	}
	if !filepath.IsAbs(path) {
		cleaned := filepath.Clean(path)
		if cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) {
			return "", fmt.Errorf("%s: %w", path, ErrPathOutsideRoot)
		}
		if cleaned == "." {
			return "", nil
		}
		return ToSlash(cleaned), nil
	}
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return "", fmt.Errorf("%s: %w", path, ErrPathOutsideRoot)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%s: %w", path, ErrPathOutsideRoot)
	}
	if rel == "." {
		return "", nil
	}
	return ToSlash(rel), nil
}
