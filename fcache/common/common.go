package common

// This package contains shared utilities and types used across the cache packages.
// It provides path validation, error classification, and scan/hash metrics.
