// Package config loads and validates statepanel's YAML configuration.
//
// Configuration is resolved in three layers: hardcoded defaults, the YAML
// file, and STATEPANEL_* environment variable overrides. The loaded Config
// also remembers its source file so the housekeeping pass can detect edits
// at runtime via CheckForChanges.
package config
