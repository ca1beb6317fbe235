// Package state provides filesystem-backed storage implementations.
package state

import "github.com/user/patientline/internal/types"

// Compile-time interface compliance checks.
var _ types.EventLog = (*EventLog)(nil)
var _ types.PreferenceStore = (*PreferenceStore)(nil)
