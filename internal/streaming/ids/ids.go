// Package ids generates the stable identifiers used to name chains, units
// and connectors in logs, metrics labels and diagnostics (spec §9:
// "model as a small logging ring keyed by opaque ids, not by
// lifetime-significant pointers").
package ids

import "github.com/google/uuid"

// ChainID identifies one chain for the lifetime of the process.
type ChainID string

// UnitID identifies one virtual unit instance within a chain.
type UnitID string

// NewChainID returns a fresh random chain identifier.
func NewChainID() ChainID { return ChainID(uuid.NewString()) }

// NewUnitID returns a fresh random unit identifier.
func NewUnitID() UnitID { return UnitID(uuid.NewString()) }
