package engine

import (
	"context"
	"fmt"
	"time"
)

// ReferencePrefix starts every human-readable contravention reference.
const ReferencePrefix = "PC"

// ReferenceGenerator issues references of the form PC-2026-000042. The
// sequence is per calendar year of filing and is incremented inside the
// filing transaction, so a rolled-back filing does not consume a number.
type ReferenceGenerator struct {
	Prefix string
}

func (g ReferenceGenerator) Next(ctx context.Context, store ContraventionStore, at time.Time) (string, error) {
	prefix := g.Prefix
	if prefix == "" {
		prefix = ReferencePrefix
	}
	year := at.UTC().Year()
	seq, err := store.NextReferenceSequence(ctx, year)
	if err != nil {
		return "", fmt.Errorf("failed to allocate reference: %w", err)
	}
	return fmt.Sprintf("%s-%d-%06d", prefix, year, seq), nil
}
