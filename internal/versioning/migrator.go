package versioning

import (
	"context"
	"fmt"
	"log"

	"proofmark/api/internal/store"
)

// ProofLister enumerates every proof for the boot backfill.
type ProofLister interface {
	ListProofIDs(ctx context.Context) ([]string, error)
}

// Migrator moves pre-versioning proofs onto revision 1.
type Migrator struct {
	ledger *Ledger
	store  LedgerStore
	proofs ProofLister
}

func NewMigrator(ledger *Ledger, s LedgerStore, proofs ProofLister) *Migrator {
	return &Migrator{ledger: ledger, store: s, proofs: proofs}
}

// EnsureVersioned returns the latest revision of proofID, backfilling
// revision 1 first when the proof has none.
func (m *Migrator) EnsureVersioned(ctx context.Context, proofID string) (store.ProofVersion, error) {
	latest, err := m.store.LatestVersion(ctx, proofID)
	if err != nil {
		return store.ProofVersion{}, err
	}
	if latest != nil {
		return *latest, nil
	}
	proof, err := m.store.GetProof(ctx, proofID)
	if err != nil {
		return store.ProofVersion{}, err
	}
	version, created, err := m.ledger.CreateInitialVersion(ctx, proof)
	if err != nil {
		return store.ProofVersion{}, fmt.Errorf("backfill %s: %w", proofID, err)
	}
	if created {
		log.Printf("backfill: proof %s moved to revision 1 (%s)", proofID, version.ID)
	}
	return version, nil
}

// BackfillAll versions every proof and returns how many revisions it created.
// It stops at the first failure.
func (m *Migrator) BackfillAll(ctx context.Context) (int, error) {
	ids, err := m.proofs.ListProofIDs(ctx)
	if err != nil {
		return 0, err
	}
	created := 0
	for _, id := range ids {
		proof, err := m.store.GetProof(ctx, id)
		if err != nil {
			return created, fmt.Errorf("backfill %s: %w", id, err)
		}
		_, ok, err := m.ledger.CreateInitialVersion(ctx, proof)
		if err != nil {
			return created, fmt.Errorf("backfill %s: %w", id, err)
		}
		if ok {
			created++
		}
	}
	return created, nil
}
