package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// Artifact is one durable synthesized-audio blob keyed by its content
// fingerprint. The in-memory synthesis cache sits in front of this table;
// rows written by pregeneration survive restarts.
type Artifact struct {
	Fingerprint  string
	Audio        []byte
	Duration     time.Duration
	QualityScore float64
	CreatedAt    time.Time
}

// ArtifactStore persists synthesized audio artifacts.
type ArtifactStore struct {
	db querier
}

// Put stores an artifact. Writing the same fingerprint twice keeps the first
// row; synthesis is deterministic per fingerprint so the bytes are equivalent.
func (s *ArtifactStore) Put(ctx context.Context, a *Artifact) error {
	const q = `
		INSERT INTO synthesis_artifacts (fingerprint, audio, duration_ns, quality_score, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (fingerprint) DO NOTHING`

	_, err := s.db.Exec(ctx, q,
		a.Fingerprint, a.Audio, a.Duration.Nanoseconds(), a.QualityScore, a.CreatedAt,
	)
	if err != nil {
		return classify(fmt.Errorf("artifact store: put: %w", err))
	}
	return nil
}

// Get returns the artifact for a fingerprint, or (nil, nil) when absent.
func (s *ArtifactStore) Get(ctx context.Context, fingerprint string) (*Artifact, error) {
	const q = `
		SELECT fingerprint, audio, duration_ns, quality_score, created_at
		FROM   synthesis_artifacts
		WHERE  fingerprint = $1`

	var (
		a  Artifact
		ns int64
	)
	err := s.db.QueryRow(ctx, q, fingerprint).Scan(
		&a.Fingerprint, &a.Audio, &ns, &a.QualityScore, &a.CreatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, classify(fmt.Errorf("artifact store: get: %w", err))
	}
	a.Duration = time.Duration(ns)
	return &a, nil
}

// DeleteOlderThan evicts artifacts created before the cutoff and returns how
// many were removed.
func (s *ArtifactStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	const q = `DELETE FROM synthesis_artifacts WHERE created_at < $1`

	tag, err := s.db.Exec(ctx, q, cutoff)
	if err != nil {
		return 0, classify(fmt.Errorf("artifact store: delete: %w", err))
	}
	return int(tag.RowsAffected()), nil
}
