package db

import (
	"context"
	"fmt"
	"time"

	"github.com/pgvector/pgvector-go"
)

// VectorMatch is one kNN hit from the vector index.
type VectorMatch struct {
	ObservationID string
	Similarity    float32
}

// SaveEmbedding upserts the vector index entry for an observation.
func (db *DB) SaveEmbedding(ctx context.Context, observationID, userID string, embedding []float32) error {
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO observation_embeddings (observation_id, user_id, embedding)
		VALUES ($1, $2, $3)
		ON CONFLICT (observation_id) DO UPDATE SET embedding = EXCLUDED.embedding
	`, toUUID(observationID), userID, pgvector.NewVector(embedding))
	if err != nil {
		return fmt.Errorf("save embedding: %w", err)
	}

	return nil
}

// DeleteEmbedding removes an observation from the vector index.
func (db *DB) DeleteEmbedding(ctx context.Context, observationID string) error {
	if _, err := db.Pool.Exec(ctx,
		`DELETE FROM observation_embeddings WHERE observation_id = $1`, toUUID(observationID)); err != nil {
		return fmt.Errorf("delete embedding: %w", err)
	}

	return nil
}

// SearchSimilar returns the user's nearest live observations by cosine
// similarity, best first.
func (db *DB) SearchSimilar(ctx context.Context, userID string, embedding []float32, limit int) ([]VectorMatch, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT e.observation_id, 1 - (e.embedding <=> $2::vector) AS similarity
		FROM observation_embeddings e
		JOIN observations o ON o.id = e.observation_id
		WHERE e.user_id = $1 AND NOT o.deleted
		ORDER BY e.embedding <=> $2::vector
		LIMIT $3
	`, userID, pgvector.NewVector(embedding), limit)
	if err != nil {
		return nil, fmt.Errorf("search similar: %w", err)
	}

	defer rows.Close()

	var matches []VectorMatch

	for rows.Next() {
		var m VectorMatch
		if err := rows.Scan(&m.ObservationID, &m.Similarity); err != nil {
			return nil, fmt.Errorf("scan vector match: %w", err)
		}

		matches = append(matches, m)
	}

	return matches, rows.Err()
}

// CountSimilarSince counts the user's live observations observed after since
// whose embedding is at least threshold-similar to the probe. The attention
// scorer uses this for highlight frequency.
func (db *DB) CountSimilarSince(ctx context.Context, userID string, embedding []float32, threshold float32, since time.Time) (int, error) {
	var n int

	err := db.Pool.QueryRow(ctx, `
		SELECT COUNT(*)
		FROM observation_embeddings e
		JOIN observations o ON o.id = e.observation_id
		WHERE e.user_id = $1 AND o.observed_at > $2 AND NOT o.deleted
		  AND (e.embedding <=> $3::vector) < $4
	`, userID, since, pgvector.NewVector(embedding), float64(1.0-threshold)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count similar since: %w", err)
	}

	return n, nil
}
