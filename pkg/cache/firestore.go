package cache

import (
	"context"
	"fmt"

	"cloud.google.com/go/firestore"
	"github.com/rs/zerolog"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FirestoreConfig holds configuration for the Firestore client.
type FirestoreConfig struct {
	ProjectID      string `yaml:"project_id"`
	CollectionName string `yaml:"collection_name"`
}

// FirestoreSource reads documents of a single Firestore collection. It acts
// as a source of truth that KeyedCache pulls from through Fetcher.
type FirestoreSource[V any] struct {
	client         *firestore.Client
	collectionName string
	logger         zerolog.Logger
}

// NewFirestoreSource creates a new generic FirestoreSource.
func NewFirestoreSource[V any](
	cfg *FirestoreConfig,
	client *firestore.Client,
	logger zerolog.Logger,
) (*FirestoreSource[V], error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client cannot be nil")
	}

	logger.Info().Str("project_id", cfg.ProjectID).Str("collection", cfg.CollectionName).Msg("FirestoreSource initialized.")

	return &FirestoreSource[V]{
		client:         client,
		collectionName: cfg.CollectionName,
		logger:         logger.With().Str("component", "FirestoreSource").Logger(),
	}, nil
}

// Fetch retrieves a single document by its id.
func (s *FirestoreSource[V]) Fetch(ctx context.Context, id string) (V, error) {
	var zero V
	docSnap, err := s.client.Collection(s.collectionName).Doc(id).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			s.logger.Warn().Str("id", id).Msg("Document not found in Firestore.")
			return zero, fmt.Errorf("document %s: %w", id, ErrNotFound)
		}
		s.logger.Error().Err(err).Str("id", id).Msg("Failed to get document from Firestore.")
		return zero, fmt.Errorf("firestore get for %s: %w", id, err)
	}

	var value V
	if err := docSnap.DataTo(&value); err != nil {
		s.logger.Error().Err(err).Str("id", id).Msg("Failed to map Firestore document data.")
		return zero, fmt.Errorf("firestore DataTo for %s: %w", id, err)
	}

	s.logger.Debug().Str("id", id).Msg("Successfully fetched data from Firestore.")
	return value, nil
}

// Fetcher binds id into a Fetcher suitable for KeyedCache.
func (s *FirestoreSource[V]) Fetcher(id string) Fetcher[V] {
	return func(ctx context.Context) (V, error) {
		return s.Fetch(ctx, id)
	}
}

// Close is a no-op as the Firestore client's lifecycle is managed externally.
func (s *FirestoreSource[V]) Close() error {
	s.logger.Info().Msg("FirestoreSource does not close the injected Firestore client.")
	return nil
}
