package cache

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FirestoreSessionStore is an implementation of SessionStore using Firestore.
// It is suitable for smaller deployments where a dedicated Redis instance may be overkill.
type FirestoreSessionStore[K comparable, V any] struct {
	client     *firestore.Client
	collection string
}

// NewFirestoreSessionStore creates a new FirestoreSessionStore.
func NewFirestoreSessionStore[K comparable, V any](
	client *firestore.Client,
	collectionName string,
) (*FirestoreSessionStore[K, V], error) {
	if client == nil {
		return nil, errors.New("firestore client cannot be nil")
	}
	return &FirestoreSessionStore[K, V]{
		client:     client,
		collection: collectionName,
	}, nil
}

// docID maps a key to a valid document id; cache keys commonly contain '/'.
func docID[K comparable](key K) string {
	return url.PathEscape(fmt.Sprintf("%v", key))
}

// Set creates or overwrites a document with the session value.
func (s *FirestoreSessionStore[K, V]) Set(ctx context.Context, key K, value V) error {
	id := docID(key)
	_, err := s.client.Collection(s.collection).Doc(id).Set(ctx, value)
	if err != nil {
		return fmt.Errorf("failed to set session data in firestore for key %s: %w", id, err)
	}
	return nil
}

// Fetch retrieves a document and maps it to the value type.
func (s *FirestoreSessionStore[K, V]) Fetch(ctx context.Context, key K) (V, error) {
	var zero V
	id := docID(key)
	docSnap, err := s.client.Collection(s.collection).Doc(id).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return zero, fmt.Errorf("key '%v': %w", key, ErrNotFound)
		}
		return zero, fmt.Errorf("firestore get failed for key %s: %w", id, err)
	}
	var value V
	if err := docSnap.DataTo(&value); err != nil {
		return zero, fmt.Errorf("failed to unmarshal session data for key %s: %w", id, err)
	}
	return value, nil
}

// Delete removes the document from Firestore.
func (s *FirestoreSessionStore[K, V]) Delete(ctx context.Context, key K) error {
	id := docID(key)
	_, err := s.client.Collection(s.collection).Doc(id).Delete(ctx)
	if err != nil {
		// It's often acceptable to ignore "not found" errors on delete.
		if status.Code(err) == codes.NotFound {
			return nil
		}
		return fmt.Errorf("firestore delete failed for key %s: %w", id, err)
	}
	return nil
}

// Clear deletes every document in the collection.
func (s *FirestoreSessionStore[K, V]) Clear(ctx context.Context) error {
	iter := s.client.Collection(s.collection).Documents(ctx)
	defer iter.Stop()
	for {
		doc, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("firestore iteration failed during clear: %w", err)
		}
		if _, err := doc.Ref.Delete(ctx); err != nil && status.Code(err) != codes.NotFound {
			return fmt.Errorf("firestore delete failed for %s during clear: %w", doc.Ref.ID, err)
		}
	}
}

// Close is a no-op as the Firestore client's lifecycle is managed externally.
func (s *FirestoreSessionStore[K, V]) Close() error {
	return nil
}
