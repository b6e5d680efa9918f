package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	defaultFirestoreCollection = "assistant_history"

	// maxRememberedExchanges bounds the idempotency list kept on each document.
	maxRememberedExchanges = 32
)

// FirestoreConfig configures the Firestore backend.
type FirestoreConfig struct {
	// ProjectID is the GCP project (required).
	ProjectID string
	// Collection holds one document per session (default: "assistant_history").
	Collection string
	// CredentialsFile is an optional service account key file.
	CredentialsFile string
}

// firestoreTranscript is the stored shape of one session document.
type firestoreTranscript struct {
	Turns     []Turn    `firestore:"turns"`
	Exchanges []string  `firestore:"exchanges"`
	UpdatedAt time.Time `firestore:"updated_at"`
}

// FirestoreBackend implements HistoryStore with one Firestore document per
// session. Appends run in a transaction, which Firestore retries on
// contention, so concurrent appends from several instances serialize.
type FirestoreBackend struct {
	client *firestore.Client
	coll   *firestore.CollectionRef
	mu     sync.RWMutex
	closed bool
}

// NewFirestoreBackend connects to Firestore.
func NewFirestoreBackend(ctx context.Context, cfg FirestoreConfig) (*FirestoreBackend, error) {
	if cfg.ProjectID == "" {
		return nil, errors.New("firestore project ID is required")
	}

	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	client, err := firestore.NewClient(ctx, cfg.ProjectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create firestore client: %w", err)
	}

	return NewFirestoreBackendFromClient(client, cfg.Collection), nil
}

// NewFirestoreBackendFromClient wraps an existing client.
func NewFirestoreBackendFromClient(client *firestore.Client, collection string) *FirestoreBackend {
	if collection == "" {
		collection = defaultFirestoreCollection
	}
	return &FirestoreBackend{
		client: client,
		coll:   client.Collection(collection),
	}
}

func (b *FirestoreBackend) checkOpen() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrStorageClosed
	}
	return nil
}

// Get reads the session document; a missing document is an empty transcript.
func (b *FirestoreBackend) Get(ctx context.Context, sessionID string) (Transcript, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}
	if err := ValidateSessionID(sessionID); err != nil {
		return nil, err
	}

	snap, err := b.coll.Doc(sessionID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return Transcript{}, nil
		}
		return nil, fmt.Errorf("get transcript: %w", err)
	}

	var doc firestoreTranscript
	if err := snap.DataTo(&doc); err != nil {
		return nil, fmt.Errorf("decode transcript: %w", err)
	}
	return Transcript(doc.Turns).Clone(), nil
}

// AppendAtomic rewrites the session document inside a transaction.
func (b *FirestoreBackend) AppendAtomic(ctx context.Context, sessionID string, turns []Turn) error {
	if err := b.checkOpen(); err != nil {
		return err
	}
	if err := ValidateSessionID(sessionID); err != nil {
		return err
	}
	if err := validateTurns(turns); err != nil {
		return err
	}

	ref := b.coll.Doc(sessionID)
	id := exchangeID(turns)

	err := b.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		var doc firestoreTranscript

		snap, err := tx.Get(ref)
		switch {
		case err == nil:
			if err := snap.DataTo(&doc); err != nil {
				return fmt.Errorf("decode transcript: %w", err)
			}
		case status.Code(err) == codes.NotFound:
		default:
			return err
		}

		if id != "" {
			for _, seen := range doc.Exchanges {
				if seen == id {
					return nil
				}
			}
			doc.Exchanges = append(doc.Exchanges, id)
			if n := len(doc.Exchanges); n > maxRememberedExchanges {
				doc.Exchanges = doc.Exchanges[n-maxRememberedExchanges:]
			}
		}

		doc.Turns = append(doc.Turns, turns...)
		doc.UpdatedAt = time.Now().UTC()
		return tx.Set(ref, doc)
	})
	if err != nil {
		return fmt.Errorf("append turns: %w", err)
	}
	return nil
}

// Clear deletes the session document.
func (b *FirestoreBackend) Clear(ctx context.Context, sessionID string) error {
	if err := b.checkOpen(); err != nil {
		return err
	}
	if err := ValidateSessionID(sessionID); err != nil {
		return err
	}

	if _, err := b.coll.Doc(sessionID).Delete(ctx); err != nil && status.Code(err) != codes.NotFound {
		return fmt.Errorf("clear transcript: %w", err)
	}
	return nil
}

// Ping issues a cheap read to verify connectivity.
func (b *FirestoreBackend) Ping(ctx context.Context) error {
	if err := b.checkOpen(); err != nil {
		return err
	}
	_, err := b.coll.Doc("_ping").Get(ctx)
	if err != nil && status.Code(err) != codes.NotFound {
		return err
	}
	return nil
}

// Close releases the Firestore client.
func (b *FirestoreBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	return b.client.Close()
}
