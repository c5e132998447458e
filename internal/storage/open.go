package storage

import (
	"context"
	"fmt"

	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/infra"
)

// Open builds the configured backend.
func Open(ctx context.Context, cfg config.StoreConfig) (Store, error) {
	switch cfg.Backend {
	case config.BackendMemory, "":
		return NewMemoryStore(), nil
	case config.BackendPostgres:
		return NewPostgresStore(cfg.PGDSN)
	case config.BackendFirestore:
		app, err := infra.NewFirebaseApp(ctx, cfg.FirebaseProjectID, cfg.FirebaseCredentialsFile)
		if err != nil {
			return nil, err
		}
		client, err := app.Firestore(ctx)
		if err != nil {
			return nil, fmt.Errorf("firebase app.Firestore: %w", err)
		}
		return NewFirestoreStore(client, cfg.RidesCollection, cfg.DriversCollection), nil
	}
	return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
}
