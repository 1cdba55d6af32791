package docstore

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/bleepstore/gridstore/internal/config"
)

// Open builds the engine selected by cfg.Engine.
func Open(ctx context.Context, cfg config.StoreConfig) (Database, error) {
	slog.Info("Opening document store", "engine", cfg.Engine)
	switch cfg.Engine {
	case "memory":
		return NewMemoryDatabase(), nil
	case "local":
		return asDatabase(OpenLocal(LocalOptions{
			RootDir:          cfg.Local.RootDir,
			CompactOnStartup: cfg.Local.CompactOnStartup,
			Sync:             cfg.Local.Sync,
		}))
	case "sqlite":
		if dir := filepath.Dir(cfg.SQLite.Path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("creating sqlite directory: %w", err)
			}
		}
		return asDatabase(OpenSQLite(cfg.SQLite.Path))
	case "mongo":
		return asDatabase(OpenMongo(ctx, MongoOptions{
			URI:            cfg.Mongo.URI,
			Database:       cfg.Mongo.Database,
			ConnectTimeout: cfg.Mongo.ConnectTimeout,
		}))
	case "dynamodb":
		return asDatabase(OpenDynamoDB(ctx, DynamoDBOptions{
			Table:       cfg.DynamoDB.Table,
			Region:      cfg.DynamoDB.Region,
			EndpointURL: cfg.DynamoDB.EndpointURL,
		}))
	case "firestore":
		return asDatabase(OpenFirestore(ctx, FirestoreOptions{
			ProjectID:       cfg.Firestore.ProjectID,
			CredentialsFile: cfg.Firestore.CredentialsFile,
			Root:            cfg.Firestore.Root,
		}))
	case "cosmos":
		return asDatabase(OpenCosmos(CosmosOptions{
			Endpoint:  cfg.Cosmos.Endpoint,
			MasterKey: cfg.Cosmos.MasterKey,
			Database:  cfg.Cosmos.Database,
			Container: cfg.Cosmos.Container,
		}))
	}
	return nil, fmt.Errorf("unknown document store engine %q", cfg.Engine)
}

// asDatabase keeps a failed constructor from yielding a non-nil interface
// around a nil pointer.
func asDatabase[T Database](db T, err error) (Database, error) {
	if err != nil {
		return nil, err
	}
	return db, nil
}
