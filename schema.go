package offline

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"

	"go.uber.org/zap"
)

// Partition names.
const (
	PartitionRestaurants  = "restaurants"
	PartitionReviews      = "reviews"
	PartitionRequests     = "requests"
	PartitionPostRequests = "post-requests"
	// PartitionMeta holds worker bookkeeping such as the active version.
	PartitionMeta = "meta"

	IndexRestaurantID = "restaurant_id"
)

// SchemaVersion is the current version of the structured store.
const SchemaVersion = 3

// Migration is one versioned schema step. Steps must be idempotent.
type Migration struct {
	Version     int
	Description string
	Apply       func(ctx context.Context, tx UpgradeTx) error
}

// Migrations is the ordered schema history of the store.
var Migrations = []Migration{
	{
		Version:     1,
		Description: "create domain and request partitions",
		Apply: func(ctx context.Context, tx UpgradeTx) error {
			for _, name := range []string{PartitionRestaurants, PartitionReviews, PartitionRequests, PartitionPostRequests} {
				if err := tx.CreatePartition(ctx, name, "id"); err != nil {
					return err
				}
			}
			return nil
		},
	},
	{
		Version:     2,
		Description: "index reviews by restaurant",
		Apply: func(ctx context.Context, tx UpgradeTx) error {
			return tx.CreateIndex(ctx, PartitionReviews, IndexRestaurantID, "restaurant_id")
		},
	},
	{
		Version:     3,
		Description: "worker bookkeeping",
		Apply: func(ctx context.Context, tx UpgradeTx) error {
			return tx.CreatePartition(ctx, PartitionMeta, "id")
		},
	},
}

// Migrate builds a MigrateFunc that applies every step with
// oldVersion < step.Version <= newVersion, in ascending order.
func Migrate(steps []Migration, logger *zap.Logger) MigrateFunc {
	ordered := append([]Migration(nil), steps...)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Version < ordered[j].Version })
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(ctx context.Context, tx UpgradeTx, oldVersion, newVersion int) error {
		for _, m := range ordered {
			if m.Version <= oldVersion || m.Version > newVersion {
				continue
			}
			logger.Info("applying store migration",
				zap.Int("version", m.Version),
				zap.String("description", m.Description))
			if err := m.Apply(ctx, tx); err != nil {
				return fmt.Errorf("migration v%d: %w", m.Version, err)
			}
		}
		return nil
	}
}

// OpenStore opens the structured store named by cfg. An empty directory
// selects the in-memory backend.
func OpenStore(ctx context.Context, cfg StoreConfig, logger *zap.Logger) (Store, error) {
	migrate := Migrate(Migrations, logger)
	if cfg.Dir == "" {
		return OpenMemory(ctx, cfg.Name, SchemaVersion, migrate)
	}
	return OpenSQLite(ctx, filepath.Join(cfg.Dir, cfg.Name+".db"), SchemaVersion, migrate)
}
