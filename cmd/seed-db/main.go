// Command seed-db loads reference data and one API key per role.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"os"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/app"
	"github.com/go-faster/sdk/zctx"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xenking/storefront/internal/domain/auth"
	"github.com/xenking/storefront/internal/repository"
)

type seedKey struct {
	role  auth.Role
	user  string
	group string
	key   *string
	env   string
}

func main() {
	var (
		databaseURL  string
		seedFile     string
		apiKeyPepper string
		customerKey  string
		supportKey   string
		adminKey     string
	)

	flag.StringVar(&databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.StringVar(&seedFile, "seed-file", "db/seed/seed.json", "path to seed JSON file")
	flag.StringVar(&apiKeyPepper, "api-key-pepper", "", "HMAC pepper for API key hashing (or STOREFRONT_API_KEY_PEPPER env)")
	flag.StringVar(&customerKey, "customer-key", "", "CUSTOMER API key (or STOREFRONT_SEED_CUSTOMER_KEY env)")
	flag.StringVar(&supportKey, "support-key", "", "SUPPORT API key (or STOREFRONT_SEED_SUPPORT_KEY env)")
	flag.StringVar(&adminKey, "admin-key", "", "ADMIN API key (or STOREFRONT_SEED_ADMIN_KEY env)")
	flag.Parse()

	if databaseURL == "" {
		databaseURL = os.Getenv("DATABASE_URL")
	}
	if apiKeyPepper == "" {
		apiKeyPepper = os.Getenv("STOREFRONT_API_KEY_PEPPER")
	}
	keys := []seedKey{
		{role: auth.RoleCustomer, user: "customer-1", group: "vip", key: &customerKey, env: "STOREFRONT_SEED_CUSTOMER_KEY"},
		{role: auth.RoleSupport, user: "support-1", key: &supportKey, env: "STOREFRONT_SEED_SUPPORT_KEY"},
		{role: auth.RoleAdmin, user: "admin-1", key: &adminKey, env: "STOREFRONT_SEED_ADMIN_KEY"},
	}

	app.Run(func(ctx context.Context, lg *zap.Logger, _ *app.Telemetry) error {
		if databaseURL == "" {
			return errors.New("database URL is required: set --database-url or DATABASE_URL")
		}
		return run(zctx.Base(ctx, lg), databaseURL, seedFile, []byte(apiKeyPepper), keys)
	})
}

func run(ctx context.Context, databaseURL, seedFile string, pepper []byte, keys []seedKey) error {
	lg := zctx.From(ctx)

	raw, err := os.ReadFile(seedFile)
	if err != nil {
		return errors.Wrap(err, "read seed file")
	}
	var data repository.SeedData
	if err := json.Unmarshal(raw, &data); err != nil {
		return errors.Wrap(err, "parse seed file")
	}

	lg.Info("Connecting to database")
	pool, err := repository.NewPool(ctx, databaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	lg.Info("Running migrations")
	if err := repository.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	if err := repository.NewSeeder(pool).Seed(ctx, data); err != nil {
		return errors.Wrap(err, "seed")
	}
	lg.Info("Seeded reference data",
		zap.Int("products", len(data.Products)),
		zap.Int("zones", len(data.Zones)),
		zap.Int("tax_rules", len(data.TaxRules)),
		zap.Int("discounts", len(data.Discounts)),
		zap.Int("workflows", len(data.Workflows)),
	)

	apiKeys := repository.NewAPIKeyRepository(pool)
	for _, k := range keys {
		key := *k.key
		if key == "" {
			key = os.Getenv(k.env)
		}
		generated := key == ""
		if generated {
			key = uuid.NewString()
		}
		err := apiKeys.Upsert(ctx, auth.APIKeyInfo{
			ID:            "seed-" + string(k.role),
			KeyHash:       auth.HashAPIKey(key, pepper),
			Name:          "Seeded " + string(k.role) + " key",
			UserID:        k.user,
			Role:          k.role,
			CustomerGroup: k.group,
		})
		if err != nil {
			return errors.Wrapf(err, "upsert %s key", k.role)
		}
		fields := []zap.Field{zap.String("role", string(k.role)), zap.String("user_id", k.user)}
		if generated {
			fields = append(fields, zap.String("key", key))
		}
		lg.Info("Seeded API key", fields...)
	}
	return nil
}
