// Command kbs-server runs the Key Broker Service: it wires a persistence
// backend (memory, badger, or redis) for workload policy/measurements,
// a process-wide secret-store config, and the session registry into the
// HTTP surface exposed by pkg/kbs, then serves it.
//
// Modeled on cmd/kms-server/main.go's urfave/cli flag/env config layer
// and parseConfig split.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/Layr-Labs/kbs-go/internal/secretstore"
	"github.com/Layr-Labs/kbs-go/internal/store"
	"github.com/Layr-Labs/kbs-go/internal/store/badgerstore"
	"github.com/Layr-Labs/kbs-go/internal/store/redisstore"
	"github.com/Layr-Labs/kbs-go/internal/vault"
	"github.com/Layr-Labs/kbs-go/pkg/kbs"
	"github.com/Layr-Labs/kbs-go/pkg/logger"
	"github.com/Layr-Labs/kbs-go/pkg/sessionstore"
)

// sessionSweepInterval is how often the session registry evicts expired
// sessions in the background (SPEC_FULL.md supplemented feature #4).
const sessionSweepInterval = 10 * time.Minute

func main() {
	app := &cli.App{
		Name:  "kbs-server",
		Usage: "Key Broker Service: TEE remote attestation and sealed secret release",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "addr",
				Aliases: []string{"a"},
				Value:   ":8080",
				Usage:   "HTTP listen address",
				EnvVars: []string{"KBS_ADDR"},
			},
			&cli.StringFlag{
				Name:    "store-backend",
				Value:   "memory",
				Usage:   "Policy/measurement store backend: memory, badger, or redis",
				EnvVars: []string{"KBS_STORE_BACKEND"},
			},
			&cli.StringFlag{
				Name:    "badger-path",
				Value:   "./kbs-data",
				Usage:   "Data directory for the badger store backend",
				EnvVars: []string{"KBS_BADGER_PATH"},
			},
			&cli.StringFlag{
				Name:    "redis-address",
				Usage:   "host:port for the redis store backend",
				EnvVars: []string{"KBS_REDIS_ADDRESS"},
			},
			&cli.StringFlag{
				Name:    "redis-password",
				Usage:   "Password for the redis store backend",
				EnvVars: []string{"KBS_REDIS_PASSWORD"},
			},
			&cli.StringFlag{
				Name:    "vault-url",
				Usage:   "Initial HashiCorp Vault address (can be changed via /secret-store/update)",
				EnvVars: []string{"KBS_VAULT_URL"},
			},
			&cli.StringFlag{
				Name:    "vault-token",
				Usage:   "Initial HashiCorp Vault token",
				EnvVars: []string{"KBS_VAULT_TOKEN"},
			},
			&cli.BoolFlag{
				Name:    "enforce-registered-workloads",
				Usage:   "Reject auth for workloads with no provisioned policy or measurement",
				EnvVars: []string{"KBS_ENFORCE_REGISTERED_WORKLOADS"},
			},
			&cli.BoolFlag{
				Name:    "debug",
				Usage:   "Enable debug-level logging",
				EnvVars: []string{"KBS_DEBUG"},
			},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatalf("kbs-server: %v", err)
	}
}

func run(c *cli.Context) error {
	zlog, err := logger.NewLogger(&logger.LoggerConfig{Debug: c.Bool("debug")})
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer func() { _ = zlog.Sync() }()

	policyStore, measurementStore, workloadRegistry, closeStore, err := buildStore(c, zlog)
	if err != nil {
		return fmt.Errorf("failed to build store backend: %w", err)
	}
	defer func() {
		if closeStore != nil {
			_ = closeStore()
		}
	}()

	secrets := secretstore.New(secretstore.Config{
		URL:   c.String("vault-url"),
		Token: c.String("vault-token"),
	})

	sessions := sessionstore.New(zlog)
	stopSweep := sessions.StartSweeper(sessionSweepInterval)
	defer stopSweep()

	var registry store.WorkloadRegistry
	if c.Bool("enforce-registered-workloads") {
		registry = workloadRegistry
	}

	server := kbs.New(kbs.Config{
		Sessions:         sessions,
		PolicyStore:      policyStore,
		MeasurementStore: measurementStore,
		WorkloadRegistry: registry,
		Secrets:          secrets,
		VaultFetch: func(ctx context.Context, cfg secretstore.Config, keyID string) ([]byte, error) {
			return vault.Fetch(ctx, vault.Config{URL: cfg.URL, Token: cfg.Token}, keyID)
		},
		Logger: zlog,
	})

	zlog.Sugar().Infow("kbs-server starting", "addr", c.String("addr"), "store_backend", c.String("store-backend"))
	return server.ListenAndServe(c.String("addr"))
}

// buildStore constructs the configured policy/measurement store backend.
// registry is the same underlying store viewed through WorkloadRegistry,
// non-nil regardless of the enforce flag; run decides whether to wire
// it into the server.
func buildStore(c *cli.Context, zlog *zap.Logger) (store.PolicyStore, store.MeasurementStore, store.WorkloadRegistry, func() error, error) {
	switch c.String("store-backend") {
	case "memory":
		s := store.NewMemoryStore()
		return s, s, s, nil, nil
	case "badger":
		s, err := badgerstore.Open(c.String("badger-path"), zlog)
		if err != nil {
			return nil, nil, nil, nil, err
		}
		return s, s, s, s.Close, nil
	case "redis":
		s, err := redisstore.New(&redisstore.Config{
			Address:  c.String("redis-address"),
			Password: c.String("redis-password"),
		}, zlog)
		if err != nil {
			return nil, nil, nil, nil, err
		}
		return s, s, s, s.Close, nil
	default:
		return nil, nil, nil, nil, fmt.Errorf("unknown store backend %q", c.String("store-backend"))
	}
}
