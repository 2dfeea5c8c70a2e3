// Command ingestd is the composition root: it wires configuration,
// storage, the orchestrator, and every transport adapter together and
// runs until signaled to stop (spec.md §6, SPEC_FULL.md §2).
package main

import (
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/busyworksapp/water-telemetry-core/internal/alertsvc"
	"github.com/busyworksapp/water-telemetry-core/internal/config"
	"github.com/busyworksapp/water-telemetry-core/internal/domain"
	"github.com/busyworksapp/water-telemetry-core/internal/eventbus"
	"github.com/busyworksapp/water-telemetry-core/internal/identity"
	"github.com/busyworksapp/water-telemetry-core/internal/notify"
	"github.com/busyworksapp/water-telemetry-core/internal/observability"
	"github.com/busyworksapp/water-telemetry-core/internal/orchestrator"
	"github.com/busyworksapp/water-telemetry-core/internal/rules"
	"github.com/busyworksapp/water-telemetry-core/internal/store"
	transporthttp "github.com/busyworksapp/water-telemetry-core/internal/transport/http"
	"github.com/busyworksapp/water-telemetry-core/internal/transport/mqtt"
	"github.com/busyworksapp/water-telemetry-core/internal/transport/tcp"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "ingestd: "+err.Error())
		os.Exit(1)
	}
	logger := cfg.Logger()

	if err := run(cfg, logger); err != nil {
		logger.Error("ingestd exited with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(cfg.DatabaseURL, cfg.DBPoolSize, cfg.DBMaxOverflow, cfg.DBPoolTimeout)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	var rdb *redis.Client
	if cfg.RedisConfigured() {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rdb.Close()
	}

	bus := eventbus.New(cfg.WSEventReplayLimit)
	verifier := identity.New(cfg.SecretKey, cfg.JWTIssuer, cfg.JWTAudience)

	rulesEngine, err := rules.New()
	if err != nil {
		return fmt.Errorf("build rules engine: %w", err)
	}
	alertSvc := alertsvc.New()
	dispatcher := notify.NoOp{Logger: logger}

	// The credential encryption key has no dedicated environment
	// variable in spec.md §6's table; rather than invent one, it is
	// derived deterministically from SECRET_KEY (the JWT signing secret)
	// via SHA-256, the same way a single KMS-backed secret commonly fans
	// out into purpose-specific subkeys. config.Load neither requires
	// SECRET_KEY nor checks its length.
	encKey := deriveEncryptionKey(cfg.SecretKey)

	obs, err := observability.New(ctx, observability.Config{
		ServiceName:  "water-telemetry-ingestd",
		OTLPEndpoint: cfg.OTelEndpoint,
		Enabled:      cfg.OTelEnabled,
		Insecure:     cfg.OTelInsecure,
	})
	if err != nil {
		return fmt.Errorf("init observability: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = obs.Shutdown(shutdownCtx)
	}()

	orch := orchestrator.New(db, encKey, rulesEngine, alertSvc, bus, dispatcher, obs, logger)

	if err := applySeed(ctx, db, cfg.RulesSeedFile, logger); err != nil {
		return fmt.Errorf("apply seed: %w", err)
	}

	httpServer := transporthttp.NewServer(cfg.HTTPAddr, orch, bus, verifier, cfg.RateLimitPerMinute, rdb, logger)
	go func() {
		logger.Info("http ingest listening", "addr", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server failed", "error", err)
		}
	}()

	tcpServer := tcp.New(cfg.TCPHost, cfg.TCPPort, orch, logger)
	if err := tcpServer.Start(ctx); err != nil {
		return fmt.Errorf("start tcp transport: %w", err)
	}

	var mqttSub *mqtt.Subscriber
	if cfg.MQTTConfigured() {
		mqttSub = mqtt.New(mqtt.Config{
			BrokerHost: cfg.MQTTBrokerHost,
			BrokerPort: cfg.MQTTBrokerPort,
			Username:   cfg.MQTTUsername,
			Password:   cfg.MQTTPassword,
			TLSEnabled: cfg.MQTTTLSEnabled,
			TLSCAFile:  cfg.MQTTTLSCAFile,
		}, orch, logger)
		if err := mqttSub.Start(ctx); err != nil {
			return fmt.Errorf("start mqtt transport: %w", err)
		}
	} else {
		logger.Info("mqtt transport disabled: MQTT_BROKER_HOST is unset")
	}

	// Cellular (SMS/USSD/GPRS) has no listening socket of its own — it
	// is invoked by whatever carrier gateway or modem driver sits in
	// front of this process. cellular.New(orch, logger) is the seam
	// that integration wires into; nothing to start here.

	<-ctx.Done()
	logger.Info("shutdown signal received, draining")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := transporthttp.Shutdown(shutdownCtx, httpServer); err != nil {
		logger.Warn("http shutdown error", "error", err)
	}
	if err := tcpServer.Stop(); err != nil {
		logger.Warn("tcp shutdown error", "error", err)
	}
	if mqttSub != nil {
		if err := mqttSub.Stop(shutdownCtx); err != nil {
			logger.Warn("mqtt shutdown error", "error", err)
		}
	}
	return nil
}

func deriveEncryptionKey(secret string) []byte {
	sum := sha256.Sum256([]byte(secret))
	return sum[:]
}

// applySeed upserts the optional static protocol-policy and rule set
// (SPEC_FULL.md §3) before any transport starts accepting traffic.
func applySeed(ctx context.Context, db *store.DB, path string, logger *slog.Logger) error {
	seed, err := config.LoadSeed(path)
	if err != nil {
		return err
	}
	if len(seed.ProtocolPolicies) == 0 && len(seed.Rules) == 0 {
		return nil
	}

	policyRepo := store.NewPolicyRepo()
	ruleRepo := store.NewRuleRepo()

	for _, sp := range seed.ProtocolPolicies {
		p := &domain.ProtocolPolicy{
			Scope:    sp.Scope,
			Protocol: domain.Protocol(sp.Protocol),
			Enabled:  sp.Enabled,
			Settings: sp.Settings,
		}
		if err := policyRepo.Upsert(ctx, db, p); err != nil {
			return fmt.Errorf("seed protocol policy %s/%s: %w", sp.Scope, sp.Protocol, err)
		}
	}
	for _, sr := range seed.Rules {
		r := &domain.DynamicRule{
			ID:             sr.ID,
			Scope:          sr.Scope,
			SensorKindCode: sr.SensorKindCode,
			Predicates:     sr.Predicates,
			Combinator:     sr.Combinator,
			AlertKind:      sr.AlertKind,
			Severity:       sr.Severity,
			Template:       sr.Template,
			Priority:       sr.Priority,
			CooldownSecs:   sr.CooldownSecs,
			Active:         sr.Active,
		}
		if err := ruleRepo.Create(ctx, db, r); err != nil {
			return fmt.Errorf("seed rule %s: %w", sr.ID, err)
		}
	}
	logger.Info("seed applied", "protocol_policies", len(seed.ProtocolPolicies), "rules", len(seed.Rules))
	return nil
}
