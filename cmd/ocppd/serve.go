package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"ocpp-gateway/internal/adapter/eventsink"
	"ocpp-gateway/internal/adapter/gateway"
	"ocpp-gateway/internal/adapter/schema"
	"ocpp-gateway/internal/domain"
	"ocpp-gateway/internal/infra/config"
	"ocpp-gateway/internal/infra/logger"
	"ocpp-gateway/internal/infra/middleware"
	"ocpp-gateway/internal/infra/tracer"
	"ocpp-gateway/internal/ocppj"
	"ocpp-gateway/internal/security"
	"ocpp-gateway/internal/usecase/centralsystem"
	"ocpp-gateway/internal/usecase/eventbus"
	"ocpp-gateway/internal/usecase/scheduling"
)

const stopTimeout = 10 * time.Second

func runServe() error {
	cfg, err := config.Load(configPath())
	if err != nil {
		return err
	}

	log, closeLog, err := logger.New(cfg.Logger, "ocppd")
	if err != nil {
		return err
	}
	defer closeLog()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTracer, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer shutdownTracer(context.Background())

	bus := eventbus.New(log.With("component", "eventbus"))
	defer bus.Close()

	sched := scheduling.NewScheduler(log.With("component", "scheduler"))

	opts, cleanup, err := gatewayOptions(cfg, bus, sched, log)
	defer cleanup()
	if err != nil {
		return err
	}

	srv := gateway.NewServer(bus, opts, log.With("component", "gateway"))

	handlers := centralsystem.New(centralsystem.Options{
		HeartbeatInterval: cfg.ChargePoint.HeartbeatInterval,
		IdTags:            cfg.Auth.IdTags,
	}, log.With("component", "centralsystem"))
	srv.OnConnection(handlers.Register)
	srv.OnClose(func(session *ocppj.Session, code int, reason string) {
		log.Info("charge point disconnected", "identity", session.Identity(), "code", code, "reason", reason)
	})
	srv.RegisterAPIRoute("/api/v1/stations/{identity}", stationHandler(handlers))

	sched.Start(ctx)
	defer sched.Stop()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start(ctx) }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	stopCtx, stopCancel := context.WithTimeout(context.Background(), stopTimeout)
	defer stopCancel()
	if err := srv.Stop(stopCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return <-errCh
}

// gatewayOptions builds the server options and wires the optional audit
// trail, schema validator and NATS sink. cleanup is always non-nil.
func gatewayOptions(cfg *config.Config, bus *eventbus.Bus, sched *scheduling.Scheduler, log *slog.Logger) (gateway.Options, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	opts := gateway.Options{
		Addr:           cfg.Server.Addr,
		PathPrefix:     cfg.Server.PathPrefix,
		TLSCertFile:    cfg.Server.TLSCertFile,
		TLSKeyFile:     cfg.Server.TLSKeyFile,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Authorizer:     authorizer(cfg.Auth),
		AuthTimeout:    cfg.Auth.Timeout,
		CallTimeout:    cfg.RPC.CallTimeout,
		WriteTimeout:   cfg.RPC.WriteTimeout,
		MaxInFlight:    cfg.RPC.MaxInFlight,
		ReadLimit:      cfg.Server.ReadLimit,
		RateLimit: middleware.RateLimitConfig{
			RequestsPerMin: cfg.Server.RateLimit.RequestsPerMin,
			BurstSize:      cfg.Server.RateLimit.Burst,
			TrustedProxies: cfg.Server.RateLimit.TrustedProxies,
		},
	}

	if cfg.API.Enabled && len(cfg.API.Tokens) > 0 {
		tokens := make([]gateway.OperatorToken, 0, len(cfg.API.Tokens))
		for _, t := range cfg.API.Tokens {
			tokens = append(tokens, gateway.OperatorToken{Token: t.Token, Name: t.Name, Roles: t.Roles})
		}
		opts.Operators = gateway.NewStaticTokenAuth(tokens)
	} else if cfg.API.Enabled {
		log.Warn("operator API disabled: no api.tokens configured")
	}

	if cfg.Schemas.Enabled {
		v, err := newValidator(cfg.Schemas)
		if err != nil {
			return opts, cleanup, err
		}
		opts.Validator = v
		log.Info("payload validation enabled", "schemas", len(v.Names()), "strict", cfg.Schemas.Strict)
	}

	if cfg.Audit.Enabled {
		audit, err := newAudit(cfg.Audit, bus, sched, log)
		if err != nil {
			return opts, cleanup, err
		}
		closers = append(closers, func() { audit.Close() })
		opts.Audit = audit
	}

	if cfg.Events.NATS.Enabled {
		nc, err := eventsink.Connect(eventsink.ConnConfig{
			Servers:       cfg.Events.NATS.Servers,
			Name:          cfg.Events.NATS.Name,
			Token:         cfg.Events.NATS.Token,
			User:          cfg.Events.NATS.User,
			Password:      cfg.Events.NATS.Password,
			ReconnectWait: cfg.Events.NATS.ReconnectWait,
			Timeout:       cfg.Events.NATS.Timeout,
		}, log.With("component", "nats"))
		if err != nil {
			return opts, cleanup, err
		}
		types := make([]domain.EventType, 0, len(cfg.Events.NATS.Types))
		for _, t := range cfg.Events.NATS.Types {
			types = append(types, domain.EventType(t))
		}
		sink := eventsink.New(nc, eventsink.Options{
			SubjectPrefix: cfg.Events.NATS.SubjectPrefix,
			Types:         types,
		}, log.With("component", "eventsink"))
		detach := sink.Attach(bus)
		closers = append(closers, func() {
			detach()
			nc.Drain()
		})
	}

	return opts, cleanup, nil
}

// authorizer combines the allowlist and per charge point passwords. It
// returns nil (accept all) when neither is configured.
func authorizer(cfg config.AuthConfig) gateway.Authorizer {
	var chain []gateway.Authorizer
	if len(cfg.Allowlist) > 0 {
		chain = append(chain, gateway.NewAllowlistAuthorizer(cfg.Allowlist))
	}
	if len(cfg.ChargePoints) > 0 {
		passwords := make(map[string]string, len(cfg.ChargePoints))
		for _, cp := range cfg.ChargePoints {
			passwords[cp.Identity] = cp.Password
		}
		chain = append(chain, gateway.NewBasicAuthorizer(passwords))
	}
	switch len(chain) {
	case 0:
		return nil
	case 1:
		return chain[0]
	default:
		return gateway.ChainAuthorizers(chain...)
	}
}

func newValidator(cfg config.SchemasConfig) (*schema.Validator, error) {
	v, err := schema.New(schema.WithStrict(cfg.Strict))
	if err != nil {
		return nil, fmt.Errorf("load schemas: %w", err)
	}
	if cfg.Dir != "" {
		if err := v.LoadDir(cfg.Dir); err != nil {
			return nil, err
		}
	}
	return v, nil
}

// newAudit opens the audit trail, records protocol violations from the
// bus and schedules retention.
func newAudit(cfg config.AuditConfig, bus *eventbus.Bus, sched *scheduling.Scheduler, log *slog.Logger) (*security.FileAuditLogger, error) {
	audit, err := security.NewFileAuditLogger(cfg.Path)
	if err != nil {
		return nil, err
	}
	bus.Subscribe(domain.EventProtocolViolation, audit.Observe)

	maxSize, err := security.ParseSize(cfg.Retention.MaxSize)
	if err != nil {
		audit.Close()
		return nil, err
	}
	if cfg.Retention.MaxAge == 0 && maxSize == 0 {
		return audit, nil
	}
	audit.SetRetention(security.RetentionPolicy{MaxAge: cfg.Retention.MaxAge, MaxSize: maxSize})

	sched.RegisterAction(scheduling.ActionAuditRetention, func(ctx context.Context, _ scheduling.Task) error {
		removed, err := audit.EnforceRetention(ctx)
		if err == nil && removed > 0 {
			log.Info("audit retention applied", "removed", removed)
		}
		return err
	})
	if err := sched.AddTask(scheduling.Task{
		Name:     "audit-retention",
		Schedule: cfg.Retention.Schedule,
		Action:   scheduling.ActionAuditRetention,
	}); err != nil {
		audit.Close()
		return nil, err
	}
	return audit, nil
}

func stationHandler(h *centralsystem.Handlers) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity := r.PathValue("identity")
		switch r.Method {
		case http.MethodGet:
		case http.MethodDelete:
			// Drops the last known state of a decommissioned station.
			h.Forget(identity)
			w.WriteHeader(http.StatusNoContent)
			return
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		st, ok := h.Station(identity)
		if !ok {
			gateway.WriteJSON(w, http.StatusNotFound, map[string]*gateway.APIError{"error": {
				Code:    string(domain.CodeChargePointNotFound),
				Message: "no state for charge point",
			}})
			return
		}
		gateway.WriteJSON(w, http.StatusOK, st)
	})
}
