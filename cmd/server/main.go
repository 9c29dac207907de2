package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/joho/godotenv"

	"ldapauth/internal/authn"
	"ldapauth/internal/authz"
	"ldapauth/internal/config"
	internalgrpc "ldapauth/internal/grpc"
	"ldapauth/internal/httpserver"
	"ldapauth/internal/ldap"
	"ldapauth/internal/logging"
	"ldapauth/internal/observability"
	"ldapauth/internal/storage"
)

func main() {
	_ = godotenv.Load()

	cfg := config.Load()
	logs := logging.New(logging.Options{Level: cfg.LogLevel, JSON: cfg.LogJSON, Detailed: cfg.DetailedLog})
	log := logs.Errors.ResetNamed("server")

	if err := run(cfg, logs, log); err != nil {
		log.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logs logging.Sinks, log hclog.Logger) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := observability.InitTracer(ctx, observability.Config{
		ServiceName: "ldapauth",
		Endpoint:    cfg.OTelEndpoint,
		Stdout:      cfg.TraceStdout,
	})
	if err != nil {
		return err
	}
	defer func() { _ = shutdownTracer(context.Background()) }()

	defs, err := config.LoadDefinitions(cfg.DefinitionsFile)
	if err != nil {
		return err
	}

	db, err := storage.NewDB(ctx, cfg.DBURL, cfg.DBReadURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return fmt.Errorf("failed to connect to postgres: %w", err)
	}
	defer db.Close()

	var registry ldap.Registry
	switch cfg.ServerSource {
	case "database":
		registry = storage.NewServerRepo(db, storage.NewSecretBox(cfg.SecretsKey))
	default:
		registry, err = ldap.NewStaticRegistry(defs.Servers...)
		if err != nil {
			return err
		}
	}
	connector := ldap.NewDialer()

	checks := map[string]internalgrpc.Check{
		"database": func(ctx context.Context) error { return db.Writer().Ping(ctx) },
		"directory": func(ctx context.Context) error {
			servers, err := registry.ListEnabledForAuthentication(ctx)
			if err != nil {
				return err
			}
			if len(servers) == 0 {
				return errors.New("no directory servers enabled for authentication")
			}
			return nil
		},
	}

	var cache ldap.MembershipCache
	if cfg.RedisAddr != "" && cfg.GroupCacheTTL > 0 {
		pingCtx, cancel := context.WithTimeout(ctx, time.Second)
		rdb, err := storage.NewRedis(pingCtx, cfg.RedisAddr, cfg.RedisPass)
		cancel()
		if err != nil {
			log.Warn("redis unavailable; group cache disabled", "error", err)
		} else {
			defer func() { _ = rdb.Close() }()
			cache = ldap.NewGroupCache(rdb, cfg.GroupCacheTTL)
			checks["cache"] = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
		}
	}

	deps := authn.Deps{
		Registry:   registry,
		Connector:  connector,
		Accounts:   storage.NewAccountRepo(db),
		Identities: storage.NewIdentityMapRepo(db),
		Logs:       logs,
	}
	if defs.Authorization.Enabled() {
		resolver := ldap.NewMembershipResolver(ldap.NewLookup(logs.Errors), cache, logs.Errors)
		engine, err := authz.NewEngine(defs.Authorization, resolver, logs.Errors.Named("authz"))
		if err != nil {
			return err
		}
		deps.Authorizer = engine
		if defs.Authorization.LoginGate {
			deps.Hooks = append(deps.Hooks, authz.NewGate(engine, connector))
		}
	}

	validator, err := authn.NewValidator(defs.Authentication, deps)
	if err != nil {
		return err
	}

	if cfg.JWTSecret == "" {
		log.Warn("JWT_SECRET not set; using a random signing key")
	}
	tokens, err := httpserver.NewTokenIssuer(cfg.JWTSecret, cfg.JWTIssuer, cfg.SessionTTL)
	if err != nil {
		return err
	}

	var sso httpserver.SSOAuthenticator
	switch cfg.SSOMode {
	case "kerberos":
		kv, err := httpserver.NewKerberosValidator(cfg.KerberosKeytab, cfg.KerberosService)
		if err != nil {
			return err
		}
		sso = kv
	case "header":
		sso = httpserver.HeaderAuthenticator{Header: cfg.SSOHeader}
	}

	health := internalgrpc.NewServer(cfg.GRPCPort, checks, log.Named("health"))
	go health.Monitor(ctx, 15*time.Second)
	if cfg.GRPCPort != "0" {
		go func() {
			if err := health.Start(); err != nil {
				log.Error("gRPC server failed", "error", err)
			}
		}()
		defer health.Stop()
	}

	srv := &http.Server{
		Addr: cfg.Addr(),
		Handler: httpserver.NewRouter(cfg, httpserver.Options{
			Validator: validator,
			Tokens:    tokens,
			SSO:       sso,
			Health:    checks["database"],
			Logger:    log.Named("http"),
		}),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errs := make(chan error, 1)
	go func() {
		log.Info("server starting", "addr", cfg.Addr(), "server_source", cfg.ServerSource, "sso", cfg.SSOMode)
		errs <- srv.ListenAndServe()
	}()

	select {
	case err := <-errs:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
