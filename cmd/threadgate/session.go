package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/kalambet/threadgate/internal/chat"
	"github.com/kalambet/threadgate/internal/config"
	"github.com/kalambet/threadgate/internal/langgraph"
	"github.com/kalambet/threadgate/internal/signing"
	"github.com/kalambet/threadgate/internal/storage"
	"github.com/kalambet/threadgate/internal/threads"
)

// session is one thread-cache lifetime: a CLI invocation, an MCP stdio
// connection or a running server.
type session struct {
	cfg     config.Config
	logger  *slog.Logger
	store   storage.KV
	client  *langgraph.Client
	threads *threads.Manager
	chat    *chat.Orchestrator

	logCloser io.Closer
}

// newSession opens the session used by CLI commands. It is replaced in tests.
var newSession = func(ctx context.Context) (*session, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	return openSession(ctx, cfg, cfg.ClientBaseURL())
}

// openSession opens the snapshot store, reconciles it against the backend at
// baseURL and returns the wired session.
func openSession(ctx context.Context, cfg config.Config, baseURL string) (*session, error) {
	logger, logCloser := newLogger(cfg.Log)

	ns := cfg.Storage.Namespace
	if ns == "" {
		ns = storage.NamespaceFor(cfg.Upstream.BaseURL)
	}
	store, err := storage.Open(storage.Options{
		Backend:   cfg.Storage.Backend,
		DataDir:   cfg.Storage.DataDir,
		RedisURL:  cfg.Storage.RedisURL,
		Namespace: ns,
	})
	if err != nil {
		logCloser.Close()
		return nil, fmt.Errorf("opening storage: %w", err)
	}

	client := langgraph.NewClient(baseURL, cfg.Upstream.APIKey,
		langgraph.WithSigner(signerFor(cfg.Signing)))
	s := assembleSession(cfg, logger, store, client)
	s.logCloser = logCloser
	s.reconcile(ctx)
	return s, nil
}

// assembleSession wires the thread manager and orchestrator over an open
// store and client.
func assembleSession(cfg config.Config, logger *slog.Logger, store storage.KV, client *langgraph.Client) *session {
	mgr := threads.NewManager(store, client, threads.WithLogger(logger))
	return &session{
		cfg:     cfg,
		logger:  logger,
		store:   store,
		client:  client,
		threads: mgr,
		chat:    chat.New(client, mgr, cfg.Upstream.AssistantID, logger),
	}
}

// reconcile shows the snapshot first, then replaces it with the remote
// listing. A remote failure leaves the snapshot view in place.
func (s *session) reconcile(ctx context.Context) {
	if err := s.threads.LoadFromSnapshot(ctx); err != nil {
		s.logger.Warn("loading thread snapshot", "error", err)
	}
	if err := s.threads.LoadFromRemote(ctx); err != nil {
		s.logger.Warn("remote thread listing unavailable, using snapshot", "error", err)
	}
}

func (s *session) Close() error {
	errs := []error{s.threads.Close(), s.store.Close()}
	if s.logCloser != nil {
		errs = append(errs, s.logCloser.Close())
	}
	return errors.Join(errs...)
}

// signerFor returns nil when signing is not configured.
func signerFor(c config.SigningConfig) *signing.Signer {
	if c.AppID == "" {
		return nil
	}
	return &signing.Signer{AppID: c.AppID, AppSecret: c.AppSecret, Host: c.Host}
}
