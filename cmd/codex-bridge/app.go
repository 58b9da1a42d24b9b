package main

import (
	"fmt"
	"time"

	"github.com/oy-ilho/jupyterlab-codex/pkg/agent"
	"github.com/oy-ilho/jupyterlab-codex/pkg/catalog"
	"github.com/oy-ilho/jupyterlab-codex/pkg/config"
	"github.com/oy-ilho/jupyterlab-codex/pkg/prompt"
	"github.com/oy-ilho/jupyterlab-codex/pkg/ratelimit"
	"github.com/oy-ilho/jupyterlab-codex/pkg/redact"
	"github.com/oy-ilho/jupyterlab-codex/pkg/run"
	"github.com/oy-ilho/jupyterlab-codex/pkg/session"
)

// app holds the components shared by the subcommands.
type app struct {
	cfg        config.Config
	store      *session.Store
	resolver   *agent.Resolver
	supervisor *agent.Supervisor
	catalog    *catalog.Client
	rateLimits *ratelimit.Scanner
	runs       *run.Coordinator
}

func openStore(c config.Config) (*session.Store, error) {
	return session.Open(session.Config{
		Dir:           c.Session.Dir,
		Limits:        c.Session.Limits,
		RetentionDays: c.Session.RetentionDays,
		PruneInterval: c.Session.PruneInterval,
		Redactor:      redact.New(redact.Config{Mode: redact.Mode(c.Redact.Mode), CustomKeys: c.Redact.Keys}),
	})
}

func newCatalog(c config.Config, resolver *agent.Resolver) *catalog.Client {
	return catalog.New(catalog.Config{
		TTL:            c.Catalog.TTL,
		Timeout:        c.Catalog.Timeout,
		MaxLineBytes:   c.Agent.MaxLineBytes,
		TerminateGrace: c.Agent.TerminateGrace,
		Resolver:       resolver,
		ClientVersion:  Version,
	})
}

func newApp(c config.Config) (*app, error) {
	store, err := openStore(c)
	if err != nil {
		return nil, err
	}
	compiler, err := prompt.NewCompiler()
	if err != nil {
		return nil, fmt.Errorf("failed to load prompt assets: %w", err)
	}

	resolver := agent.NewResolver()
	supervisor := agent.NewSupervisor(agent.Config{
		TerminateGrace: c.Agent.TerminateGrace,
		MaxLineBytes:   c.Agent.MaxLineBytes,
		Resolver:       resolver,
	})
	rates := ratelimit.New(ratelimit.Config{CodexHome: c.CodexHome})

	runs, err := run.NewCoordinator(run.Config{
		Store:           store,
		Supervisor:      supervisor,
		Prompts:         compiler,
		RateLimits:      rates,
		Command:         c.Agent.Command,
		BaseArgs:        c.Agent.Args,
		Model:           c.Agent.Model,
		ReasoningEffort: c.Agent.ReasoningEffort,
		Sandbox:         c.Agent.Sandbox,
		NotebookRoot:    c.Server.NotebookRoot,
	})
	if err != nil {
		return nil, err
	}

	return &app{
		cfg:        c,
		store:      store,
		resolver:   resolver,
		supervisor: supervisor,
		catalog:    newCatalog(c, resolver),
		rateLimits: rates,
		runs:       runs,
	}, nil
}

// cliDefaults rereads codex's config.toml so edits show up on reconnect.
func (a *app) cliDefaults() config.CLIDefaults {
	return config.LoadCLIDefaults(a.cfg.CodexHome, a.cfg.Agent)
}

func formatTime(raw string) string {
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return raw
	}
	return t.Local().Format("2006-01-02 15:04")
}
