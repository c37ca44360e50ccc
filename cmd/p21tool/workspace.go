package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"stepcore/internal/config"
	"stepcore/internal/core"
	"stepcore/internal/p21"
)

// workspace is an open session with one repository holding the models of a
// single decoded file.
type workspace struct {
	cfg     *config.Config
	session *core.Session
	repo    *core.Repository
	tx      *core.Transaction
	es      *p21.ExchangeStructure
	models  []*core.SdaiModel
}

func openWorkspace(ctx context.Context, opts *options, logs io.Writer) (*workspace, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, err
	}
	if opts.verbose {
		cfg.LogLevel = "debug"
	}
	backend, err := core.OpenStorage(ctx, cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	sessionOpts := append(cfg.SessionOptions(logs), core.WithSchemas(&core.LenientRegistry{}))
	s, err := core.OpenSession(sessionOpts...)
	if err != nil {
		_ = backend.Close()
		return nil, err
	}
	repo := core.NewRepository(opts.repository, core.WithBackend(backend))
	if err := s.AddKnownRepository(repo); err != nil {
		return nil, err
	}
	if err := s.OpenRepository(ctx, repo); err != nil {
		return nil, err
	}
	tx, err := s.StartTransactionReadWriteAccess()
	if err != nil {
		return nil, err
	}
	return &workspace{cfg: cfg, session: s, repo: repo, tx: tx}, nil
}

// decode reads path, or stdin for "-", into the workspace repository.
func (w *workspace) decode(ctx context.Context, path string, stdin io.Reader) error {
	var r io.Reader = stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		r = f
	}
	es, models, err := p21.NewDecoder().DecodeExchange(ctx, r, w.tx, w.repo)
	if err != nil {
		return err
	}
	w.es, w.models = es, models
	return nil
}

// close commits when commit is set and the work succeeded, then closes the
// session and its backend.
func (w *workspace) close(ctx context.Context, commit bool) error {
	backend := w.repo.Backend()
	err := w.session.Close(ctx, commit)
	if backend != nil {
		if cerr := backend.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
