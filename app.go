package main

import (
	"fmt"
	"io"

	"asyncmail/codec"
	"asyncmail/delivery"
	"asyncmail/gateway"
	"asyncmail/internal/audit"
	"asyncmail/internal/config"
	"asyncmail/internal/dkim"
	"asyncmail/queue"
	"asyncmail/storage"
	"asyncmail/transport"
)

// app wires the queue, the delivery worker and the submission gateway.
type app struct {
	cfg     *config.Config
	manager *queue.Manager
	worker  *delivery.Worker
	gateway *gateway.Backend
	spool   *storage.Spool
}

// newApp builds every component from cfg. Eager apps run tasks inline and
// never open the spool. out receives console backend output.
func newApp(cfg *config.Config, eager bool, out io.Writer) (*app, error) {
	params := transport.Params(cfg.BackendParams).Clone()
	signer, err := dkim.New(cfg.DKIM)
	if err != nil {
		return nil, err
	}
	if signer != nil {
		params["signer"] = signer
	}
	if out != nil {
		params["writer"] = out
	}

	a := &app{cfg: cfg}
	opts := queue.Options{
		Name:         cfg.Task.Name,
		Queue:        cfg.Task.Queue,
		Workers:      cfg.Queue.Workers,
		RateLimit:    cfg.Task.RateLimit,
		RetryDelay:   cfg.Task.RetryDelay,
		MaxRetries:   cfg.Task.Retries(),
		Eager:        eager,
		PollInterval: cfg.Queue.PollInterval,
		Logger:       audit.Logger(),
	}
	if cfg.Task.IsDurable() && !eager {
		spool, err := storage.Open(cfg.Queue.SpoolPath)
		if err != nil {
			return nil, err
		}
		a.spool = spool
		opts.Durable = true
		opts.Store = spool
	}

	manager, err := queue.NewManager(opts)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("queue: %w", err)
	}
	c := codec.New(cfg.MessageExtraAttributes)

	a.manager = manager
	a.worker = delivery.New(delivery.Options{
		Backend:  cfg.Backend,
		Params:   params,
		Codec:    c,
		Retrier:  manager,
		TaskName: cfg.Task.Name,
		Logger:   audit.Logger(),
	})
	delivery.Register(manager, a.worker, cfg.Task.Name)
	a.gateway = gateway.New(manager, c, gateway.Options{
		TaskName:  cfg.Task.Name,
		ChunkSize: cfg.Chunk(),
		Logger:    audit.Logger(),
	})
	return a, nil
}

func (a *app) close() {
	if a.manager != nil {
		a.manager.Stop()
	}
	if a.spool != nil {
		if err := a.spool.Close(); err != nil {
			audit.Logger().Warn("close spool", "err", err)
		}
		a.spool = nil
	}
}
