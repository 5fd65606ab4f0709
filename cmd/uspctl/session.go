package main

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	usp "github.com/smnsjas/go-uspcore"
	"github.com/smnsjas/go-uspcore/coap"
	"github.com/smnsjas/go-uspcore/config"
	"github.com/smnsjas/go-uspcore/internal/logging"
)

// session is a running Controller bound to a CoAP listener.
type session struct {
	ctrl   *usp.Controller
	target usp.Target
	logger zerolog.Logger

	cancel context.CancelFunc
	runErr chan error
}

func openSession(ctx context.Context, cfg config.Config) (*session, error) {
	logger := logging.New(cfg.Logging("uspctl"))

	binding, err := coap.New(cfg.Listen.Advertise,
		coap.WithLogger(logger),
		coap.WithQueueTTL(cfg.QueueTTL),
		coap.WithRateLimit(cfg.RateLimit.RPS, cfg.RateLimit.Burst),
		coap.WithSendTimeout(cfg.Timeout),
	)
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	if _, err := binding.Start(runCtx, cfg.Listen.Address); err != nil {
		cancel()
		return nil, err
	}

	ctrl, err := usp.New(cfg.EndpointID, binding,
		usp.WithGenerator(cfg.Generator()),
		usp.WithLogger(logger),
		usp.WithTimeout(cfg.Timeout),
		usp.WithWorkers(cfg.Workers),
	)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("create controller: %w", err)
	}

	s := &session{
		ctrl:   ctrl,
		target: usp.Target{ID: cfg.Agent.ID, Address: cfg.Agent.Address},
		logger: logger,
		cancel: cancel,
		runErr: make(chan error, 1),
	}
	go func() {
		s.runErr <- ctrl.Run(runCtx)
	}()
	return s, nil
}

func (s *session) Close() error {
	err := s.ctrl.Close()
	s.cancel()
	if runErr := <-s.runErr; runErr != nil && err == nil {
		err = runErr
	}
	return err
}
