package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"hapanel/internal/config"
	"hapanel/internal/haws"
	"hapanel/internal/logging"
)

// Controller runs at most one panel service at a time under a root context.
type Controller struct {
	rootCtx    context.Context
	newService func(config.Options, *logging.Logger, StartHooks) (Service, error)

	mu      sync.Mutex
	cancel  context.CancelFunc
	running bool
	wg      sync.WaitGroup
}

type StartHooks struct {
	OnStatus      func(string)
	OnStateChange func(haws.StateChange)
	OnEvent       func(json.RawMessage)
	OnExit        func(error)
}

func NewController(rootCtx context.Context) *Controller {
	if rootCtx == nil {
		rootCtx = context.Background()
	}
	return &Controller{rootCtx: rootCtx, newService: NewServiceWithHooks}
}

func (c *Controller) Start(opts config.Options, logger *logging.Logger, hooks StartHooks) error {
	if logger == nil {
		panic("runtime.Controller.Start: logger must not be nil")
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return fmt.Errorf("panel service is already running")
	}
	logger.Debug("runtime start requested",
		logging.Field("server_url", opts.ServerURL),
		logging.Field("listen", opts.Listen),
		logging.Field("entities", len(opts.Entities)),
	)

	service, err := c.newService(opts, logger, hooks)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(c.rootCtx)
	c.cancel = cancel
	c.running = true
	c.wg.Go(func() {
		defer cancel()
		runErr := service.RunContext(ctx)
		switch {
		case errors.Is(runErr, context.Canceled) || errors.Is(runErr, context.DeadlineExceeded):
			logger.Debug("runtime service exited due to context cancellation", logging.Field("error", runErr))
		case runErr != nil:
			logger.Warn("runtime service exited with error", logging.Field("error", runErr))
		default:
			logger.Info("runtime service exited")
		}
		c.mu.Lock()
		c.running = false
		c.cancel = nil
		c.mu.Unlock()

		if hooks.OnExit != nil {
			hooks.OnExit(runErr)
		}
	})

	return nil
}

// Restart stops the running service, if any, and starts a new one with opts.
// It fails when the previous service does not stop within timeout.
func (c *Controller) Restart(opts config.Options, logger *logging.Logger, hooks StartHooks, timeout time.Duration) error {
	if !c.StopAndWait(timeout) {
		return fmt.Errorf("panel service did not stop within %s", timeout)
	}
	return c.Start(opts, logger, hooks)
}

func (c *Controller) Stop() {
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (c *Controller) Wait(timeout time.Duration) bool {
	waitDone := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(waitDone)
	}()
	if timeout <= 0 {
		<-waitDone
		return true
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-waitDone:
		return true
	case <-timer.C:
		return false
	}
}

func (c *Controller) StopAndWait(timeout time.Duration) bool {
	c.Stop()
	return c.Wait(timeout)
}

func (c *Controller) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}
