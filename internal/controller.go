package internal

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/anvil-dev/anvil/internal/api"
	"github.com/anvil-dev/anvil/internal/core"
	"github.com/anvil-dev/anvil/internal/debug"
	"github.com/anvil-dev/anvil/internal/echo"
	"github.com/anvil-dev/anvil/internal/metrics"
	"github.com/anvil-dev/anvil/internal/recorder"
	"github.com/anvil-dev/anvil/internal/relay"
)

// Controller is the main entrypoint for anvil. It's responsible for
// initializing any shared resources (such as the database and logging),
// wiring the relay server up to its sinks, and launching everything.
type Controller struct {
	Config *core.Config

	logger   *logrus.Logger
	relay    *relay.Server
	api      *api.Server
	recorder *recorder.Recorder
	capture  *recorder.Capture
}

// Start brings up the relay server and any optional components enabled in
// the config, then blocks until ctx is cancelled. The error is ctx.Err()
// after a clean run so that callers can distinguish a requested shutdown
// from a startup failure.
func (c *Controller) Start(ctx context.Context) error {
	var err error
	// Set up the logger, which will be used by all of the components.
	c.logger, err = core.NewLogger(c.Config)
	if err != nil {
		return fmt.Errorf("error initializing logger: %w", err)
	}

	// Start any debug utilities if we're configured to do so.
	debug.StartUtilities(c.Config, c.logger)

	relayConfig, err := c.Config.RelayConfig()
	if err != nil {
		return err
	}

	m := metrics.New()
	tracker := api.NewTracker(c.logger)
	sinks := []relay.Option{relay.WithSink(m), relay.WithSink(tracker)}

	if c.Config.Database.Enabled {
		c.recorder, err = recorder.Open(c.Config, c.logger)
		if err != nil {
			return fmt.Errorf("error initializing session recorder: %w", err)
		}
		sinks = append(sinks, relay.WithSink(c.recorder))
	}

	if c.Config.Capture.Enabled {
		c.capture, err = recorder.NewCapture(c.Config.Capture.Directory, c.logger)
		if err != nil {
			return fmt.Errorf("error initializing traffic capture: %w", err)
		}
		sinks = append(sinks, relay.WithSink(c.capture))
	}

	c.relay, err = relay.NewServer(relayConfig, echo.New, c.logger, sinks...)
	if err != nil {
		return err
	}
	if err := c.relay.Bind(); err != nil {
		return fmt.Errorf("error binding relay server: %w", err)
	}
	c.logger.Infof("relay server listening on %s:%d (protocol version %s)",
		c.Config.Hostname, c.relay.BoundPort(), relayConfig.Version)

	if c.Config.Web.Enabled {
		c.api = api.New(c.relay, tracker, m, c.logger)
		addr := fmt.Sprintf("%s:%d", c.Config.Hostname, c.Config.Web.HTTPPort)
		c.api.Start(addr)
		c.logger.Infof("http api listening on %s", addr)
	}

	<-ctx.Done()
	c.shutdown()
	return ctx.Err()
}

func (c *Controller) shutdown() {
	// Stop accepting connections and wait for the active sessions to wind
	// down before tearing down the sinks they report to.
	c.relay.Shutdown()
	c.relay.Wait()

	if c.api != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		c.api.Shutdown(shutdownCtx)
	}

	if c.capture != nil {
		c.capture.CloseAll()
	}

	if c.recorder != nil {
		if err := c.recorder.Close(); err != nil {
			c.logger.Warnf("error closing session recorder: %v", err)
		}
	}
}
