// Package debug bundles the optional introspection utilities: a pprof
// server and an effective-configuration dump for debug mode.
package debug

import (
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"

	"github.com/davecgh/go-spew/spew"
	"github.com/sirupsen/logrus"

	"github.com/anvil-dev/anvil/internal/core"
)

// StartUtilities spins off the services associated with debug mode.
func StartUtilities(cfg *core.Config, logger *logrus.Logger) {
	if cfg.Debugging.DumpConfig {
		spew.Fdump(os.Stdout, cfg)
	}
	if cfg.Debugging.PprofEnabled {
		startPprofServer(cfg, logger)
	}
}

// This function starts the default pprof HTTP server that can be accessed
// via localhost to get runtime information about the server.
// See https://golang.org/pkg/net/http/pprof/
func startPprofServer(cfg *core.Config, logger *logrus.Logger) {
	listenerAddr := fmt.Sprintf("localhost:%d", cfg.Debugging.PprofPort)
	logger.Infof("starting pprof server on %s", listenerAddr)

	go func() {
		if err := http.ListenAndServe(listenerAddr, nil); err != nil {
			logger.Infof("error starting pprof server: %s", err)
		}
	}()
}
