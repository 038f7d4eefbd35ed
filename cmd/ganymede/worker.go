package main

import (
	"time"

	"github.com/spf13/cobra"

	"mercator-hq/ganymede/pkg/parser/http1"
	"mercator-hq/ganymede/pkg/telemetry/logging"
	"mercator-hq/ganymede/pkg/worker"
)

// controlFD is the descriptor a worker inherits from the supervisor,
// the first entry after stdio.
const controlFD = 3

var workerFlags struct {
	id                int
	maxSessions       int
	bufferSize        int
	frontTimeout      time.Duration
	backTimeout       time.Duration
	drainTimeout      time.Duration
	maxRetries        int
	maxIdlePerBackend int
	maxHeadBytes      int
	maxHeaderCount    int
	logLevel          string
	logFormat         string
}

// workerCmd is spawned by the supervisor, never by hand: it expects a
// control socket on fd 3 and receives its whole configuration as
// orders over it.
var workerCmd = &cobra.Command{
	Use:    "worker",
	Hidden: true,
	Short:  "Run one data-plane worker (spawned by the supervisor)",
	RunE:   runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)

	f := workerCmd.Flags()
	f.IntVar(&workerFlags.id, "id", 0, "worker index")
	f.IntVar(&workerFlags.maxSessions, "max-sessions", 0, "concurrent session cap")
	f.IntVar(&workerFlags.bufferSize, "buffer-size", 0, "per-direction session buffer bytes")
	f.DurationVar(&workerFlags.frontTimeout, "front-timeout", 0, "client inactivity timeout")
	f.DurationVar(&workerFlags.backTimeout, "back-timeout", 0, "backend connect/response timeout")
	f.DurationVar(&workerFlags.drainTimeout, "drain-timeout", 0, "soft stop drain bound")
	f.IntVar(&workerFlags.maxRetries, "max-retries", 0, "backend connect attempts per request")
	f.IntVar(&workerFlags.maxIdlePerBackend, "max-idle-per-backend", 0, "pooled connections per backend")
	f.IntVar(&workerFlags.maxHeadBytes, "max-head-bytes", 0, "HTTP head size cap")
	f.IntVar(&workerFlags.maxHeaderCount, "max-header-count", 0, "HTTP header count cap")
	f.StringVar(&workerFlags.logLevel, "log-level", "info", "log level")
	f.StringVar(&workerFlags.logFormat, "log-format", "json", "log format")
}

func runWorker(cmd *cobra.Command, args []string) error {
	log, err := logging.New(logging.Config{
		Level:  workerFlags.logLevel,
		Format: workerFlags.logFormat,
	})
	if err != nil {
		return err
	}
	defer log.Close()

	w, err := worker.New(worker.Options{
		ID:           workerFlags.id,
		ControlFD:    controlFD,
		MaxSessions:  workerFlags.maxSessions,
		BufferSize:   workerFlags.bufferSize,
		FrontTimeout: workerFlags.frontTimeout,
		BackTimeout:  workerFlags.backTimeout,
		DrainTimeout: workerFlags.drainTimeout,
		ParserLimits: http1.Limits{
			MaxHeadBytes:   workerFlags.maxHeadBytes,
			MaxHeaderCount: workerFlags.maxHeaderCount,
		},
		MaxRetries:        workerFlags.maxRetries,
		MaxIdlePerBackend: workerFlags.maxIdlePerBackend,
		Logger:            log.Logger,
	})
	if err != nil {
		return err
	}
	defer w.Close()

	return w.Run()
}
