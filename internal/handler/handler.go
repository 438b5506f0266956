// Package handler is the invocation boundary: it owns the store connection
// for one run and collapses the outcome into a status response.
package handler

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/naka-gawa/github-stars-tracker/internal/metrics"
	"github.com/naka-gawa/github-stars-tracker/internal/store"
	"github.com/naka-gawa/github-stars-tracker/internal/usecase"
)

// Messages returned to the scheduler. Error details stay in the logs.
const (
	// MessageSuccess accompanies a 200.
	MessageSuccess = "Success"
	// MessageConnectionFailure is returned when the store cannot be reached.
	MessageConnectionFailure = "database connection problem, try again later"
	// MessageServerFailure is returned for any other failed run.
	MessageServerFailure = "server problem, try again later"
)

// Response is what the scheduler receives.
type Response struct {
	StatusCode int    `json:"statusCode"`
	Message    string `json:"message"`
}

// Connector opens the store for one invocation.
type Connector func(ctx context.Context) (store.Conn, error)

// Runner executes one collection run.
type Runner interface {
	Run(ctx context.Context) (usecase.Summary, error)
}

// RunnerFactory builds the runner around the invocation's store and logger.
type RunnerFactory func(st store.Store, logger logrus.FieldLogger) (Runner, error)

// Handler runs one collection per Handle call.
type Handler struct {
	connect   Connector
	newRunner RunnerFactory
	logger    logrus.FieldLogger
	metrics   *metrics.Recorder
	pushURL   string
	pushJob   string
}

// Option customizes a Handler.
type Option func(*Handler)

// WithMetrics records run outcomes on r and, when pushURL is set, pushes them after every run.
func WithMetrics(r *metrics.Recorder, pushURL, job string) Option {
	return func(h *Handler) {
		h.metrics = r
		h.pushURL = pushURL
		h.pushJob = job
	}
}

// New creates a Handler that opens the store with connect and runs what newRunner builds.
func New(connect Connector, newRunner RunnerFactory, logger logrus.FieldLogger, opts ...Option) *Handler {
	h := &Handler{connect: connect, newRunner: newRunner, logger: logger}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Handle runs one collection. The payload is opaque and only logged.
func (h *Handler) Handle(ctx context.Context, payload json.RawMessage) Response {
	log := h.logger.WithField("run_id", uuid.NewString())
	log.WithField("payload", string(payload)).Debug("Invocation received")

	started := time.Now()
	resp := h.run(ctx, log)

	outcome := metrics.OutcomeSuccess
	if resp.StatusCode != 200 {
		outcome = metrics.OutcomeFailure
	}
	h.metrics.ObserveRun(outcome, time.Since(started))
	if h.pushURL != "" {
		if err := h.metrics.Push(ctx, h.pushURL, h.pushJob); err != nil {
			log.WithError(err).Warn("Could not push metrics")
		}
	}

	log.WithFields(logrus.Fields{"status": resp.StatusCode, "elapsed": time.Since(started).String()}).Info("Invocation finished")
	return resp
}

func (h *Handler) run(ctx context.Context, log logrus.FieldLogger) Response {
	log.WithField("phase", usecase.PhaseConnectingStore).Debug("Connecting to store")
	conn, err := h.connect(ctx)
	if err != nil {
		log.WithError(err).WithField("phase", usecase.PhaseConnectingStore).Error("Could not connect to the store")
		return Response{StatusCode: 500, Message: MessageConnectionFailure}
	}
	defer conn.Close()

	runner, err := h.newRunner(conn, log)
	if err != nil {
		log.WithError(err).Error("Could not build the collector")
		return Response{StatusCode: 500, Message: MessageServerFailure}
	}
	if _, err := runner.Run(ctx); err != nil {
		log.WithError(err).Error("Run failed")
		return Response{StatusCode: 500, Message: MessageServerFailure}
	}
	return Response{StatusCode: 200, Message: MessageSuccess}
}
