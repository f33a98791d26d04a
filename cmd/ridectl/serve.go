package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/example/carpool-coordinator/internal/coordinator"
	"github.com/example/carpool-coordinator/internal/dispatch"
	"github.com/example/carpool-coordinator/internal/feedback"
	httpapi "github.com/example/carpool-coordinator/internal/http"
)

func newServeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Follow the active ride and serve the local status API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return a.serve(ctx)
		},
	}
}

// serve runs until ctx is done. The status API outlives the coordinator so
// feedback can still be collected after the ride completes.
func (a *app) serve(ctx context.Context) error {
	b := a.backend()
	est, err := a.estimator()
	if err != nil {
		return err
	}
	src, manual, closeSrc := a.positions()
	defer closeSrc()

	sinks, journal, closeSinks, err := a.sinks(ctx)
	if err != nil {
		return err
	}
	defer closeSinks()

	fb := feedback.New(b, a.logger)
	hub := dispatch.NewWSHub(a.logger)
	defer hub.Close()
	observers := []coordinator.Observer{hub}
	if a.cfg.WebhookURL != "" {
		wh := dispatch.NewWebhookDispatcher(a.cfg.WebhookURL, a.logger)
		go wh.Run(ctx)
		observers = append(observers, wh)
	}

	coord := coordinator.New(coordinator.Config{
		Backend:        b,
		Positions:      src,
		Estimator:      est,
		Feedback:       fb,
		Observers:      observers,
		Sinks:          sinks,
		PollInterval:   a.cfg.PollInterval,
		ReportInterval: a.cfg.LocationReportInterval,
		Logger:         a.logger,
	})

	api := httpapi.NewServer(httpapi.Deps{
		Ride:      coord,
		Matches:   a.matcher(b, est),
		Feedback:  fb,
		Positions: manual,
		Hub:       hub,
		Journal:   journal,
		Logger:    a.logger,
	})
	srv := &http.Server{Addr: a.cfg.HTTPAddr, Handler: api, ReadHeaderTimeout: 5 * time.Second}
	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("status api listening", "addr", a.cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	runErr := make(chan error, 1)
	go func() { runErr <- coord.Run(ctx) }()

	var result error
	select {
	case err := <-serveErr:
		result = err
	case err := <-runErr:
		snap := coord.Snapshot()
		a.logger.Info("ride session ended", "phase", snap.Phase, "feedback_due", snap.FeedbackDue(), "error", err)
		if err != nil {
			result = err
			break
		}
		select {
		case <-ctx.Done():
		case err := <-serveErr:
			result = err
		}
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn("status api shutdown", "error", err)
	}
	return result
}
