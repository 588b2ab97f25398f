package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/nhle/mailsync/internal/metrics"
	appsync "github.com/nhle/mailsync/internal/sync"
)

// flushInterval is how often serve writes dirty folder blocks.
const flushInterval = time.Minute

func newServeCmd(o *rootOptions) *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Keep every folder in sync and expose Prometheus metrics",
		RunE: func(cmd *cobra.Command, args []string) error {
			if o.offline {
				return errNeedsServer
			}
			ctx := cmd.Context()
			e, err := setup(ctx, o, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer e.Close(context.WithoutCancel(ctx))
			if listen == "" {
				listen = e.cfg.Metrics.Listen
			}

			poller := appsync.NewPoller(time.Duration(e.cfg.Sync.PollIntervalSec)*time.Second, e.log)
			for _, a := range e.universe.Accounts() {
				for _, f := range a.Folders() {
					sl, err := a.OpenSlice(ctx, f.ID, nil, e.cfg.Sync.InitialFillSize)
					if err != nil {
						e.log.Warn().Err(err).Str("folder", f.ID).Msg("initial sync failed")
						continue
					}
					eng, err := a.Engine(ctx, f.ID)
					if err != nil {
						return err
					}
					poller.Register(eng, sl)
				}
			}
			poller.Start()
			defer poller.Stop()

			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			srv := &http.Server{
				Addr:              listen,
				Handler:           mux,
				ReadHeaderTimeout: 5 * time.Second,
			}

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				e.log.Info().Str("addr", listen).Msg("serving metrics")
				if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			g.Go(func() error {
				<-gctx.Done()
				sctx, cancel := context.WithTimeout(context.WithoutCancel(gctx), 5*time.Second)
				defer cancel()
				return srv.Shutdown(sctx)
			})
			g.Go(func() error {
				for {
					select {
					case <-gctx.Done():
						return nil
					case r := <-poller.Results():
						ev := e.log.Info()
						if r.Error != nil {
							ev = e.log.Warn().Err(r.Error).Bool("auth", r.AuthError)
						}
						ev.Str("folder", r.FolderID).Bool("refreshed", r.Refreshed).Msg("refresh finished")
					case ev := <-e.events.Chan():
						if ev.Err != nil {
							e.log.Warn().Err(ev.Err).Str("op", ev.Op.LongtermID).Msg("operation failed")
						}
					}
				}
			})
			g.Go(func() error {
				t := time.NewTicker(flushInterval)
				defer t.Stop()
				for {
					select {
					case <-gctx.Done():
						return nil
					case <-t.C:
						for _, a := range e.universe.Accounts() {
							if err := a.Flush(gctx); err != nil {
								e.log.Error().Err(err).Str("account", a.ID()).Msg("flushing queue")
							}
						}
					}
				}
			})
			return g.Wait()
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "Metrics listen address (default from config)")
	return cmd
}
