package storage

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/nbd-wtf/go-nostr"
)

// ServeLocal exposes the event cache as a read-only relay on addr until ctx
// is done. Other local tools can query what the client has synced.
func (s *Storage) ServeLocal(ctx context.Context, addr string) error {
	if s.relay == nil {
		return fmt.Errorf("relay not initialized")
	}

	s.relay.Info.Name = "volare local cache"
	s.relay.Info.Description = "read-only view of events synced by volare"
	s.relay.RejectEvent = append(s.relay.RejectEvent, func(ctx context.Context, event *nostr.Event) (bool, string) {
		return true, "blocked: this relay is read-only"
	})

	srv := &http.Server{
		Addr:              addr,
		Handler:           s.relay,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("local relay listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("local relay failed: %w", err)
	}
}
