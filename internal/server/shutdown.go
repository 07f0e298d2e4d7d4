package server

import (
	"context"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/dreamware/secchiware/internal/nodeclient"
)

// StopActiveEnvironments asks every active node to shut down, ends all
// active sessions and flushes the shared store. Node failures are logged
// and skipped; the local state is cleaned up regardless.
func (s *Server) StopActiveEnvironments(ctx context.Context) error {
	endpoints, err := s.db.ActiveEndpoints(ctx)
	if err != nil {
		return err
	}

	for _, endpoint := range endpoints {
		resp, err := s.nodes.Shutdown(ctx, endpoint.IP, endpoint.Port)
		switch {
		case errors.Is(err, nodeclient.ErrUnreachable):
			s.log.Warn("node could not be reached",
				zap.String("ip", endpoint.IP), zap.Int("port", endpoint.Port))
		case err != nil:
			s.log.Warn("node shutdown failed",
				zap.String("ip", endpoint.IP), zap.Int("port", endpoint.Port),
				zap.Error(err))
		case resp.Status != http.StatusNoContent:
			s.log.Warn("unexpected response from node",
				zap.String("ip", endpoint.IP), zap.Int("port", endpoint.Port),
				zap.Int("status", resp.Status))
		default:
			s.log.Info("node stopped",
				zap.String("ip", endpoint.IP), zap.Int("port", endpoint.Port))
		}
	}

	if err := s.db.EndAllActiveSessions(ctx); err != nil {
		return err
	}
	return s.cache.FlushAll(ctx)
}
