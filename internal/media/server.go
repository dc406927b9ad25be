package media

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	logx "postpilot/pkg/logx"
)

// Server exposes the media root over HTTP so the publishing platform can
// fetch assets by URL. It serves files read-only and nothing else.
type Server struct {
	store *Store
	addr  string
	log   logx.Logger

	srv *http.Server
}

func NewServer(store *Store, addr string, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Server{store: store, addr: addr, log: log}
}

// routes serves stored refs and nothing else: no directory listings, no
// index, no nested paths. Refs resolve through the store so only files that
// actually exist under the root are reachable.
func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{ref}", func(w http.ResponseWriter, r *http.Request) {
		p, err := s.store.Path(r.PathValue("ref"))
		if err != nil {
			http.NotFound(w, r)
			return
		}
		http.ServeFile(w, r, p)
	})
	return mux
}

// Start begins serving in the background. A blank address disables the server.
func (s *Server) Start() error {
	if strings.TrimSpace(s.addr) == "" {
		return nil
	}

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}

	s.srv = &http.Server{
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("media server stopped", logx.Err(err))
		}
	}()
	s.log.Info("media server listening", logx.String("addr", ln.Addr().String()))
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}
