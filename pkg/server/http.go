package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"colony-tasks/pkg/config"

	"github.com/fsnotify/fsnotify"
	"github.com/gin-gonic/gin"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var ProvideHTTPServer = fx.Module("http.server",
	fx.Provide(NewHttpServer),
	fx.Invoke(Run),
)

// Server serves the task API. With TLS enabled the certificate pair is
// re-read whenever either file changes on disk.
type Server struct {
	server *http.Server
	certs  *certReloader
}

type Params struct {
	fx.In
	Config  *config.Config
	Handler *gin.Engine
}

func NewHttpServer(p Params) (*Server, error) {
	cfg := p.Config
	srv := &Server{
		server: &http.Server{
			Addr:         fmt.Sprintf(":%s", cfg.Server.Addr),
			Handler:      p.Handler,
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
			IdleTimeout:  cfg.Server.IdleTimeout,
		},
	}

	if cfg.TLS.Enable {
		certs := &certReloader{certPath: cfg.TLS.CertPath, keyPath: cfg.TLS.KeyPath}
		if err := certs.load(); err != nil {
			return nil, fmt.Errorf("load tls certificate: %w", err)
		}
		srv.certs = certs
		srv.server.TLSConfig = &tls.Config{
			MinVersion:     tls.VersionTLS12,
			GetCertificate: certs.get,
		}
	}

	return srv, nil
}

func Run(lc fx.Lifecycle, srv *Server) {
	watchCtx, stopWatch := context.WithCancel(context.Background())

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if srv.certs != nil {
				go srv.certs.watch(watchCtx)
			}
			go srv.serve()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			zap.L().Info("[HTTP] Shutting down server gracefully...")
			stopWatch()
			return srv.server.Shutdown(ctx)
		},
	})
}

func (s *Server) serve() {
	log := zap.L().With(zap.String("addr", s.server.Addr), zap.Bool("tls", s.certs != nil))
	log.Info("[HTTP] Starting server")

	var err error
	if s.certs != nil {
		err = s.server.ListenAndServeTLS("", "")
	} else {
		err = s.server.ListenAndServe()
	}
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error("[HTTP] Server stopped", zap.Error(err))
	}
}

type certReloader struct {
	mu       sync.RWMutex
	cert     *tls.Certificate
	certPath string
	keyPath  string
}

func (r *certReloader) load() error {
	cert, err := tls.LoadX509KeyPair(r.certPath, r.keyPath)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.cert = &cert
	r.mu.Unlock()
	return nil
}

func (r *certReloader) get(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.cert == nil {
		return nil, errors.New("no tls certificate loaded")
	}
	return r.cert, nil
}

// watch keeps the previous pair when a reload fails.
func (r *certReloader) watch(ctx context.Context) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		zap.L().Error("[HTTP] Failed to watch tls files", zap.Error(err))
		return
	}
	defer watcher.Close()

	for _, path := range []string{r.certPath, r.keyPath} {
		if err := watcher.Add(path); err != nil {
			zap.L().Warn("[HTTP] Cannot watch tls file", zap.String("path", path), zap.Error(err))
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if err := r.load(); err != nil {
				zap.L().Error("[HTTP] Failed to reload tls certificate", zap.Error(err))
				continue
			}
			zap.L().Info("[HTTP] TLS certificate reloaded")
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			zap.L().Error("[HTTP] TLS watcher error", zap.Error(err))
		}
	}
}
