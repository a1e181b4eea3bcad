package httpapi

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"bulkbot/internal/job"
	"bulkbot/internal/queue"
	rtsup "bulkbot/internal/runtime/supervisor"
	"bulkbot/internal/transport"
	logx "bulkbot/pkg/logx"
)

// Jobs is the queue surface the API needs.
type Jobs interface {
	Submit(ctx context.Context, req queue.SubmitRequest) (queue.SubmitResult, error)
	Get(id string) (job.Job, error)
	List() []job.Job
	Watch(jobID string, buffer int) (<-chan queue.Event, func())
}

// Channel is the readiness view of the outbound channel.
type Channel interface {
	Ready() bool
	Info() transport.Info
}

type Config struct {
	Addr string

	// APIToken guards every route except /healthz; empty disables auth.
	APIToken string

	UploadDir      string
	MaxUploadBytes int64
	MaxJSONBytes   int64

	WatchBuffer int
	Pprof       bool

	ReadHeaderTimeout time.Duration
	IdleTimeout       time.Duration
}

func (c Config) withDefaults() Config {
	if c.Addr == "" {
		c.Addr = ":3000"
	}
	if c.UploadDir == "" {
		c.UploadDir = "./uploads"
	}
	if c.MaxUploadBytes <= 0 {
		c.MaxUploadBytes = 64 << 20
	}
	if c.MaxJSONBytes <= 0 {
		c.MaxJSONBytes = 50 << 20
	}
	if c.WatchBuffer <= 0 {
		c.WatchBuffer = 64
	}
	if c.ReadHeaderTimeout <= 0 {
		c.ReadHeaderTimeout = 10 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 2 * time.Minute
	}
	return c
}

// Server serves the job API and the websocket event stream.
type Server struct {
	cfg  Config
	jobs Jobs
	ch   Channel
	log  logx.Logger

	handler http.Handler

	mu      sync.Mutex
	ln      net.Listener
	srv     *http.Server
	sup     *rtsup.Supervisor
	closing chan struct{} // closed on Stop; ends websocket sessions
}

func New(cfg Config, jobs Jobs, ch Channel, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Server{cfg: cfg.withDefaults(), jobs: jobs, ch: ch, log: log, closing: make(chan struct{})}
	s.handler = s.routes()
	return s
}

func (s *Server) Handler() http.Handler { return s.handler }

// Addr returns the bound address once started.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Start binds the listener synchronously (so bind errors surface) and serves
// in the background.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv != nil {
		return nil
	}
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: s.cfg.ReadHeaderTimeout,
		IdleTimeout:       s.cfg.IdleTimeout,
	}
	s.ln, s.srv = ln, srv
	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log.With(logx.String("comp", "http"))),
		rtsup.WithCancelOnError(false),
	)
	s.sup.Go("http.serve", func(context.Context) error {
		err := srv.Serve(ln)
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	if s.cfg.APIToken == "" {
		s.log.Warn("api token is empty; HTTP API is unauthenticated")
	}
	s.log.Info("http listening", logx.String("addr", ln.Addr().String()))
	return nil
}

// Stop shuts the server down gracefully, bounded by ctx.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv, sup := s.srv, s.sup
	s.srv, s.sup, s.ln = nil, nil, nil
	select {
	case <-s.closing:
	default:
		close(s.closing)
	}
	s.mu.Unlock()
	if srv == nil {
		return nil
	}

	err := srv.Shutdown(ctx)
	if err != nil {
		_ = srv.Close()
	}
	if sup != nil {
		sup.Cancel()
		if werr := sup.Wait(ctx); werr != nil && err == nil && !errors.Is(werr, context.Canceled) {
			err = werr
		}
	}
	s.log.Info("http stopped")
	return err
}
