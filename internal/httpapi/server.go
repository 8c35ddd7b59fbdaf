// Package httpapi is the small operator HTTP surface: health, the cached
// post, recipients, status and a forced refresh.
package httpapi

import (
	"context"
	"crypto/subtle"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"patchwatch/internal/monitor"
	"patchwatch/internal/post"
	"patchwatch/internal/registry"
	"patchwatch/internal/schedule"
	logx "patchwatch/pkg/logx"
)

const DefaultAddr = "127.0.0.1:8080"

var ginMode sync.Once

type Config struct {
	Addr  string
	Token string // bearer token for POST endpoints; empty leaves them open
	// Pprof mounts /debug/pprof behind the same token.
	Pprof bool
}

type MonitorPort interface {
	ForceUpdate(ctx context.Context) (monitor.Cycle, error)
	Latest() (*post.Artifact, bool)
	Snapshot() monitor.Snapshot
}

type RecipientsPort interface {
	ListGroupTargets(ctx context.Context) ([]registry.GroupTarget, error)
	AllDirectTargets(ctx context.Context) ([]registry.DirectTarget, error)
}

// SchedulePort is optional; status omits jobs without it.
type SchedulePort interface {
	Snapshot() []schedule.JobInfo
}

type Server struct {
	cfg     Config
	monitor MonitorPort
	recips  RecipientsPort
	sched   SchedulePort
	log     logx.Logger
	started time.Time

	mu  sync.Mutex
	srv *http.Server
	ln  net.Listener
}

func New(cfg Config, mon MonitorPort, recips RecipientsPort, sched SchedulePort, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	if strings.TrimSpace(cfg.Addr) == "" {
		cfg.Addr = DefaultAddr
	}
	return &Server{cfg: cfg, monitor: mon, recips: recips, sched: sched, log: log, started: time.Now()}
}

// Handler builds the gin engine. Exposed for tests.
func (s *Server) Handler() http.Handler {
	ginMode.Do(func() { gin.SetMode(gin.ReleaseMode) })
	r := gin.New()
	r.Use(s.requestLog(), gin.Recovery())

	r.GET("/healthz", s.health)
	api := r.Group("/api")
	{
		api.GET("/latest", s.latest)
		api.GET("/recipients", s.recipients)
		api.GET("/status", s.status)
		api.POST("/forceupdate", s.auth(), s.forceUpdate)
	}
	if s.cfg.Pprof {
		s.mountPprof(r)
	}
	return r
}

// Start binds the listener and serves in the background.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv != nil {
		return nil
	}
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	srv := &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	s.srv, s.ln = srv, ln
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("http api stopped", logx.Err(err))
		}
	}()
	s.log.Info("http api listening", logx.String("addr", ln.Addr().String()), logx.Bool("auth", s.cfg.Token != ""))
	return nil
}

func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.srv
	s.srv, s.ln = nil, nil
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

func (s *Server) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		fields := []logx.Field{
			logx.String("method", c.Request.Method),
			logx.String("path", c.FullPath()),
			logx.Int("status", c.Writer.Status()),
			logx.Duration("dur", time.Since(start)),
			logx.String("ip", c.ClientIP()),
		}
		if c.Writer.Status() >= 500 {
			s.log.Warn("http request failed", fields...)
			return
		}
		s.log.Debug("http request", fields...)
	}
}

func (s *Server) auth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.cfg.Token == "" {
			c.Next()
			return
		}
		got, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(strings.TrimSpace(got)), []byte(s.cfg.Token)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid or missing bearer token"})
			return
		}
		c.Next()
	}
}
