package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"patchwatch/internal/monitor"
	logx "patchwatch/pkg/logx"
)

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"uptime": time.Since(s.started).Round(time.Second).String(),
	})
}

func (s *Server) latest(c *gin.Context) {
	art, ok := s.monitor.Latest()
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "nothing cached yet"})
		return
	}
	c.JSON(http.StatusOK, art)
}

func (s *Server) recipients(c *gin.Context) {
	groups, err := s.recips.ListGroupTargets(c.Request.Context())
	if err != nil {
		s.log.Warn("list groups failed", logx.Err(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	direct, err := s.recips.AllDirectTargets(c.Request.Context())
	if err != nil {
		s.log.Warn("list direct recipients failed", logx.Err(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"groups": groups, "direct": direct})
}

func (s *Server) status(c *gin.Context) {
	out := gin.H{"monitor": s.monitor.Snapshot()}
	if s.sched != nil {
		out["schedule"] = s.sched.Snapshot()
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) forceUpdate(c *gin.Context) {
	cyc, err := s.monitor.ForceUpdate(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error(), "cycle": cyc})
		return
	}
	code := http.StatusOK
	if cyc.Status == monitor.StatusNoPost {
		code = http.StatusNotFound
	}
	c.JSON(code, cyc)
}
