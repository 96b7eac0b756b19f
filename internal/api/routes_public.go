package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/gcemu-project/gcemu/internal/util"
)

// handlePing returns a simple health check response.
func (s *Server) handlePing(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": util.AppName,
	})
}

// handleGetInfo returns basic host and listener information.
func (s *Server) handleGetInfo(c *gin.Context) {
	sysInfo := util.GetSystemInfo()
	netCfg := s.cfg.Snapshot().Network

	c.JSON(http.StatusOK, gin.H{
		"service":         util.AppName,
		"listen_address":  s.listener.Addr().String(),
		"network_threads": netCfg.Threads,
		"uptime_seconds":  int64(time.Since(s.startedAt).Seconds()),
		"hostname":        sysInfo.Hostname,
		"os":              sysInfo.OS,
		"cpu_model":       sysInfo.CPUModel,
		"cpu_threads":     sysInfo.CPUThreads,
		"total_memory_mb": sysInfo.TotalMemory,
	})
}
