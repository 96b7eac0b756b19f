package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/gcemu-project/gcemu/internal/util"
)

// connectionInfo describes one live connection.
type connectionInfo struct {
	ID         uint64    `json:"id"`
	Group      int       `json:"group"`
	RemoteAddr string    `json:"remote_addr"`
	BytesIn    uint64    `json:"bytes_in"`
	BytesOut   uint64    `json:"bytes_out"`
	OpenedAt   time.Time `json:"opened_at"`
}

// handleGetWorkers returns per worker group load.
func (s *Server) handleGetWorkers(c *gin.Context) {
	groups := s.listener.Stats()
	c.JSON(http.StatusOK, gin.H{
		"groups":      groups,
		"total":       len(groups),
		"connections": s.listener.ConnectionCount(),
	})
}

// handleGetConnections lists live connections ordered by id.
func (s *Server) handleGetConnections(c *gin.Context) {
	var conns []connectionInfo
	for _, g := range s.listener.Groups() {
		for _, conn := range g.Connections() {
			conns = append(conns, connectionInfo{
				ID:         conn.ID(),
				Group:      g.Index(),
				RemoteAddr: conn.RemoteAddr(),
				BytesIn:    conn.BytesIn(),
				BytesOut:   conn.BytesOut(),
				OpenedAt:   conn.OpenedAt(),
			})
		}
	}
	sort.Slice(conns, func(i, j int) bool { return conns[i].ID < conns[j].ID })

	c.JSON(http.StatusOK, gin.H{
		"connections": conns,
		"total":       len(conns),
	})
}

// handleGetAssociations returns the counters of every security
// association. Keys are never exposed.
func (s *Server) handleGetAssociations(c *gin.Context) {
	states := s.registry.Snapshot()
	sort.Slice(states, func(i, j int) bool { return states[i].SPI < states[j].SPI })
	c.JSON(http.StatusOK, gin.H{
		"associations": states,
		"total":        len(states),
	})
}

// handleGetStats returns the login protocol counters.
func (s *Server) handleGetStats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"login":        s.login.Stats(),
		"connections":  s.listener.ConnectionCount(),
		"associations": s.registry.Len(),
	})
}

// handleGetSystem returns current CPU and memory usage.
func (s *Server) handleGetSystem(c *gin.Context) {
	usage, err := util.GetCPUUsage()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	mem, err := util.GetMemoryUsage()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"cpu_percent": usage,
		"memory":      mem,
	})
}

// handleGetConfig returns the active configuration.
func (s *Server) handleGetConfig(c *gin.Context) {
	c.JSON(http.StatusOK, s.cfg.Snapshot())
}

// handleGetLogEntries returns recent log entries.
func (s *Server) handleGetLogEntries(c *gin.Context) {
	countStr := c.DefaultQuery("count", "100")
	count, err := strconv.Atoi(countStr)
	if err != nil || count < 1 {
		count = 100
	}
	if count > 1000 {
		count = 1000
	}

	logDir := s.cfg.Snapshot().Logging.Directory
	entries, err := readRecentLogEntries(logDir, count)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"entries": entries,
		"count":   len(entries),
	})
}

// logEntry is a parsed log entry for the API response.
type logEntry struct {
	Timestamp string                 `json:"timestamp"`
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// readRecentLogEntries parses the last count JSON lines of the newest log file.
func readRecentLogEntries(logDir string, count int) ([]logEntry, error) {
	dirEntries, err := os.ReadDir(logDir)
	if err != nil {
		return nil, err
	}

	if len(dirEntries) == 0 {
		return []logEntry{}, nil
	}

	// ReadDir sorts by name and file names carry the date.
	var latestFile string
	for i := len(dirEntries) - 1; i >= 0; i-- {
		name := dirEntries[i].Name()
		if !dirEntries[i].IsDir() && strings.HasPrefix(name, util.AppName+"_") && filepath.Ext(name) == ".log" {
			latestFile = filepath.Join(logDir, name)
			break
		}
	}

	if latestFile == "" {
		return []logEntry{}, nil
	}

	// Read file content
	data, err := os.ReadFile(latestFile)
	if err != nil {
		return nil, err
	}

	lines := strings.Split(string(data), "\n")

	// Take last N lines
	start := len(lines) - count
	if start < 0 {
		start = 0
	}

	// Known zerolog internal fields to exclude from "fields"
	knownKeys := map[string]bool{
		"level": true, "time": true, "message": true,
		"caller": true, "app": true,
	}

	result := make([]logEntry, 0, count)
	for _, line := range lines[start:] {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		// Parse the JSON line
		var raw map[string]interface{}
		if err := json.Unmarshal([]byte(line), &raw); err != nil {
			result = append(result, logEntry{Message: line})
			continue
		}

		entry := logEntry{
			Level:   stringFromMap(raw, "level"),
			Message: stringFromMap(raw, "message"),
		}

		// Parse timestamp (zerolog uses "time" field)
		if t, ok := raw["time"]; ok {
			entry.Timestamp = fmt.Sprintf("%v", t)
		}

		// Collect remaining fields
		extra := make(map[string]interface{})
		for k, v := range raw {
			if !knownKeys[k] {
				extra[k] = v
			}
		}
		if len(extra) > 0 {
			entry.Fields = extra
		}

		result = append(result, entry)
	}

	return result, nil
}

// stringFromMap extracts a string value from a map, returning "" if missing.
func stringFromMap(m map[string]interface{}, key string) string {
	if v, ok := m[key]; ok {
		return fmt.Sprintf("%v", v)
	}
	return ""
}
