// Package api serves the web surface: the tag cloud frontend and the
// JSON endpoints for live topics, historical snapshots, and pipeline
// health.
package api

import (
	"embed"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/viennatalksbout/talkbout/pkg/health"
	"github.com/viennatalksbout/talkbout/pkg/store"
)

//go:embed static
var staticFS embed.FS

// Server exposes the read-only HTTP API over the topic store and health
// monitor.
type Server struct {
	store       *store.TopicStore
	health      *health.Monitor
	snapshotDir string
	router      *gin.Engine
}

// NewServer creates the server and its routes. snapshotDir may be empty
// when snapshots are disabled; the snapshot endpoints then return 404.
func NewServer(topicStore *store.TopicStore, monitor *health.Monitor, snapshotDir string) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		store:       topicStore,
		health:      monitor,
		snapshotDir: snapshotDir,
		router:      gin.New(),
	}
	s.router.Use(gin.Recovery())

	s.router.GET("/", s.index)
	s.router.GET("/api/topics", s.topics)
	s.router.GET("/api/health", s.healthStatus)
	s.router.GET("/api/snapshots", s.snapshots)

	return s
}

// Handler returns the http.Handler for mounting or serving.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) index(c *gin.Context) {
	page, err := staticFS.ReadFile("static/index.html")
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "frontend not available"})
		return
	}
	c.Data(http.StatusOK, "text/html; charset=utf-8", page)
}

// topicResponse is the JSON shape of one topic.
type topicResponse struct {
	Name      string  `json:"name"`
	Score     float64 `json:"score"`
	State     string  `json:"state"`
	FirstSeen string  `json:"first_seen"`
	LastSeen  string  `json:"last_seen"`
	Source    string  `json:"source"`
}

func topicsToResponse(topics []store.Topic) []topicResponse {
	out := make([]topicResponse, 0, len(topics))
	for _, t := range topics {
		out = append(out, topicResponse{
			Name:      t.Name,
			Score:     t.Score,
			State:     string(t.State),
			FirstSeen: t.FirstSeen.UTC().Format(time.RFC3339),
			LastSeen:  t.LastSeen.UTC().Format(time.RFC3339),
			Source:    t.Source,
		})
	}
	return out
}

// topics returns the live topics, or a historical snapshot when the
// "hour" query parameter (0-23, today's UTC date) is given.
func (s *Server) topics(c *gin.Context) {
	hourParam := c.Query("hour")
	if hourParam == "" {
		c.JSON(http.StatusOK, topicsToResponse(s.store.GetCurrentTopics()))
		return
	}

	hour, err := strconv.Atoi(hourParam)
	if err != nil || hour < 0 || hour > 23 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "hour must be 0-23"})
		return
	}
	if s.snapshotDir == "" {
		c.JSON(http.StatusNotFound, gin.H{"error": "snapshots not configured"})
		return
	}

	now := time.Now().UTC()
	filename := fmt.Sprintf("topics_%s_%02d.json", now.Format("20060102"), hour)
	topics, err := s.store.LoadSnapshot(filepath.Join(s.snapshotDir, filename))
	if err != nil {
		if errors.Is(err, store.ErrSnapshotNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "snapshot not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load snapshot"})
		return
	}
	c.JSON(http.StatusOK, topicsToResponse(topics))
}

func (s *Server) healthStatus(c *gin.Context) {
	status := s.health.GetStatus()
	c.JSON(http.StatusOK, gin.H{
		"posts_received":    status.PostsReceived,
		"batches_processed": status.BatchesProcessed,
		"batches_failed":    status.BatchesFailed,
		"topics_extracted":  status.TopicsExtracted,
		"stream_stale":      status.StreamStale,
		"llm_success_rate":  status.LLMSuccessRate(),
	})
}

// snapshots lists the 2-digit hours with a snapshot for today's UTC
// date, sorted ascending.
func (s *Server) snapshots(c *gin.Context) {
	hours := []string{}
	if s.snapshotDir != "" {
		prefix := "topics_" + time.Now().UTC().Format("20060102") + "_"
		paths, err := filepath.Glob(filepath.Join(s.snapshotDir, prefix+"*.json"))
		if err == nil {
			for _, path := range paths {
				stem := strings.TrimSuffix(filepath.Base(path), ".json")
				hour := strings.TrimPrefix(stem, prefix)
				if len(hour) == 2 {
					hours = append(hours, hour)
				}
			}
			sort.Strings(hours)
		}
	}
	c.JSON(http.StatusOK, hours)
}
