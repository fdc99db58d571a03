package api

import (
	"errors"
	"fmt"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/crackerjack-tools/crackerjack-mcp/pkg/progress"
)

// rootHandler handles GET /: server status plus discovery links.
func (s *Server) rootHandler(c *echo.Context) error {
	latest, err := s.jobs.LatestJobID()
	if err != nil {
		return mapProgressError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"server":             "crackerjack-mcp-progress",
		"status":             "running",
		"active_connections": s.connCount.Load(),
		"latest_job":         latest,
		"endpoints": map[string]string{
			"latest":    "/latest",
			"monitor":   "/monitor/{job_id}",
			"test":      "/test",
			"websocket": "/ws/progress/{job_id}",
		},
	})
}

// latestHandler handles GET /latest: the newest job and its snapshot.
func (s *Server) latestHandler(c *echo.Context) error {
	jobID, err := s.jobs.LatestJobID()
	if err != nil {
		return mapProgressError(err)
	}
	if jobID == "" {
		return echo.NewHTTPError(http.StatusNotFound, "no jobs found")
	}

	snap, err := s.jobs.Progress(jobID)
	if err != nil {
		if errors.Is(err, progress.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "no jobs found")
		}
		return mapProgressError(err)
	}

	return c.JSON(http.StatusOK, map[string]any{
		"job_id":        jobID,
		"progress":      snap,
		"websocket_url": fmt.Sprintf("/ws/progress/%s", jobID),
		"monitor_url":   fmt.Sprintf("/monitor/%s", jobID),
	})
}

// monitorHandler handles GET /monitor/:job_id with a live HTML monitor.
func (s *Server) monitorHandler(c *echo.Context) error {
	jobID := c.Param("job_id")
	if res := s.sanitizer.JobID(jobID); !res.Valid {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid job id")
	}
	return c.HTML(http.StatusOK, monitorPage(jobID))
}

// testHandler handles GET /test with a WebSocket test harness.
func (s *Server) testHandler(c *echo.Context) error {
	return c.HTML(http.StatusOK, testPage())
}
