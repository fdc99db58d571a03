package api

import (
	"errors"
	"log/slog"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/crackerjack-tools/crackerjack-mcp/pkg/progress"
)

// mapProgressError maps progress-store errors to HTTP error responses.
func mapProgressError(err error) *echo.HTTPError {
	if errors.Is(err, progress.ErrInvalidJobID) {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid job id")
	}
	if errors.Is(err, progress.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "job not found")
	}
	if errors.Is(err, progress.ErrTooLarge) {
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge, "progress file too large")
	}

	slog.Error("Unexpected progress error", "error", err)
	return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
}
