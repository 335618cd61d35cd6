package main

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/torrho/windsock/pkg/sequencer"
)

// adminHandler exposes debugging and audit reads over the event log, plus the
// invalidation tombstone. These are operator endpoints, not protocol surface.
type adminHandler struct {
	seq    *sequencer.Sequencer
	logger *slog.Logger
}

func parseInt64Param(c echo.Context, name string) (int64, error) {
	q := c.QueryParam(name)
	if q == "" {
		return 0, nil
	}
	v, err := strconv.ParseInt(q, 10, 64)
	if err != nil || v < 0 {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "invalid "+name)
	}
	return v, nil
}

func (h *adminHandler) handleRange(c echo.Context) error {
	low, err := parseInt64Param(c, "low")
	if err != nil {
		return err
	}
	high, err := parseInt64Param(c, "high")
	if err != nil {
		return err
	}
	limit, err := parseInt64Param(c, "limit")
	if err != nil {
		return err
	}

	evts, err := h.seq.Range(c.Request().Context(), low, high, int(limit))
	if err != nil {
		h.logger.Error("failed to read range", "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to read events")
	}
	return c.JSON(http.StatusOK, evts)
}

func (h *adminHandler) handleRepoEvents(c echo.Context) error {
	did := c.QueryParam("did")
	if did == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "did is required")
	}
	limit, err := parseInt64Param(c, "limit")
	if err != nil {
		return err
	}

	evts, err := h.seq.EventsFor(c.Request().Context(), did, int(limit))
	if err != nil {
		h.logger.Error("failed to read repo events", "did", did, "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to read events")
	}
	return c.JSON(http.StatusOK, evts)
}

func (h *adminHandler) handleInvalidate(c echo.Context) error {
	seq, err := parseInt64Param(c, "seq")
	if err != nil {
		return err
	}
	if seq == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "seq is required")
	}

	if err := h.seq.Invalidate(c.Request().Context(), seq); err != nil {
		if errors.Is(err, sequencer.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "no such event")
		}
		h.logger.Error("failed to invalidate event", "seq", seq, "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to invalidate event")
	}
	return c.NoContent(http.StatusOK)
}
