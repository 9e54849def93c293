// Package dashboard exposes the read-only status API over HTTP. It serves
// case, GPU pool and queue depth views straight from the state store and
// broker; it never mutates anything.
package dashboard

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/sirupsen/logrus"

	"conductor.mqilab.org/common"
	"conductor.mqilab.org/store"
)

// DepthReporter reports queue depths. *queue.Broker implements it.
type DepthReporter interface {
	QueueDepth(queueName string) (int, error)
}

// Server is the dashboard HTTP server.
type Server struct {
	echo    *echo.Echo
	gateway *store.Gateway
	depths  DepthReporter
	queues  []string
	logger  *logrus.Entry
}

// CaseDetail is the response shape of the single-case endpoint.
type CaseDetail struct {
	Case    store.Case          `json:"case"`
	History []store.CaseHistory `json:"history"`
}

// QueueStatus is one entry of the queue depth listing. Each monitored queue
// is reported together with its dead-letter companion.
type QueueStatus struct {
	Queue    string `json:"queue"`
	Messages int    `json:"messages"`
	DLQ      string `json:"dlq"`
	DLQDepth int    `json:"dlq_messages"`
}

// NewServer builds the dashboard over the state store and broker. queues
// lists the queue names whose depths the /api/queues endpoint reports.
func NewServer(gateway *store.Gateway, depths DepthReporter, queues []string, logger *logrus.Entry) *Server {
	if logger == nil {
		logger = common.ComponentLogger("dashboard")
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	s := &Server{
		echo:    e,
		gateway: gateway,
		depths:  depths,
		queues:  queues,
		logger:  logger,
	}

	e.GET("/api/cases", s.listCases)
	e.GET("/api/cases/:id", s.getCase)
	e.GET("/api/gpus", s.listGPUs)
	e.GET("/api/queues", s.listQueues)
	e.GET("/healthz", s.health)

	return s
}

// Start serves the API on addr. It blocks until Shutdown or a listener
// error.
func (s *Server) Start(addr string) error {
	s.logger.WithField("addr", addr).Info("Dashboard listening")
	err := s.echo.Start(addr)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

func (s *Server) listCases(c echo.Context) error {
	cases, err := s.gateway.ListCases(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, cases)
}

func (s *Server) getCase(c echo.Context) error {
	ctx := c.Request().Context()
	caseID := c.Param("id")

	rec, err := s.gateway.LoadCase(ctx, caseID)
	if err != nil {
		if store.IsNotFound(err) {
			return echo.NewHTTPError(http.StatusNotFound, "case not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	history, err := s.gateway.History(ctx, caseID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, CaseDetail{Case: *rec, History: history})
}

func (s *Server) listGPUs(c echo.Context) error {
	slots, err := s.gateway.ListGPUs(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, slots)
}

func (s *Server) listQueues(c echo.Context) error {
	statuses := make([]QueueStatus, 0, len(s.queues))
	for _, name := range s.queues {
		depth, err := s.depths.QueueDepth(name)
		if err != nil {
			s.logger.WithError(err).WithField("queue", name).Warn("Failed to inspect queue")
			depth = -1
		}
		dlqName := name + ".dlq"
		dlqDepth, err := s.depths.QueueDepth(dlqName)
		if err != nil {
			s.logger.WithError(err).WithField("queue", dlqName).Warn("Failed to inspect queue")
			dlqDepth = -1
		}
		statuses = append(statuses, QueueStatus{
			Queue:    name,
			Messages: depth,
			DLQ:      dlqName,
			DLQDepth: dlqDepth,
		})
	}
	return c.JSON(http.StatusOK, statuses)
}

func (s *Server) health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}
