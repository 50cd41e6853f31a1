// Package server is the HTTP surface: report submission, submission status
// and delivery history. It is a thin layer over the engine; all lifecycle
// decisions live there.
package server

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/labrelay/labrelay/internal/engine"
	"github.com/labrelay/labrelay/internal/report"
	"github.com/labrelay/labrelay/internal/settings"
	"github.com/labrelay/labrelay/internal/task"
)

// ClientHeader carries the submitting client's org-qualified sender name.
const ClientHeader = "Client"

// Submitter accepts validated submissions into the pipeline.
type Submitter interface {
	Receive(ctx context.Context, sender *settings.Sender, content []byte, opts engine.SubmissionOptions) (*engine.SubmissionResult, error)
}

type Handler struct {
	submitter Submitter
	ledger    task.Ledger
	reports   report.Repository
	settings  settings.Provider
	log       zerolog.Logger
}

func NewHandler(submitter Submitter, ledger task.Ledger, reports report.Repository, provider settings.Provider, log zerolog.Logger) *Handler {
	return &Handler{
		submitter: submitter,
		ledger:    ledger,
		reports:   reports,
		settings:  provider,
		log:       log.With().Str("component", "server").Logger(),
	}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.POST("/reports", h.SubmitReport)
	api.GET("/reports/:id", h.GetReport)
	api.GET("/receivers/:receiver/deliveries", h.ListDeliveries)
}

// -- Responses --

type logEntryResponse struct {
	Scope   string `json:"scope"`
	Row     int    `json:"row,omitempty"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type submissionResponse struct {
	ID              string             `json:"id,omitempty"`
	Topic           string             `json:"topic,omitempty"`
	ReportItemCount int                `json:"reportItemCount"`
	ErrorCount      int                `json:"errorCount"`
	WarningCount    int                `json:"warningCount"`
	Errors          []logEntryResponse `json:"errors"`
	Warnings        []logEntryResponse `json:"warnings"`
}

type reportStatusResponse struct {
	ID           string     `json:"id"`
	NextAction   string     `json:"nextAction"`
	ReceiverName string     `json:"receiverName,omitempty"`
	ItemCount    int        `json:"itemCount"`
	BodyFormat   string     `json:"bodyFormat"`
	CreatedAt    time.Time  `json:"createdAt"`
	ProcessedAt  *time.Time `json:"processedAt,omitempty"`
	RoutedAt     *time.Time `json:"routedAt,omitempty"`
	BatchedAt    *time.Time `json:"batchedAt,omitempty"`
	SentAt       *time.Time `json:"sentAt,omitempty"`
	ErroredAt    *time.Time `json:"erroredAt,omitempty"`
	Children     []string   `json:"children,omitempty"`
}

type deliveryResponse struct {
	ReportID     string    `json:"reportId"`
	ReceiverName string    `json:"receiverName"`
	Action       string    `json:"action"`
	Result       string    `json:"result"`
	CreatedAt    time.Time `json:"createdAt"`
}

// -- Endpoints --

// SubmitReport ingests one lab report file for the client named by the
// Client header (or ?client=). A submission the pipeline cannot accept comes
// back 400 with every collected finding; an accepted one comes back 201 with
// the report id and any warnings.
func (h *Handler) SubmitReport(c echo.Context) error {
	client := c.Request().Header.Get(ClientHeader)
	if client == "" {
		client = c.QueryParam("client")
	}
	if client == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "missing client name")
	}
	sender := h.settings.FindSender(client)
	if sender == nil && !strings.Contains(client, ".") {
		sender = h.settings.FindSender(client + ".default")
	}
	if sender == nil {
		return echo.NewHTTPError(http.StatusBadRequest, "unknown client "+client)
	}

	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "failed to read request body")
	}

	opts := engine.SubmissionOptions{
		AllowDuplicates: c.QueryParam("allowDuplicate") == "true",
	}
	result, err := h.submitter.Receive(c.Request().Context(), sender, body, opts)
	if err != nil {
		h.log.Error().Err(err).Str("client", client).Msg("submission failed")
		return echo.NewHTTPError(http.StatusInternalServerError, "submission failed")
	}

	resp := toSubmissionResponse(result)
	if !result.Accepted {
		return c.JSON(http.StatusBadRequest, resp)
	}
	return c.JSON(http.StatusCreated, resp)
}

// GetReport returns the lifecycle status of one report from the task ledger,
// with the lineage of derived reports so a submitter can follow their
// submission into per-receiver children.
func (h *Handler) GetReport(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid report id")
	}
	t, err := h.ledger.Fetch(c.Request().Context(), id)
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "report not found")
	}
	childIDs, err := h.reports.ChildReports(c.Request().Context(), id)
	if err != nil {
		h.log.Error().Err(err).Str("report_id", id.String()).Msg("lineage lookup failed")
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to load report lineage")
	}
	children := make([]string, 0, len(childIDs))
	for _, cid := range childIDs {
		children = append(children, cid.String())
	}
	return c.JSON(http.StatusOK, reportStatusResponse{
		ID:           t.ReportID.String(),
		NextAction:   string(t.NextAction),
		ReceiverName: t.ReceiverName,
		ItemCount:    t.ItemCount,
		BodyFormat:   t.BodyFormat,
		CreatedAt:    t.CreatedAt,
		ProcessedAt:  t.ProcessedAt,
		RoutedAt:     t.RoutedAt,
		BatchedAt:    t.BatchedAt,
		SentAt:       t.SentAt,
		ErroredAt:    t.ErroredAt,
		Children:     children,
	})
}

// ListDeliveries returns recent send attempts for one receiver, newest first.
func (h *Handler) ListDeliveries(c echo.Context) error {
	receiver := c.Param("receiver")
	if h.settings.FindReceiver(receiver) == nil {
		return echo.NewHTTPError(http.StatusNotFound, "unknown receiver "+receiver)
	}

	limit := 50
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 1000 {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid limit")
		}
		limit = n
	}

	deliveries, err := h.reports.ListDeliveries(c.Request().Context(), receiver, limit)
	if err != nil {
		h.log.Error().Err(err).Str("receiver", receiver).Msg("delivery lookup failed")
		return echo.NewHTTPError(http.StatusInternalServerError, "delivery lookup failed")
	}

	out := make([]deliveryResponse, 0, len(deliveries))
	for _, d := range deliveries {
		out = append(out, deliveryResponse{
			ReportID:     d.ReportID.String(),
			ReceiverName: d.ReceiverName,
			Action:       d.Action,
			Result:       d.Result,
			CreatedAt:    d.CreatedAt,
		})
	}
	return c.JSON(http.StatusOK, out)
}

func toSubmissionResponse(result *engine.SubmissionResult) submissionResponse {
	resp := submissionResponse{
		Errors:   []logEntryResponse{},
		Warnings: []logEntryResponse{},
	}
	if result.Report != nil {
		resp.ID = result.Report.ID.String()
		resp.Topic = result.Report.Topic
		resp.ReportItemCount = result.Report.ItemCount()
	}
	for _, e := range result.Log.Entries() {
		entry := logEntryResponse{
			Scope:   string(e.Scope),
			Row:     e.RowNum,
			Code:    e.Code,
			Message: e.Message,
		}
		if e.Level == report.LevelError {
			resp.Errors = append(resp.Errors, entry)
		} else {
			resp.Warnings = append(resp.Warnings, entry)
		}
	}
	resp.ErrorCount = len(resp.Errors)
	resp.WarningCount = len(resp.Warnings)
	return resp
}
