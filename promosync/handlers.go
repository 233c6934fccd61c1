package promosync

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/promo_sync/models"
	"bitbucket.org/mmdatafocus/promo_sync/utils"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

type TriggerSyncRequest struct {
	Variant string `json:"variant" binding:"required,oneof=fixed percent"`
	DryRun  bool   `json:"dryRun"`
}

type SyncHistoryResponse struct {
	Items []SyncRunResponse `json:"items"`
}

type SyncRunResponse struct {
	RunID       string  `json:"runId"`
	Variant     string  `json:"variant"`
	Status      string  `json:"status"`
	DryRun      bool    `json:"dryRun"`
	TriggeredBy string  `json:"triggeredBy"`
	StartedAt   *string `json:"startedAt"`
	FinishedAt  *string `json:"finishedAt"`
	DurationMs  int64   `json:"durationMs"`
	Total       int     `json:"total"`
	Created     int     `json:"created"`
	NotFound    int     `json:"notFound"`
	Failed      int     `json:"failed"`
	Patched     int     `json:"patched"`
	Error       string  `json:"error,omitempty"`
}

type SyncRunDetailResponse struct {
	SyncRunResponse
	Rows []SyncRowResponse `json:"rows"`
}

type SyncRowResponse struct {
	RowNumber int    `json:"rowNumber"`
	Code      string `json:"code"`
	Outcome   string `json:"outcome"`
	Status    string `json:"status"`
	OfferID   int64  `json:"offerId,omitempty"`
}

func TriggerSyncHandler(svc *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req TriggerSyncRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		variant, err := ParseVariant(req.Variant)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		trigger(c, svc, NewJob(variant, req.DryRun, models.SyncTriggeredManual))
	}
}

func TriggerExportHandler(svc *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		trigger(c, svc, NewJob(VariantExport, false, models.SyncTriggeredManual))
	}
}

func trigger(c *gin.Context, svc *Service, job Job) {
	if cid, ok := utils.GetCorrelationIdFromContext(c.Request.Context()); ok {
		job.CorrelationID = cid
	}
	if uid, ok := utils.GetUserIdFromContext(c.Request.Context()); ok {
		svc.logger.WithFields(logrus.Fields{"run_id": job.RunID, "variant": job.Variant, "user_id": uid}).Info("promotion job requested")
	}
	res, err := svc.Trigger(c.Request.Context(), job)
	if err != nil {
		switch {
		case errors.Is(err, ErrRunInProgress):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		case res != nil:
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error(), "result": res})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}
	if res.Queued {
		c.JSON(http.StatusAccepted, res)
		return
	}
	c.JSON(http.StatusOK, res)
}

func SyncHistoryHandler(svc *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit := 20
		if v := strings.TrimSpace(c.Query("limit")); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 100 {
				limit = n
			}
		}

		runs, err := svc.Journal().ListRuns(c.Request.Context(), limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		items := make([]SyncRunResponse, 0, len(runs))
		for _, run := range runs {
			items = append(items, mapRunToResponse(run))
		}
		c.JSON(http.StatusOK, SyncHistoryResponse{Items: items})
	}
}

func SyncRunDetailHandler(svc *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		runID := strings.TrimSpace(c.Param("id"))
		if runID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid run id"})
			return
		}

		run, rows, err := svc.Journal().GetRun(c.Request.Context(), runID)
		if err != nil {
			if errors.Is(err, ErrRunNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusOK, SyncRunDetailResponse{
			SyncRunResponse: mapRunToResponse(*run),
			Rows:            mapRows(rows),
		})
	}
}

func formatTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(time.RFC3339)
	return &s
}

func mapRunToResponse(run models.PromoSyncRun) SyncRunResponse {
	return SyncRunResponse{
		RunID:       run.RunId,
		Variant:     run.Variant,
		Status:      run.Status,
		DryRun:      run.DryRun,
		TriggeredBy: run.TriggeredBy,
		StartedAt:   formatTime(run.StartedAt),
		FinishedAt:  formatTime(run.FinishedAt),
		DurationMs:  run.DurationMs,
		Total:       run.Total,
		Created:     run.Created,
		NotFound:    run.NotFound,
		Failed:      run.Failed,
		Patched:     run.Patched,
		Error:       run.ErrorMessage,
	}
}

func mapRows(rows []models.PromoSyncRowResult) []SyncRowResponse {
	out := make([]SyncRowResponse, 0, len(rows))
	for _, r := range rows {
		out = append(out, SyncRowResponse{
			RowNumber: r.RowNumber,
			Code:      r.Code,
			Outcome:   r.Outcome,
			Status:    r.Status,
			OfferID:   r.OfferId,
		})
	}
	return out
}
