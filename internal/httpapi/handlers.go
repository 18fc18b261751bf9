package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/agentforge/dispatchd/internal/costledger"
	"github.com/agentforge/dispatchd/internal/models"
)

// enqueueHandler handles POST /jobs: create a pending job row and publish
// it to the incoming queue, per spec §6 "enqueue".
func (s *Server) enqueueHandler(c *gin.Context) {
	var req EnqueueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if _, err := s.projects.Get(c.Request.Context(), req.ProjectID); err != nil {
		respondError(c, err)
		return
	}

	job := &models.Job{
		ID:              uuid.NewString(),
		ProjectID:       req.ProjectID,
		AssignedAgentID: req.AssignedAgentID,
		Type:            models.JobType(req.Type),
		Payload:         req.Payload,
		Status:          models.JobStatusPending,
		MaxRetries:      s.defaults.MaxRetries,
		Provider:        s.defaults.Provider,
		Model:           s.defaults.Model,
		CreatedAt:       time.Now(),
	}
	if req.Provider != "" {
		job.Provider = req.Provider
	}
	if req.Model != "" {
		job.Model = req.Model
	}
	if req.MaxRetries != nil {
		job.MaxRetries = *req.MaxRetries
	}

	if err := s.jobs.Insert(c.Request.Context(), job); err != nil {
		respondError(c, err)
		return
	}

	envelope, err := json.Marshal(models.JobEnvelope{JobID: job.ID, Attempt: 0})
	if err != nil {
		respondError(c, err)
		return
	}
	if err := s.queue.Publish(c.Request.Context(), models.QueueIncoming, envelope); err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, EnqueueResponse{JobID: job.ID, Status: job.Status})
}

// costHandler handles GET /projects/:id/cost: aggregate spend over an
// optional [from, to) window and report budget status, per spec §4.1/§6.
func (s *Server) costHandler(c *gin.Context) {
	projectID := c.Param("id")

	project, err := s.projects.Get(c.Request.Context(), projectID)
	if err != nil {
		respondError(c, err)
		return
	}

	from, to, err := parseWindow(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	jobs, err := s.jobs.ListByProjectInWindow(c.Request.Context(), projectID, from, to)
	if err != nil {
		respondError(c, err)
		return
	}

	period := costledger.ProjectPeriod(jobs, from, to)
	budget := costledger.BudgetStatus(project, period.TotalCost)

	c.JSON(http.StatusOK, CostResponse{ProjectID: projectID, Period: period, Budget: budget})
}

func parseWindow(c *gin.Context) (from, to time.Time, err error) {
	if raw := c.Query("from"); raw != "" {
		from, err = time.Parse(time.RFC3339, raw)
		if err != nil {
			return time.Time{}, time.Time{}, err
		}
	}
	if raw := c.Query("to"); raw != "" {
		to, err = time.Parse(time.RFC3339, raw)
		if err != nil {
			return time.Time{}, time.Time{}, err
		}
	}
	return from, to, nil
}

// healthHandler handles GET /healthz.
func (s *Server) healthHandler(c *gin.Context) {
	ctx := c.Request.Context()
	resp := HealthResponse{Status: "healthy"}

	incoming, err := s.queue.Depth(ctx, models.QueueIncoming)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": err.Error()})
		return
	}
	delayed, err := s.queue.Depth(ctx, models.QueueDelayedRetry)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": err.Error()})
		return
	}
	deadLetter, err := s.queue.Depth(ctx, models.QueueDeadLetter)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": err.Error()})
		return
	}
	resp.QueueDepth = QueueDepths{Incoming: incoming, DelayedRetry: delayed, DeadLetter: deadLetter}

	if s.healthSource != nil {
		for _, h := range s.healthSource() {
			resp.Workers = append(resp.Workers, WorkerHealth{
				ID: h.ID, Status: string(h.Status),
				CurrentJobID: h.CurrentJobID, JobsProcessed: h.JobsProcessed,
			})
		}
	}

	c.JSON(http.StatusOK, resp)
}

// redriveHandler handles POST /admin/dead-letter/:job_id/redrive.
func (s *Server) redriveHandler(c *gin.Context) {
	jobID := c.Param("job_id")
	if err := s.redriver.Redrive(c.Request.Context(), jobID); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, RedriveResponse{JobID: jobID, State: string(models.JobStatusPending)})
}
