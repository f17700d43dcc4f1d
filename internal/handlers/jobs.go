package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/compute-swarm/agent/internal/services"
)

// JobHandler exposes job submission and lifecycle over HTTP
type JobHandler struct {
	swarm *services.Swarm
}

// NewJobHandler creates a new job handler
func NewJobHandler(swarm *services.Swarm) *JobHandler {
	return &JobHandler{swarm: swarm}
}

// SubmitJobRequest represents a job submission. Priority and payment are
// pointers so a client can submit explicit zeros; omitted fields fall back to
// the node's defaults.
type SubmitJobRequest struct {
	JobType         string                 `json:"job_type" binding:"required"`
	Priority        *float64               `json:"priority"`
	Payment         *float64               `json:"payment"`
	DeadlineSeconds int                    `json:"deadline_seconds"`
	Requirements    []string               `json:"requirements"`
	Payload         map[string]interface{} `json:"payload"`
	Verify          bool                   `json:"verify"`
	Verifiers       int                    `json:"verifiers"`
}

// Submit handles job submission and announces the job to the swarm
func (h *JobHandler) Submit(c *gin.Context) {
	var req SubmitJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	sub := services.JobSubmission{
		JobType:      req.JobType,
		Priority:     req.Priority,
		Payment:      req.Payment,
		Requirements: req.Requirements,
		Payload:      req.Payload,
		Verify:       req.Verify,
		Verifiers:    req.Verifiers,
	}
	if req.DeadlineSeconds > 0 {
		sub.Deadline = time.Now().Add(time.Duration(req.DeadlineSeconds) * time.Second)
	}

	submitted, err := h.swarm.SubmitJob(c.Request.Context(), sub)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"job": submitted})
}

// Get handles job status lookup
func (h *JobHandler) Get(c *gin.Context) {
	status, ok := h.swarm.Status(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	}
	c.JSON(http.StatusOK, status)
}

// Cancel handles job cancellation
func (h *JobHandler) Cancel(c *gin.Context) {
	jobID := c.Param("id")
	if !h.swarm.CancelJob(jobID) {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "cancelled", "job_id": jobID})
}

// NodeStatus reports the node's swarm view
func (h *JobHandler) NodeStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"peer_id":       h.swarm.SelfID(),
		"epoch":         h.swarm.Epoch(),
		"live_peers":    h.swarm.LivePeers(),
		"active_jobs":   h.swarm.ActiveJobs(),
		"open_auctions": h.swarm.OpenAuctions(),
	})
}

// Trust reports the node's local trust view of its peers
func (h *JobHandler) Trust(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"peers": h.swarm.Ledger().Snapshot()})
}

// Checkpoints lists stored checkpoints
func (h *JobHandler) Checkpoints(c *gin.Context) {
	checkpoints, err := h.swarm.Checkpoints().List()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"checkpoints": checkpoints})
}
