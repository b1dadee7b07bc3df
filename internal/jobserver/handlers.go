package jobserver

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/serkankas/py-offline-updater/internal/backup"
)

// uploadArchive accepts a multipart archive upload, validates its
// extension and size against config, and stores it under UploadDir keyed
// by an upload_id the caller then passes to submitJob.
func (s *Server) uploadArchive(c *gin.Context) {
	file, header, err := c.Request.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing file field"})
		return
	}
	defer file.Close()

	if !s.config.HasAllowedExtension(header.Filename) {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("unsupported extension for %s", header.Filename)})
		return
	}
	if header.Size > s.config.MaxUploadSize {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "upload exceeds max_upload_size"})
		return
	}

	uploadID := newJobID()
	destPath := filepath.Join(s.config.UploadDir, uploadID+archiveSuffix(header.Filename))

	out, err := os.OpenFile(destPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to store upload"})
		return
	}
	defer out.Close()

	if _, err := out.ReadFrom(file); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to write upload"})
		return
	}

	s.logger.Info("upload stored", zap.String("upload_id", uploadID), zap.String("filename", header.Filename))
	c.JSON(http.StatusCreated, gin.H{"upload_id": uploadID, "filename": header.Filename})
}

func archiveSuffix(filename string) string {
	if strings.HasSuffix(filename, ".tar.gz") {
		return ".tar.gz"
	}
	return filepath.Ext(filename)
}

type submitJobRequest struct {
	UploadID string `json:"upload_id" binding:"required"`
}

// submitJob admits an uploaded archive for processing, rejecting with 409
// if the single job slot is already occupied.
func (s *Server) submitJob(c *gin.Context) {
	var req submitJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	matches, err := filepath.Glob(filepath.Join(s.config.UploadDir, req.UploadID+"*"))
	if err != nil || len(matches) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "upload not found"})
		return
	}

	info, err := s.jobs.Submit(filepath.Base(matches[0]), matches[0])
	if err == ErrJobInProgress {
		c.JSON(http.StatusConflict, gin.H{"error": "a job is already running"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, info)
}

// getJob returns the current JobInfo snapshot.
func (s *Server) getJob(c *gin.Context) {
	j := s.jobs.Get(c.Param("id"))
	if j == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	}
	c.JSON(http.StatusOK, j.snapshot())
}

// streamJobEvents streams JobInfo/log updates as server-sent events at a
// roughly one-second cadence until the job reaches a terminal status.
func (s *Server) streamJobEvents(c *gin.Context) {
	j := s.jobs.Get(c.Param("id"))
	if j == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	}

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	logOffset := 0
	clientGone := c.Writer.CloseNotify()

	for {
		select {
		case <-clientGone:
			return
		case <-ticker.C:
			info := j.snapshot()
			c.SSEvent("status", info)

			lines, next := j.logs.Since(logOffset)
			logOffset = next
			for _, line := range lines {
				c.SSEvent("log", line)
			}
			c.Writer.Flush()

			if info.Status.Terminal() {
				c.SSEvent("complete", info)
				c.Writer.Flush()
				return
			}
		}
	}
}

// rollbackJob triggers a rollback against the most recent job.
func (s *Server) rollbackJob(c *gin.Context) {
	if err := s.jobs.Rollback(c.Request.Context(), c.Param("id")); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "rollback complete"})
}

// listBackups returns every retained backup entry, sorted by name (oldest
// first).
func (s *Server) listBackups(c *gin.Context) {
	bk, err := backup.NewStore(s.config.BackupDir, s.logger, s.metrics)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	entries, err := bk.List()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"backups": entries})
}

// systemInfo reports host disk, memory, and uptime figures for the
// dashboard. Memory and boot time are Linux-specific and degrade to zero
// elsewhere.
func (s *Server) systemInfo(c *gin.Context) {
	hostname, _ := os.Hostname()

	diskTotalMB, diskFreeMB, err := diskUsageMB(s.config.BaseDir)
	if err != nil {
		s.logger.Warn("failed to read disk usage", zap.Error(err))
	}

	memTotalMB, memFreeMB := readMeminfoMB()
	bootTime := readBootTime()

	c.JSON(http.StatusOK, gin.H{
		"hostname":       hostname,
		"disk_total_mb":  diskTotalMB,
		"disk_free_mb":   diskFreeMB,
		"memory_total_mb": memTotalMB,
		"memory_free_mb":  memFreeMB,
		"boot_time":       bootTime,
	})
}
