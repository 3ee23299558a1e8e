package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	redis "github.com/redis/go-redis/v9"

	"github.com/yourusername/epub-forge/internal/config"
	"github.com/yourusername/epub-forge/internal/convert"
	"github.com/yourusername/epub-forge/internal/jobs"
)

// SSEの進捗ポーリング間隔
const eventsPollInterval = 500 * time.Millisecond

type convertJobScheduler struct {
	manager *jobs.Manager
}

func (s *convertJobScheduler) Schedule(ctx context.Context, op convert.OperationType, jobID string) error {
	_, err := s.manager.Enqueue(ctx, &jobs.TaskPayload{
		JobID:     jobID,
		Operation: op,
	})
	return err
}

func setupJobs(cfg *config.Config, convertService *convert.Service) (*jobs.Manager, error) {
	opt, err := redis.ParseURL(cfg.QueueRedisURL)
	if err != nil {
		return nil, err
	}

	redisClient := redis.NewClient(opt)
	pingCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := redisClient.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	ttlMinutes := cfg.JobExpireMinutes
	if ttlMinutes <= 0 {
		ttlMinutes = 10
	}
	store := jobs.NewStore(redisClient, time.Duration(ttlMinutes)*time.Minute)
	manager, err := jobs.NewManager(cfg, convertService, store, log.Default())
	if err != nil {
		return nil, err
	}
	return manager, nil
}

// recordGetter はジョブ状態の参照だけを必要とするハンドラー向けのインターフェースです。
type recordGetter interface {
	GetRecord(ctx context.Context, jobID string) (*jobs.Record, error)
}

func jobStatusHandler(manager recordGetter) gin.HandlerFunc {
	return func(c *gin.Context) {
		jobID := c.Param("id")
		if strings.TrimSpace(jobID) == "" {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "INVALID_INPUT",
				"message": "jobId を指定してください。",
			})
			return
		}

		record, err := manager.GetRecord(c.Request.Context(), jobID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{
				"code":    "INTERNAL_ERROR",
				"message": "ジョブ情報の取得に失敗しました。",
			})
			return
		}
		if record == nil {
			c.JSON(http.StatusNotFound, gin.H{
				"code":    "JOB_NOT_FOUND",
				"message": "指定されたジョブは存在しません。",
			})
			return
		}

		c.JSON(http.StatusOK, jobStatusPayload(record))
	}
}

func jobStatusPayload(record *jobs.Record) gin.H {
	payload := gin.H{
		"jobId":     record.JobID,
		"operation": record.Operation,
		"status":    record.Status,
		"progress": gin.H{
			"percent": record.Progress.Percent,
			"stage":   record.Progress.Stage,
			"message": record.Progress.Message,
		},
		"updatedAt": record.UpdatedAt,
	}
	if record.DownloadURL != "" {
		payload["downloadUrl"] = record.DownloadURL
	}
	if record.Filename != "" {
		payload["filename"] = record.Filename
	}
	if record.Meta != nil {
		payload["meta"] = record.Meta
	}
	if record.Error != nil {
		payload["error"] = record.Error
	}
	return payload
}

// jobEventsHandler は進捗をSSEで配信します。ジョブ状態をポーリングし、
// 変化があったときだけイベントを送信して、終端状態で切断します。
func jobEventsHandler(manager recordGetter) gin.HandlerFunc {
	return func(c *gin.Context) {
		jobID := c.Param("id")
		if strings.TrimSpace(jobID) == "" {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "INVALID_INPUT",
				"message": "jobId を指定してください。",
			})
			return
		}

		c.Header("Content-Type", "text/event-stream")
		c.Header("Cache-Control", "no-cache")
		c.Header("Connection", "keep-alive")
		c.Header("X-Accel-Buffering", "no")

		ticker := time.NewTicker(eventsPollInterval)
		defer ticker.Stop()

		var lastStatus jobs.Status
		lastPercent := -1

		for {
			record, err := manager.GetRecord(c.Request.Context(), jobID)
			if err != nil {
				c.SSEvent("message", gin.H{"error": "ジョブ情報の取得に失敗しました。"})
				c.Writer.Flush()
				return
			}
			if record == nil {
				c.SSEvent("message", gin.H{"error": "ジョブが存在しません。"})
				c.Writer.Flush()
				return
			}

			if record.Status != lastStatus || record.Progress.Percent != lastPercent {
				c.SSEvent("message", jobStatusPayload(record))
				c.Writer.Flush()
				lastStatus = record.Status
				lastPercent = record.Progress.Percent
			}

			if record.Terminal() {
				return
			}

			select {
			case <-c.Request.Context().Done():
				return
			case <-ticker.C:
			}
		}
	}
}

func jobDownloadHandler(convertService *convert.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		jobID := c.Param("id")
		if strings.TrimSpace(jobID) == "" {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "INVALID_INPUT",
				"message": "jobId を指定してください。",
			})
			return
		}

		result, file, err := convertService.OpenResultFile(jobID)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				c.JSON(http.StatusNotFound, gin.H{
					"code":    "JOB_RESULT_NOT_FOUND",
					"message": "ジョブの成果物が見つかりませんでした。",
				})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{
				"code":    "INTERNAL_ERROR",
				"message": "ジョブの成果物取得に失敗しました。",
			})
			return
		}
		defer file.Close()

		encodedName := url.PathEscape(result.OutputFilename)
		c.Header("Content-Type", "application/pdf")
		c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=\"%s\"; filename*=UTF-8''%s", result.OutputFilename, encodedName))
		c.Header("Cache-Control", "no-store")
		c.Header("X-Job-Id", result.JobID)
		c.DataFromReader(http.StatusOK, result.OutputSize, "application/pdf", file, nil)
	}
}
