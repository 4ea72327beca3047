package handlers

import (
	"fmt"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/san-kum/cribwatch/server/models"
	"go.uber.org/zap"
)

const mjpegBoundary = "frame"

type FrameProvider interface {
	LatestFrame() *models.FrameSample
}

// StreamHandler serves the camera as MJPEG and single snapshots.
type StreamHandler struct {
	frames FrameProvider
	fps    int
	logger *zap.Logger

	viewers atomic.Int32
}

func NewStreamHandler(frames FrameProvider, fps int, logger *zap.Logger) *StreamHandler {
	if fps <= 0 {
		fps = 10
	}
	return &StreamHandler{
		frames: frames,
		fps:    fps,
		logger: logger,
	}
}

// VideoFeed writes multipart/x-mixed-replace JPEG parts until the client
// goes away. A frame is only written when it differs from the last one sent.
func (h *StreamHandler) VideoFeed(c *gin.Context) {
	c.Header("Content-Type", "multipart/x-mixed-replace; boundary="+mjpegBoundary)
	c.Header("Cache-Control", "no-cache, no-store, must-revalidate")
	c.Header("Pragma", "no-cache")
	c.Header("Connection", "close")
	c.Status(http.StatusOK)

	viewers := h.viewers.Add(1)
	defer h.viewers.Add(-1)
	h.logger.Info("MJPEG viewer connected", zap.String("client_ip", c.ClientIP()), zap.Int32("viewers", viewers))

	ticker := time.NewTicker(time.Second / time.Duration(h.fps))
	defer ticker.Stop()

	ctx := c.Request.Context()
	var lastSeq uint64
	sent := false

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("MJPEG viewer disconnected", zap.String("client_ip", c.ClientIP()))
			return
		case <-ticker.C:
			frame := h.frames.LatestFrame()
			if frame == nil || len(frame.JPEG) == 0 || (sent && frame.Seq == lastSeq) {
				continue
			}
			if err := writePart(c, frame.JPEG); err != nil {
				h.logger.Debug("MJPEG write failed", zap.Error(err))
				return
			}
			lastSeq = frame.Seq
			sent = true
		}
	}
}

func writePart(c *gin.Context, jpeg []byte) error {
	header := fmt.Sprintf("--%s\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", mjpegBoundary, len(jpeg))
	if _, err := c.Writer.Write([]byte(header)); err != nil {
		return err
	}
	if _, err := c.Writer.Write(jpeg); err != nil {
		return err
	}
	if _, err := c.Writer.Write([]byte("\r\n")); err != nil {
		return err
	}
	c.Writer.Flush()
	return nil
}

func (h *StreamHandler) Snapshot(c *gin.Context) {
	frame := h.frames.LatestFrame()
	if frame == nil || len(frame.JPEG) == 0 {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "No frame captured yet"})
		return
	}

	c.Header("Cache-Control", "no-store")
	c.Header("X-Frame-Seq", strconv.FormatUint(frame.Seq, 10))
	c.Header("X-Captured-At", frame.CapturedAt.UTC().Format(time.RFC3339Nano))
	c.Data(http.StatusOK, "image/jpeg", frame.JPEG)
}

func (h *StreamHandler) Viewers() int {
	return int(h.viewers.Load())
}
