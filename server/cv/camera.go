package cv

import (
	"context"
	"fmt"
	"image"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/san-kum/cribwatch/server/models"
	"go.uber.org/zap"
	"gocv.io/x/gocv"
)

type CameraConfig struct {
	// Device is a camera index ("0") or a stream URL.
	Device      string
	Width       int
	Height      int
	JPEGQuality int
}

// Camera reads frames from a local device or stream with OpenCV and emits
// them as JPEG plus a gray plane for motion tracking.
type Camera struct {
	config CameraConfig
	logger *zap.Logger

	mutex   sync.Mutex
	capture *gocv.VideoCapture
	img     gocv.Mat
	seq     atomic.Uint64
}

func NewCamera(cfg CameraConfig, logger *zap.Logger) *Camera {
	if cfg.Width <= 0 {
		cfg.Width = 640
	}
	if cfg.Height <= 0 {
		cfg.Height = 480
	}
	if cfg.JPEGQuality <= 0 || cfg.JPEGQuality > 100 {
		cfg.JPEGQuality = 80
	}
	return &Camera{config: cfg, logger: logger}
}

func (c *Camera) Open(_ context.Context) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.capture != nil {
		return nil
	}

	var capture *gocv.VideoCapture
	var err error
	if id, convErr := strconv.Atoi(c.config.Device); convErr == nil {
		capture, err = gocv.OpenVideoCapture(id)
	} else {
		capture, err = gocv.OpenVideoCapture(c.config.Device)
	}
	if err != nil {
		return fmt.Errorf("failed to open camera %s: %w", c.config.Device, err)
	}

	capture.Set(gocv.VideoCaptureBufferSize, 1)
	capture.Set(gocv.VideoCaptureFrameWidth, float64(c.config.Width))
	capture.Set(gocv.VideoCaptureFrameHeight, float64(c.config.Height))

	if !capture.IsOpened() {
		capture.Close()
		return fmt.Errorf("camera %s is not opened", c.config.Device)
	}

	c.capture = capture
	c.img = gocv.NewMat()

	c.logger.Info("Camera opened",
		zap.String("device", c.config.Device),
		zap.Float64("actual_width", capture.Get(gocv.VideoCaptureFrameWidth)),
		zap.Float64("actual_height", capture.Get(gocv.VideoCaptureFrameHeight)),
		zap.Float64("actual_fps", capture.Get(gocv.VideoCaptureFPS)))
	return nil
}

// Read grabs one frame. Errors are per frame; the caller decides when a run
// of them means the device is gone.
func (c *Camera) Read(_ context.Context) (models.FrameSample, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.capture == nil {
		return models.FrameSample{}, fmt.Errorf("camera not open")
	}
	if ok := c.capture.Read(&c.img); !ok {
		return models.FrameSample{}, fmt.Errorf("failed to read frame")
	}
	if c.img.Empty() {
		return models.FrameSample{}, fmt.Errorf("empty frame")
	}
	capturedAt := time.Now()

	frame := c.img
	if c.img.Cols() != c.config.Width || c.img.Rows() != c.config.Height {
		resized := gocv.NewMat()
		defer resized.Close()
		gocv.Resize(c.img, &resized, image.Pt(c.config.Width, c.config.Height), 0, 0, gocv.InterpolationLinear)
		frame = resized
	}

	buf, err := gocv.IMEncodeWithParams(gocv.JPEGFileExt, frame, []int{gocv.IMWriteJpegQuality, c.config.JPEGQuality})
	if err != nil {
		return models.FrameSample{}, fmt.Errorf("jpeg encode failed: %w", err)
	}
	jpeg := append([]byte(nil), buf.GetBytes()...)
	buf.Close()

	gray := gocv.NewMat()
	defer gray.Close()
	gocv.CvtColor(frame, &gray, gocv.ColorBGRToGray)

	return models.FrameSample{
		Seq:        c.seq.Add(1),
		JPEG:       jpeg,
		Gray:       gray.ToBytes(),
		Width:      frame.Cols(),
		Height:     frame.Rows(),
		CapturedAt: capturedAt,
	}, nil
}

func (c *Camera) Close() error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.capture == nil {
		return nil
	}
	err := c.capture.Close()
	c.img.Close()
	c.capture = nil
	return err
}
