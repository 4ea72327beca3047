package motion

import (
	"math"
	"time"

	"github.com/san-kum/cribwatch/server/models"
	"go.uber.org/zap"
)

type Point struct {
	X, Y float32
}

// FlowEstimator is the image-processing backend. Gray images are row-major
// 8-bit buffers of width*height bytes.
type FlowEstimator interface {
	// Seed detects up to maxCorners trackable corners.
	Seed(gray []byte, width, height, maxCorners int) ([]Point, error)
	// Flow tracks points from prev into next. status[i] reports whether
	// next[i] is a valid track of points[i].
	Flow(prev, next []byte, width, height int, points []Point) ([]Point, []bool, error)
}

type Config struct {
	Threshold   float64
	ReseedEvery int
	MinPoints   int
	MaxCorners  int
}

func DefaultConfig() Config {
	return Config{
		Threshold:   2.0,
		ReseedEvery: 30,
		MinPoints:   8,
		MaxCorners:  100,
	}
}

// Detector turns a stream of gray frames into MotionReadings with sparse
// optical flow. Not safe for concurrent use; one goroutine owns it.
type Detector struct {
	estimator FlowEstimator
	config    Config
	logger    *zap.Logger

	prev          []byte
	width, height int
	points        []Point
	sinceSeed     int
	needSeed      bool
}

func NewDetector(estimator FlowEstimator, cfg Config, logger *zap.Logger) *Detector {
	def := DefaultConfig()
	if cfg.Threshold <= 0 {
		cfg.Threshold = def.Threshold
	}
	if cfg.ReseedEvery <= 0 {
		cfg.ReseedEvery = def.ReseedEvery
	}
	if cfg.MinPoints <= 0 {
		cfg.MinPoints = def.MinPoints
	}
	if cfg.MaxCorners <= 0 {
		cfg.MaxCorners = def.MaxCorners
	}
	return &Detector{estimator: estimator, config: cfg, logger: logger, needSeed: true}
}

// Reset drops the reference frame, e.g. after a camera reconnect.
func (d *Detector) Reset() {
	d.prev = nil
	d.points = nil
	d.needSeed = true
	d.sinceSeed = 0
}

func (d *Detector) Process(frame *models.FrameSample) models.MotionReading {
	now := frame.CapturedAt
	if now.IsZero() {
		now = time.Now()
	}

	if len(frame.Gray) == 0 || len(frame.Gray) != frame.Width*frame.Height {
		d.logger.Warn("Frame has no usable gray plane", zap.Uint64("seq", frame.Seq))
		return models.MotionReading{Description: "No frame data", Timestamp: now}
	}

	if d.prev == nil || frame.Width != d.width || frame.Height != d.height {
		d.width, d.height = frame.Width, frame.Height
		d.prev = frame.Gray
		d.seed()
		return models.MotionReading{
			Description:   "Warming up",
			TrackedPoints: len(d.points),
			Timestamp:     now,
		}
	}

	if d.needSeed || d.sinceSeed >= d.config.ReseedEvery || len(d.points) < d.config.MinPoints {
		d.seed()
	}
	if len(d.points) < d.config.MinPoints {
		d.prev = frame.Gray
		return models.MotionReading{Description: "No trackable features found", Timestamp: now}
	}

	next, status, err := d.estimator.Flow(d.prev, frame.Gray, d.width, d.height, d.points)
	d.prev = frame.Gray
	d.sinceSeed++
	if err != nil {
		d.logger.Warn("Optical flow failed", zap.Uint64("seq", frame.Seq), zap.Error(err))
		d.needSeed = true
		return models.MotionReading{Description: "Tracking failed", Timestamp: now}
	}

	var survivors []Point
	var total float64
	for i := range d.points {
		if i >= len(next) || i >= len(status) || !status[i] {
			continue
		}
		dx := float64(next[i].X - d.points[i].X)
		dy := float64(next[i].Y - d.points[i].Y)
		total += math.Hypot(dx, dy)
		survivors = append(survivors, next[i])
	}

	if len(survivors) < d.config.MinPoints {
		d.points = nil
		d.needSeed = true
		return models.MotionReading{Description: "No tracked points", Timestamp: now}
	}

	d.points = survivors
	magnitude := math.Round(total/float64(len(survivors))*100) / 100
	hasMotion := magnitude > d.config.Threshold

	return models.MotionReading{
		HasMotion:       hasMotion,
		MotionMagnitude: magnitude,
		TrackedPoints:   len(survivors),
		Description:     describe(magnitude, hasMotion),
		Timestamp:       now,
	}
}

func (d *Detector) seed() {
	points, err := d.estimator.Seed(d.prev, d.width, d.height, d.config.MaxCorners)
	d.sinceSeed = 0
	if err != nil {
		d.logger.Warn("Corner detection failed", zap.Error(err))
		d.points = nil
		d.needSeed = true
		return
	}
	d.points = points
	d.needSeed = false
}

func describe(magnitude float64, hasMotion bool) string {
	switch {
	case magnitude > 10:
		return "Strong movement detected"
	case magnitude > 5:
		return "Moderate movement detected"
	case hasMotion:
		return "Slight movement detected"
	default:
		return "No significant movement"
	}
}
