package cv

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/san-kum/cribwatch/server/motion"
	"gocv.io/x/gocv"
)

// LKEstimator implements motion.FlowEstimator with Shi-Tomasi corners and
// pyramidal Lucas-Kanade flow.
type LKEstimator struct {
	Quality     float64
	MinDistance float64
}

func NewLKEstimator() *LKEstimator {
	return &LKEstimator{Quality: 0.3, MinDistance: 7}
}

func (e *LKEstimator) Seed(gray []byte, width, height, maxCorners int) ([]motion.Point, error) {
	img, err := gocv.NewMatFromBytes(height, width, gocv.MatTypeCV8U, gray)
	if err != nil {
		return nil, fmt.Errorf("gray frame: %w", err)
	}
	defer img.Close()

	corners := gocv.NewMat()
	defer corners.Close()
	gocv.GoodFeaturesToTrack(img, &corners, maxCorners, e.Quality, e.MinDistance)

	points := make([]motion.Point, 0, corners.Rows())
	for i := 0; i < corners.Rows(); i++ {
		v := corners.GetVecfAt(i, 0)
		points = append(points, motion.Point{X: v[0], Y: v[1]})
	}
	return points, nil
}

func (e *LKEstimator) Flow(prev, next []byte, width, height int, points []motion.Point) ([]motion.Point, []bool, error) {
	if len(points) == 0 {
		return nil, nil, nil
	}

	prevImg, err := gocv.NewMatFromBytes(height, width, gocv.MatTypeCV8U, prev)
	if err != nil {
		return nil, nil, fmt.Errorf("previous frame: %w", err)
	}
	defer prevImg.Close()
	nextImg, err := gocv.NewMatFromBytes(height, width, gocv.MatTypeCV8U, next)
	if err != nil {
		return nil, nil, fmt.Errorf("current frame: %w", err)
	}
	defer nextImg.Close()

	prevPts, err := gocv.NewMatFromBytes(len(points), 1, gocv.MatTypeCV32FC2, encodePoints(points))
	if err != nil {
		return nil, nil, fmt.Errorf("points: %w", err)
	}
	defer prevPts.Close()

	nextPts := gocv.NewMat()
	defer nextPts.Close()
	status := gocv.NewMat()
	defer status.Close()
	errs := gocv.NewMat()
	defer errs.Close()

	gocv.CalcOpticalFlowPyrLK(prevImg, nextImg, prevPts, nextPts, &status, &errs)

	if nextPts.Rows() != len(points) || status.Rows() != len(points) {
		return nil, nil, fmt.Errorf("optical flow returned %d points for %d inputs", nextPts.Rows(), len(points))
	}

	tracked := make([]motion.Point, len(points))
	ok := make([]bool, len(points))
	for i := range points {
		v := nextPts.GetVecfAt(i, 0)
		tracked[i] = motion.Point{X: v[0], Y: v[1]}
		ok[i] = status.GetUCharAt(i, 0) == 1
	}
	return tracked, ok, nil
}

func encodePoints(points []motion.Point) []byte {
	out := make([]byte, 8*len(points))
	for i, p := range points {
		binary.LittleEndian.PutUint32(out[8*i:], math.Float32bits(p.X))
		binary.LittleEndian.PutUint32(out[8*i+4:], math.Float32bits(p.Y))
	}
	return out
}
