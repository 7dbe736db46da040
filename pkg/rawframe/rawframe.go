// Package rawframe implements pixel-level operations on captured raw
// video planes: crop-rect extraction, blank-fill (for privacy masking
// and the blank-screen placeholder), and luma-plane variance (a
// flat/frozen-image measure).
//
// Grounded on n0remac-robot-webrtc's cvpipe/pipeline.go and webrtc/client.go
// (gocv.NewMatFromBytes, gocv.Resize, gocv.Rectangle against raw byte
// buffers) and spec.md §2's crop-rect/blank-screen-mode requirements,
// adapted from BGR frame buffers to the NV12/YUV420P planar layouts this
// module's capture stage actually produces.
package rawframe

import (
	"fmt"
	"image"

	"gocv.io/x/gocv"

	"github.com/ethan/screencaster/pkg/media"
)

// Rect is a pixel-space crop or fill region, clamped to frame bounds by
// every function in this package before use.
type Rect struct {
	X, Y, W, H int
}

func clamp(r Rect, width, height int) Rect {
	if r.X < 0 {
		r.W += r.X
		r.X = 0
	}
	if r.Y < 0 {
		r.H += r.Y
		r.Y = 0
	}
	if r.X+r.W > width {
		r.W = width - r.X
	}
	if r.Y+r.H > height {
		r.H = height - r.Y
	}
	if r.W < 0 {
		r.W = 0
	}
	if r.H < 0 {
		r.H = 0
	}
	return r
}

// blankY/blankU/blankV are the neutral-gray YUV byte values used to fill
// blanked regions (luma mid-scale, chroma at neutral 128).
const (
	blankY byte = 128
	blankU byte = 128
	blankV byte = 128
)

// Crop extracts rect from an NV12 frame, returning new tightly-packed Y
// and interleaved-UV planes. rect is clamped to the frame's bounds, and
// both X and Y are rounded down to an even pixel so the chroma plane
// stays aligned to the luma plane (NV12 chroma is subsampled 2x2).
func Crop(f *media.RawVideoFrame, rect Rect) (*media.RawVideoFrame, error) {
	if f.Format != media.NV12 {
		return nil, fmt.Errorf("rawframe: Crop only supports NV12, got %v", f.Format)
	}
	rect = clamp(rect, f.Width, f.Height)
	rect.X &^= 1
	rect.Y &^= 1
	rect.W &^= 1
	rect.H &^= 1
	if rect.W <= 0 || rect.H <= 0 {
		return nil, fmt.Errorf("rawframe: crop rect %+v empty after clamping", rect)
	}

	yMat, err := gocv.NewMatFromBytes(f.Height, f.Strides[0], gocv.MatTypeCV8UC1, f.Planes[0])
	if err != nil {
		return nil, fmt.Errorf("rawframe: y plane to mat: %w", err)
	}
	defer yMat.Close()

	uvMat, err := gocv.NewMatFromBytes(f.Height/2, f.Strides[1], gocv.MatTypeCV8UC1, f.Planes[1])
	if err != nil {
		return nil, fmt.Errorf("rawframe: uv plane to mat: %w", err)
	}
	defer uvMat.Close()

	yRoi := yMat.Region(image.Rect(rect.X, rect.Y, rect.X+rect.W, rect.Y+rect.H))
	defer yRoi.Close()
	uvRoi := uvMat.Region(image.Rect(rect.X, rect.Y/2, rect.X+rect.W, rect.Y/2+rect.H/2))
	defer uvRoi.Close()

	out := &media.RawVideoFrame{
		Format:     media.NV12,
		Width:      rect.W,
		Height:     rect.H,
		CapturedAt: f.CapturedAt,
	}
	out.Strides[0] = rect.W
	out.Strides[1] = rect.W
	out.Planes[0] = append([]byte(nil), yRoi.ToBytes()...)
	out.Planes[1] = append([]byte(nil), uvRoi.ToBytes()...)
	return out, nil
}

// BlankFill overwrites rect in place with neutral gray, used both for
// privacy-mask regions (spec.md §2 crop-rect privacy masking) and the
// same neutral gray NewBlankFrame produces for blank-screen mode.
func BlankFill(f *media.RawVideoFrame, rect Rect) error {
	if f.Format != media.NV12 {
		return fmt.Errorf("rawframe: BlankFill only supports NV12, got %v", f.Format)
	}
	rect = clamp(rect, f.Width, f.Height)
	rect.X &^= 1
	rect.Y &^= 1
	rect.W &^= 1
	rect.H &^= 1
	if rect.W <= 0 || rect.H <= 0 {
		return nil
	}

	for row := rect.Y; row < rect.Y+rect.H; row++ {
		start := row*f.Strides[0] + rect.X
		for i := 0; i < rect.W; i++ {
			f.Planes[0][start+i] = blankY
		}
	}
	for row := rect.Y / 2; row < (rect.Y+rect.H)/2; row++ {
		start := row*f.Strides[1] + rect.X
		for i := 0; i < rect.W; i += 2 {
			f.Planes[1][start+i] = blankU
			f.Planes[1][start+i+1] = blankV
		}
	}
	return nil
}

// NewBlankFrame builds a full-frame neutral-gray NV12 placeholder of the
// given dimensions, used as CaptureStage's output while blank-screen
// mode is on (spec.md §2), in place of reading the source device.
func NewBlankFrame(width, height int) *media.RawVideoFrame {
	f := &media.RawVideoFrame{
		Format: media.NV12,
		Width:  width,
		Height: height,
	}
	f.Strides[0] = width
	f.Strides[1] = width
	f.Planes[0] = make([]byte, width*height)
	f.Planes[1] = make([]byte, width*height/2)
	for i := range f.Planes[0] {
		f.Planes[0][i] = blankY
	}
	for i := 0; i < len(f.Planes[1]); i += 2 {
		f.Planes[1][i] = blankU
		f.Planes[1][i+1] = blankV
	}
	return f
}

// LumaVariance computes the variance of the luma plane, a cheap proxy
// for "is this frame visually different from a flat/frozen image". No
// pipeline stage calls it.
func LumaVariance(f *media.RawVideoFrame) (float64, error) {
	if len(f.Planes[0]) == 0 {
		return 0, fmt.Errorf("rawframe: empty luma plane")
	}
	mat, err := gocv.NewMatFromBytes(f.Height, f.Strides[0], gocv.MatTypeCV8UC1, f.Planes[0])
	if err != nil {
		return 0, fmt.Errorf("rawframe: y plane to mat: %w", err)
	}
	defer mat.Close()

	mean, stddev := gocv.NewMat(), gocv.NewMat()
	defer mean.Close()
	defer stddev.Close()
	gocv.MeanStdDev(mat, &mean, &stddev)

	sd := stddev.GetDoubleAt(0, 0)
	return sd * sd, nil
}
