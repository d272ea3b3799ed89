//go:build gocv

package camera

import (
	"context"
	"fmt"
	"image"
	"strconv"

	"gocv.io/x/gocv"

	"github.com/campus-energy/zonerelay/internal/logger"
)

// Available reports whether this build can open capture devices.
const Available = true

// Device captures from a V4L2 device index ("0") or a file/stream URL through OpenCV.
type Device struct {
	capture *gocv.VideoCapture
	mat     gocv.Mat
}

// OpenDevice opens the capture device and checks that it yields a frame.
func OpenDevice(id string, width, height int) (Source, error) {
	var (
		vc  *gocv.VideoCapture
		err error
	)
	if idx, convErr := strconv.Atoi(id); convErr == nil {
		vc, err = gocv.OpenVideoCapture(idx)
	} else {
		vc, err = gocv.OpenVideoCapture(id)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrCameraUnavailable, id, err)
	}
	if !vc.IsOpened() {
		vc.Close()
		return nil, fmt.Errorf("%w: %s not opened", ErrCameraUnavailable, id)
	}
	if width > 0 && height > 0 {
		vc.Set(gocv.VideoCaptureFrameWidth, float64(width))
		vc.Set(gocv.VideoCaptureFrameHeight, float64(height))
	}

	d := &Device{capture: vc, mat: gocv.NewMat()}
	if _, err := d.Capture(context.Background()); err != nil {
		d.Close()
		return nil, err
	}
	logger.Info("Camera", "opened device %s", id)
	return d, nil
}

func (d *Device) Capture(ctx context.Context) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if ok := d.capture.Read(&d.mat); !ok || d.mat.Empty() {
		return nil, fmt.Errorf("%w: read failed", ErrCameraUnavailable)
	}
	img, err := d.mat.ToImage()
	if err != nil {
		return nil, fmt.Errorf("%w: convert frame: %v", ErrCameraUnavailable, err)
	}
	return img, nil
}

func (d *Device) Close() error {
	d.mat.Close()
	return d.capture.Close()
}
