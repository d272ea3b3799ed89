//go:build !gocv

package camera

import "fmt"

// Available reports whether this build can open capture devices.
const Available = false

// OpenDevice always fails in builds without the gocv tag.
func OpenDevice(id string, width, height int) (Source, error) {
	return nil, fmt.Errorf("%w: built without gocv support", ErrCameraUnavailable)
}
