package detector

import (
	"context"
	"fmt"
	"image"
	"os"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/campus-energy/zonerelay/internal/logger"
	"github.com/campus-energy/zonerelay/pkg/types"
)

// ONNXConfig locates a YOLOv8 ONNX export and the onnxruntime shared library.
// A zero Target means DefaultTarget.
type ONNXConfig struct {
	ModelPath   string
	LibraryPath string
	Threads     int
	Target      TargetClass
}

// ONNX runs a YOLOv8 model through onnxruntime. The session owns a single pair
// of input/output tensors, so Detect calls are serialized.
type ONNX struct {
	mu      sync.Mutex
	session *ort.AdvancedSession
	input   *ort.Tensor[float32]
	output  *ort.Tensor[float32]
	target  TargetClass
}

var ortInit struct {
	sync.Once
	err error
}

// NewONNX loads the model. Any failure is reported as ErrModelUnavailable.
func NewONNX(cfg ONNXConfig) (*ONNX, error) {
	target := cfg.Target.OrDefault()
	if target.ID < 0 || target.ID >= yoloClasses {
		return nil, fmt.Errorf("%w: target class %d outside the %d model classes", ErrModelUnavailable, target.ID, yoloClasses)
	}
	if _, err := os.Stat(cfg.ModelPath); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrModelUnavailable, err)
	}
	if _, err := os.Stat(cfg.LibraryPath); err != nil {
		return nil, fmt.Errorf("%w: onnxruntime library: %v", ErrModelUnavailable, err)
	}

	ortInit.Do(func() {
		ort.SetSharedLibraryPath(cfg.LibraryPath)
		ortInit.err = ort.InitializeEnvironment()
	})
	if ortInit.err != nil {
		return nil, fmt.Errorf("%w: initialize onnxruntime: %v", ErrModelUnavailable, ortInit.err)
	}

	input, err := ort.NewEmptyTensor[float32](ort.NewShape(1, 3, yoloInputSize, yoloInputSize))
	if err != nil {
		return nil, fmt.Errorf("%w: input tensor: %v", ErrModelUnavailable, err)
	}
	output, err := ort.NewEmptyTensor[float32](ort.NewShape(1, yoloChannels, yoloCandidates))
	if err != nil {
		input.Destroy()
		return nil, fmt.Errorf("%w: output tensor: %v", ErrModelUnavailable, err)
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		input.Destroy()
		output.Destroy()
		return nil, fmt.Errorf("%w: session options: %v", ErrModelUnavailable, err)
	}
	defer options.Destroy()
	if cfg.Threads > 0 {
		_ = options.SetIntraOpNumThreads(cfg.Threads)
	}

	session, err := ort.NewAdvancedSession(cfg.ModelPath,
		[]string{"images"}, []string{"output0"},
		[]ort.ArbitraryTensor{input}, []ort.ArbitraryTensor{output},
		options,
	)
	if err != nil {
		input.Destroy()
		output.Destroy()
		return nil, fmt.Errorf("%w: %s: %v", ErrModelUnavailable, cfg.ModelPath, err)
	}

	logger.Info("Detector", "loaded %s (target %q, class %d)", cfg.ModelPath, target.Label, target.ID)
	return &ONNX{session: session, input: input, output: output, target: target}, nil
}

func (d *ONNX) Detect(ctx context.Context, img image.Image, threshold float32) ([]types.Detection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	fillInput(img, d.input.GetData())
	if err := d.session.Run(); err != nil {
		return nil, fmt.Errorf("run inference: %w", err)
	}

	b := img.Bounds()
	dets := decodeYOLOv8(d.output.GetData(), b.Dx(), b.Dy(), threshold, d.target)
	for i := range dets {
		dets[i].Box = dets[i].Box.Add(b.Min)
	}
	return NMS(dets, nmsIoU), nil
}

func (d *ONNX) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	var err error
	if d.session != nil {
		err = d.session.Destroy()
		d.session = nil
	}
	if d.input != nil {
		d.input.Destroy()
		d.input = nil
	}
	if d.output != nil {
		d.output.Destroy()
		d.output = nil
	}
	return err
}
