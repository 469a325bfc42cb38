// Package vision binds the capture loop to OpenCV and V4L2: camera sources
// and the YuNet face geometry model.
package vision

import (
	"context"
	"image"
	"os"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gocv.io/x/gocv"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/example/moodcam/internal/face"
)

// ModelProto fields an ONNX file must carry.
const (
	onnxIRVersionField protowire.Number = 1
	onnxGraphField     protowire.Number = 7
)

// yunetColumns is the row width of a YuNet detection: box, five landmark
// pairs, score.
const yunetColumns = 15

// YuNetConfig tunes the detector.
type YuNetConfig struct {
	ModelPath      string
	ScoreThreshold float32
	NMSThreshold   float32
	TopK           int
}

// YuNetDetector loads the YuNet ONNX face model.
type YuNetDetector struct {
	cfg    YuNetConfig
	logger *zap.Logger
}

// NewYuNetDetector fills zero thresholds with the YuNet sample defaults.
func NewYuNetDetector(cfg YuNetConfig, logger *zap.Logger) *YuNetDetector {
	if cfg.ScoreThreshold <= 0 {
		cfg.ScoreThreshold = 0.8
	}
	if cfg.NMSThreshold <= 0 {
		cfg.NMSThreshold = 0.3
	}
	if cfg.TopK <= 0 {
		cfg.TopK = 50
	}
	return &YuNetDetector{cfg: cfg, logger: logger.Named("yunet")}
}

// Load reads the model weights. Any failure is a *face.ModelLoadError.
func (d *YuNetDetector) Load(ctx context.Context) (face.Model, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	info, err := os.Stat(d.cfg.ModelPath)
	if err != nil {
		return nil, &face.ModelLoadError{Path: d.cfg.ModelPath, Err: err}
	}
	if info.IsDir() || info.Size() == 0 {
		return nil, &face.ModelLoadError{Path: d.cfg.ModelPath, Err: errors.New("not a model file")}
	}
	// OpenCV aborts the process on a file it cannot parse.
	data, err := os.ReadFile(d.cfg.ModelPath)
	if err != nil {
		return nil, &face.ModelLoadError{Path: d.cfg.ModelPath, Err: err}
	}
	if err := validateONNX(data); err != nil {
		return nil, &face.ModelLoadError{Path: d.cfg.ModelPath, Err: err}
	}

	detector := gocv.NewFaceDetectorYN(d.cfg.ModelPath, "", image.Pt(320, 320))
	detector.SetScoreThreshold(d.cfg.ScoreThreshold)
	detector.SetNMSThreshold(d.cfg.NMSThreshold)
	detector.SetTopK(d.cfg.TopK)

	d.logger.Info("face model loaded", zap.String("path", d.cfg.ModelPath))
	return &yunetModel{detector: detector}, nil
}

type yunetModel struct {
	mu       sync.Mutex
	detector gocv.FaceDetectorYN
}

func (m *yunetModel) Estimate(ctx context.Context, frame face.Frame) (face.Estimate, error) {
	est := face.Estimate{Seq: frame.Seq, Width: frame.Width, Height: frame.Height}
	if err := ctx.Err(); err != nil {
		return est, err
	}

	img, err := gocv.IMDecode(frame.Data, gocv.IMReadColor)
	if err != nil {
		return est, errors.Wrap(err, "decode frame")
	}
	defer img.Close()
	if img.Empty() {
		return est, errors.New("decode frame: empty image")
	}
	est.Width, est.Height = img.Cols(), img.Rows()

	m.mu.Lock()
	defer m.mu.Unlock()

	m.detector.SetInputSize(image.Pt(img.Cols(), img.Rows()))
	faces := gocv.NewMat()
	defer faces.Close()
	m.detector.Detect(img, &faces)

	if faces.Empty() || faces.Cols() < yunetColumns {
		return est, nil
	}
	bounds := image.Rect(0, 0, est.Width, est.Height)
	for i := 0; i < faces.Rows(); i++ {
		row := make([]float32, yunetColumns)
		for j := range row {
			row[j] = faces.GetFloatAt(i, j)
		}
		if f, ok := faceFromRow(row, bounds); ok {
			est.Faces = append(est.Faces, f)
		}
	}
	return est, nil
}

func (m *yunetModel) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.detector.Close()
	return nil
}

// validateONNX walks the top-level protobuf fields of an ONNX ModelProto and
// requires an ir_version varint and a graph message.
func validateONNX(data []byte) error {
	var hasVersion, hasGraph bool
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return errors.Wrap(protowire.ParseError(n), "onnx: malformed field tag")
		}
		data = data[n:]
		n = protowire.ConsumeFieldValue(num, typ, data)
		if n < 0 {
			return errors.Wrapf(protowire.ParseError(n), "onnx: malformed field %d", num)
		}
		switch {
		case num == onnxIRVersionField && typ == protowire.VarintType:
			hasVersion = true
		case num == onnxGraphField && typ == protowire.BytesType:
			hasGraph = true
		}
		data = data[n:]
	}
	if !hasVersion || !hasGraph {
		return errors.New("onnx: missing ir_version or graph")
	}
	return nil
}

// faceFromRow converts one detection row, clipping the box to bounds.
// Rows whose box falls outside the frame are dropped.
func faceFromRow(row []float32, bounds image.Rectangle) (face.Face, bool) {
	if len(row) < yunetColumns {
		return face.Face{}, false
	}
	x, y, w, h := int(row[0]), int(row[1]), int(row[2]), int(row[3])
	if w <= 0 || h <= 0 {
		return face.Face{}, false
	}
	box := image.Rect(x, y, x+w, y+h).Intersect(bounds)
	if box.Empty() {
		return face.Face{}, false
	}
	landmarks := make([]image.Point, 0, 5)
	for i := 4; i < 14; i += 2 {
		landmarks = append(landmarks, image.Pt(int(row[i]), int(row[i+1])))
	}
	return face.Face{Box: box, Landmarks: landmarks, Score: row[14]}, true
}
