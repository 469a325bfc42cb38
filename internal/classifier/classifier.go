// Package classifier calls the remote emotion classifier over gRPC. Messages
// are google.protobuf.Struct values so no generated stubs are needed.
package classifier

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/example/moodcam/internal/emotion"
	"github.com/example/moodcam/internal/logging"
)

// ClassifyMethod is the full gRPC method name of the classifier.
const ClassifyMethod = "/moodcam.EmotionClassifier/Classify"

// ErrNoFace is returned when the classifier found no face in the image.
var ErrNoFace = errors.New("no face detected")

// Classifier scores the seven emotions for the first face in an image.
type Classifier interface {
	Classify(ctx context.Context, image []byte, mimeType string) (map[emotion.Label]float64, error)
}

// Dial returns a ready-to-use gRPC classifier.
func Dial(ctx context.Context, addr string, logger *zap.Logger, opts ...grpc.DialOption) (*GRPCClassifier, *grpc.ClientConn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithBlock(),
	}, opts...)
	conn, err := grpc.DialContext(dialCtx, addr, opts...)
	if err != nil {
		wrapped := logging.NewOperationError("classifier.dial", "", err)
		logger.Error("failed to dial emotion classifier", zap.Error(wrapped), zap.String("addr", addr))
		return nil, nil, wrapped
	}
	return NewGRPCClassifier(conn, logger), conn, nil
}

// GRPCClassifier calls the emotion classifier over a gRPC connection.
type GRPCClassifier struct {
	conn   grpc.ClientConnInterface
	logger *zap.Logger
}

// NewGRPCClassifier wraps an existing connection; the caller owns conn.
func NewGRPCClassifier(conn grpc.ClientConnInterface, logger *zap.Logger) *GRPCClassifier {
	return &GRPCClassifier{conn: conn, logger: logger.Named("classifier")}
}

// Classify sends {image, mime_type} and expects
// {faces: [{box: [...], emotions: {angry: .., ...}}, ...]}.
func (g *GRPCClassifier) Classify(ctx context.Context, image []byte, mimeType string) (map[emotion.Label]float64, error) {
	req, err := structpb.NewStruct(map[string]interface{}{
		"image":     base64.StdEncoding.EncodeToString(image),
		"mime_type": mimeType,
	})
	if err != nil {
		return nil, logging.NewOperationError("classifier.encode", "", err)
	}

	resp := &structpb.Struct{}
	if err := g.conn.Invoke(ctx, ClassifyMethod, req, resp); err != nil {
		wrapped := logging.NewOperationError("classifier.classify", "", err)
		g.logger.Error("classifier call failed", zap.Error(wrapped))
		return nil, wrapped
	}
	return parseScores(resp)
}

func parseScores(resp *structpb.Struct) (map[emotion.Label]float64, error) {
	faces := resp.GetFields()["faces"].GetListValue().GetValues()
	if len(faces) == 0 {
		return nil, ErrNoFace
	}
	raw := faces[0].GetStructValue().GetFields()["emotions"].GetStructValue().GetFields()
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: face without emotions", emotion.ErrMalformed)
	}

	scores := make(map[emotion.Label]float64, len(emotion.Labels))
	for key, value := range raw {
		label, ok := emotion.ParseKey(key)
		if !ok {
			return nil, fmt.Errorf("%w: unknown emotion %q", emotion.ErrMalformed, key)
		}
		if _, isNumber := value.GetKind().(*structpb.Value_NumberValue); !isNumber {
			return nil, fmt.Errorf("%w: score for %q is not a number", emotion.ErrMalformed, key)
		}
		scores[label] = value.GetNumberValue()
	}
	for _, l := range emotion.Labels {
		if _, ok := scores[l]; !ok {
			return nil, fmt.Errorf("%w: missing emotion %q", emotion.ErrMalformed, l.Key())
		}
	}
	return scores, nil
}
