package classifier

import (
	"context"
	"encoding/base64"
	"errors"
	"net"
	"testing"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/example/moodcam/internal/emotion"
)

// startClassifier serves ClassifyMethod with respond over an in-memory listener.
func startClassifier(t *testing.T, respond func(req *structpb.Struct) (*structpb.Struct, error)) *GRPCClassifier {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer(grpc.UnknownServiceHandler(func(_ interface{}, stream grpc.ServerStream) error {
		method, _ := grpc.MethodFromServerStream(stream)
		if method != ClassifyMethod {
			return status.Errorf(codes.Unimplemented, "unknown method %s", method)
		}
		req := &structpb.Struct{}
		if err := stream.RecvMsg(req); err != nil {
			return err
		}
		resp, err := respond(req)
		if err != nil {
			return err
		}
		return stream.SendMsg(resp)
	}))
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	client, conn, err := Dial(context.Background(), "bufnet", zap.NewNop(),
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return client
}

func faceResponse(t *testing.T, emotions map[string]interface{}) *structpb.Struct {
	t.Helper()
	resp, err := structpb.NewStruct(map[string]interface{}{
		"faces": []interface{}{
			map[string]interface{}{
				"box":      []interface{}{10, 10, 30, 30},
				"emotions": emotions,
			},
		},
	})
	if err != nil {
		t.Fatalf("build response: %v", err)
	}
	return resp
}

func sevenScores() map[string]interface{} {
	return map[string]interface{}{
		"angry": 0.01, "neutral": 0.10, "happy": 0.82, "fear": 0.02,
		"surprise": 0.03, "sad": 0.01, "disgust": 0.01,
	}
}

func TestClassifyReturnsScores(t *testing.T) {
	var gotImage, gotMIME string
	client := startClassifier(t, func(req *structpb.Struct) (*structpb.Struct, error) {
		gotImage = req.GetFields()["image"].GetStringValue()
		gotMIME = req.GetFields()["mime_type"].GetStringValue()
		return faceResponse(t, sevenScores()), nil
	})

	scores, err := client.Classify(context.Background(), []byte{1, 2, 3}, "image/jpeg")
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	if scores[emotion.Happy] != 0.82 || len(scores) != 7 {
		t.Fatalf("unexpected scores %v", scores)
	}
	if gotImage != base64.StdEncoding.EncodeToString([]byte{1, 2, 3}) || gotMIME != "image/jpeg" {
		t.Fatalf("unexpected request %q %q", gotImage, gotMIME)
	}
}

func TestClassifyNoFace(t *testing.T) {
	client := startClassifier(t, func(req *structpb.Struct) (*structpb.Struct, error) {
		return structpb.NewStruct(map[string]interface{}{"faces": []interface{}{}})
	})
	if _, err := client.Classify(context.Background(), []byte{1}, "image/jpeg"); !errors.Is(err, ErrNoFace) {
		t.Fatalf("expected ErrNoFace, got %v", err)
	}
}

func TestClassifyRejectsUnknownEmotion(t *testing.T) {
	scores := sevenScores()
	scores["contempt"] = 0.5
	client := startClassifier(t, func(req *structpb.Struct) (*structpb.Struct, error) {
		return faceResponse(t, scores), nil
	})
	if _, err := client.Classify(context.Background(), []byte{1}, "image/jpeg"); !errors.Is(err, emotion.ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}

func TestClassifyRejectsMissingEmotion(t *testing.T) {
	scores := sevenScores()
	delete(scores, "sad")
	client := startClassifier(t, func(req *structpb.Struct) (*structpb.Struct, error) {
		return faceResponse(t, scores), nil
	})
	if _, err := client.Classify(context.Background(), []byte{1}, "image/jpeg"); !errors.Is(err, emotion.ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}

func TestClassifyPropagatesRPCError(t *testing.T) {
	client := startClassifier(t, func(req *structpb.Struct) (*structpb.Struct, error) {
		return nil, status.Error(codes.Unavailable, "model warming up")
	})
	_, err := client.Classify(context.Background(), []byte{1}, "image/jpeg")
	if status.Code(errors.Unwrap(err)) != codes.Unavailable {
		t.Fatalf("expected Unavailable, got %v", err)
	}
}
