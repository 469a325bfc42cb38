package emotion

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"strings"
)

// SubscribeEvent is the event name carried by every prediction request.
const SubscribeEvent = "localhost:subscribe"

// Request is the single message a client sends per exchange.
type Request struct {
	Event string      `json:"event"`
	Data  RequestData `json:"data"`
}

// RequestData carries the frame as a data URI and the session username.
type RequestData struct {
	Image    string `json:"image"`
	Username string `json:"username"`
}

// Response is the single message the service answers with.
type Response struct {
	Predictions map[string]float64 `json:"predictions"`
	Emotion     string             `json:"emotion"`
}

// NewRequest builds a subscribe request for one frame.
func NewRequest(image, username string) Request {
	return Request{
		Event: SubscribeEvent,
		Data:  RequestData{Image: image, Username: username},
	}
}

// DecodeRequest parses a request message. The event name is not enforced;
// the image must be a non-empty data URI.
func DecodeRequest(data []byte) (Request, error) {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return Request{}, fmt.Errorf("decode request: %w", err)
	}
	if req.Data.Image == "" {
		return Request{}, fmt.Errorf("decode request: image missing")
	}
	req.Data.Username = strings.TrimSpace(req.Data.Username)
	return req, nil
}

// EncodeResult renders a result as a response message.
func EncodeResult(r Result) ([]byte, error) {
	resp := Response{
		Predictions: make(map[string]float64, len(Labels)),
		Emotion:     r.Dominant.Key(),
	}
	for _, l := range Labels {
		resp.Predictions[l.Key()] = r.Scores[l]
	}
	return json.Marshal(resp)
}

// DecodeResponse parses and validates a response message. It requires exactly
// the seven lowercase emotion keys, each a finite probability in [0,1], and a
// dominant emotion from the same set.
func DecodeResponse(data []byte) (Result, error) {
	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if len(resp.Predictions) != len(Labels) {
		return Result{}, fmt.Errorf("%w: expected %d predictions, got %d", ErrMalformed, len(Labels), len(resp.Predictions))
	}

	scores := make(map[Label]float64, len(Labels))
	for key, score := range resp.Predictions {
		label, ok := ParseKey(key)
		if !ok {
			return Result{}, fmt.Errorf("%w: unknown emotion %q", ErrMalformed, key)
		}
		if math.IsNaN(score) || math.IsInf(score, 0) || score < 0 || score > 1 {
			return Result{}, fmt.Errorf("%w: score for %s out of range: %v", ErrMalformed, key, score)
		}
		scores[label] = score
	}

	dominant, ok := ParseKey(resp.Emotion)
	if !ok {
		return Result{}, fmt.Errorf("%w: unknown dominant emotion %q", ErrMalformed, resp.Emotion)
	}
	return Result{Scores: scores, Dominant: dominant}, nil
}

// DataURI encodes payload as a base64 data URI.
func DataURI(mimeType string, payload []byte) string {
	return "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(payload)
}

// SplitDataURI decodes a base64 data URI into its media type and payload.
func SplitDataURI(uri string) (string, []byte, error) {
	header, encoded, ok := strings.Cut(uri, ",")
	if !ok {
		return "", nil, fmt.Errorf("data uri: missing payload separator")
	}
	meta, found := strings.CutPrefix(header, "data:")
	if !found {
		return "", nil, fmt.Errorf("data uri: missing data: prefix")
	}
	mimeType, isBase64 := strings.CutSuffix(meta, ";base64")
	if !isBase64 {
		return "", nil, fmt.Errorf("data uri: only base64 payloads are supported")
	}
	payload, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", nil, fmt.Errorf("data uri: %w", err)
	}
	return mimeType, payload, nil
}
