package localmodel

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"image/png"
	"time"

	"github.com/nfnt/resize"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/example/deepfake-detector/internal/logging"
)

const (
	// InferMethod is the unary method a sidecar must serve. Requests and
	// replies are google.protobuf.Struct messages.
	InferMethod = "/deepfake.v1.Classifier/Infer"

	// grpcMaxSide bounds the longest side of the image sent to a sidecar.
	grpcMaxSide = 512
)

// GRPCMember delegates inference to an out-of-process model server.
type GRPCMember struct {
	name   string
	conn   grpc.ClientConnInterface
	closer func() error
	logger *zap.Logger
}

// DialGRPCMember connects to the sidecar at addr.
func DialGRPCMember(ctx context.Context, name, addr string, logger *zap.Logger, opts ...grpc.DialOption) (*GRPCMember, error) {
	if addr == "" {
		return nil, fmt.Errorf("%w: no address for %s", ErrModelUnavailable, name)
	}
	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithBlock(),
	}, opts...)
	conn, err := grpc.DialContext(dialCtx, addr, dialOpts...)
	if err != nil {
		wrapped := logging.NewKindError(logging.KindTransport, "localmodel.dial_grpc_member", "", err)
		logger.Error("failed to dial member model", zap.Error(wrapped), zap.String("member", name), zap.String("addr", addr))
		return nil, wrapped
	}
	member := NewGRPCMember(name, conn, logger)
	member.closer = conn.Close
	return member, nil
}

// NewGRPCMember wraps an existing connection.
func NewGRPCMember(name string, conn grpc.ClientConnInterface, logger *zap.Logger) *GRPCMember {
	return &GRPCMember{name: name, conn: conn, logger: logger}
}

// Name implements Member.
func (g *GRPCMember) Name() string { return g.name }

// Infer implements Member.
func (g *GRPCMember) Infer(ctx context.Context, in Input) (Prediction, error) {
	if in.Image == nil {
		return Prediction{}, fmt.Errorf("%s: no decoded image", g.name)
	}

	img := resize.Thumbnail(grpcMaxSide, grpcMaxSide, in.Image, resize.Bilinear)
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return Prediction{}, fmt.Errorf("%s: encode image: %w", g.name, err)
	}
	bounds := img.Bounds()

	req, err := structpb.NewStruct(map[string]any{
		"model":     g.name,
		"image_png": base64.StdEncoding.EncodeToString(buf.Bytes()),
		"width":     bounds.Dx(),
		"height":    bounds.Dy(),
	})
	if err != nil {
		return Prediction{}, fmt.Errorf("%s: build request: %w", g.name, err)
	}

	reply := &structpb.Struct{}
	if err := g.conn.Invoke(ctx, InferMethod, req, reply); err != nil {
		return Prediction{}, logging.NewKindError(logging.KindTransport, "localmodel.grpc_infer", "", err)
	}
	return predictionFromStruct(reply)
}

// Close implements io.Closer.
func (g *GRPCMember) Close() error {
	if g.closer == nil {
		return nil
	}
	return g.closer()
}

func predictionFromStruct(reply *structpb.Struct) (Prediction, error) {
	fields := reply.GetFields()
	pred := Prediction{Label: fields["label"].GetStringValue()}
	if value, ok := fields["confidence"]; ok {
		if _, isNumber := value.GetKind().(*structpb.Value_NumberValue); isNumber {
			pred.Confidence = confidence(value.GetNumberValue())
		}
	}
	raw, err := protojson.Marshal(reply)
	if err != nil {
		return Prediction{}, fmt.Errorf("encode reply: %w", err)
	}
	pred.Raw = raw
	return pred, nil
}
