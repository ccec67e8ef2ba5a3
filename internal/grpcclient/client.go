package grpcclient

import (
	"context"
	"os"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/example/banana-ripeness/internal/classifier"
	"github.com/example/banana-ripeness/internal/logging"
)

// ClassifyMethod is the unary RPC served by the classification service. It
// takes the raw image as google.protobuf.BytesValue and answers with the
// prediction document as google.protobuf.Struct.
const ClassifyMethod = "/ripeness.v1.Classifier/Classify"

// DialClassifier returns a ready-to-use gRPC classifier client.
func DialClassifier(ctx context.Context, addr string, logger *zap.Logger, opts ...grpc.DialOption) (classifier.Client, *grpc.ClientConn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithBlock(),
	}, opts...)

	conn, err := grpc.DialContext(dialCtx, addr, dialOpts...)
	if err != nil {
		wrapped := logging.NewOperationError("grpcclient.dial_classifier", "", err)
		logger.Error("failed to dial classifier", zap.Error(wrapped), zap.String("addr", addr))
		return nil, nil, wrapped
	}
	return &grpcClassifier{conn: conn, logger: logger.Named("grpc_classifier")}, conn, nil
}

type grpcClassifier struct {
	conn   grpc.ClientConnInterface
	logger *zap.Logger
}

func (g *grpcClassifier) Classify(ctx context.Context, imagePath string) (classifier.RawResponse, error) {
	image, err := os.ReadFile(imagePath)
	if err != nil {
		return nil, logging.NewOperationError("grpcclient.read_image", "", err)
	}

	resp := &structpb.Struct{}
	if err := g.conn.Invoke(ctx, ClassifyMethod, wrapperspb.Bytes(image), resp); err != nil {
		wrapped := logging.NewOperationError("grpcclient.classify", "", err)
		g.logger.Error("classifier call failed", zap.Error(wrapped), zap.String("image_path", imagePath))
		return nil, wrapped
	}

	raw, err := protojson.Marshal(resp)
	if err != nil {
		return nil, logging.NewOperationError("grpcclient.encode_response", "", err)
	}
	return classifier.RawResponse(raw), nil
}
