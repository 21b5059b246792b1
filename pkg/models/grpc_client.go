package models

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"time"

	"github.com/MrCodeEU/facegate/pkg/utils"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/protobuf/types/known/structpb"
)

// ErrNotConnected is returned when the client has been closed
var ErrNotConnected = errors.New("inference client not connected")

// InferenceClient is a DescriptorSource backed by the external inference service
type InferenceClient struct {
	conn           *grpc.ClientConn
	health         healthpb.HealthClient
	timeout        time.Duration
	quality        int
	minScore       float32
	descriptorSize int
	dialOptions    []grpc.DialOption
}

// ClientOption configures an InferenceClient
type ClientOption func(*InferenceClient)

// WithTimeout bounds each Detect call
func WithTimeout(d time.Duration) ClientOption {
	return func(c *InferenceClient) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithMinScore drops detections below the given confidence on the service side
func WithMinScore(score float32) ClientOption {
	return func(c *InferenceClient) {
		c.minScore = score
	}
}

// WithDescriptorSize rejects responses whose descriptors have a different dimension
func WithDescriptorSize(n int) ClientOption {
	return func(c *InferenceClient) {
		c.descriptorSize = n
	}
}

// WithJPEGQuality sets the quality of the JPEG frames sent to the service
func WithJPEGQuality(q int) ClientOption {
	return func(c *InferenceClient) {
		c.quality = q
	}
}

// WithDialOptions appends gRPC dial options (e.g. a custom dialer in tests)
func WithDialOptions(opts ...grpc.DialOption) ClientOption {
	return func(c *InferenceClient) {
		c.dialOptions = append(c.dialOptions, opts...)
	}
}

// NewInferenceClient connects to the inference service and checks its health
func NewInferenceClient(ctx context.Context, address string, opts ...ClientOption) (*InferenceClient, error) {
	c := &InferenceClient{
		timeout:        10 * time.Second,
		quality:        utils.DefaultJPEGQuality,
		descriptorSize: DefaultDescriptorSize,
		dialOptions: []grpc.DialOption{
			grpc.WithTransportCredentials(insecure.NewCredentials()),
		},
	}
	for _, opt := range opts {
		opt(c)
	}

	conn, err := grpc.NewClient(address, c.dialOptions...)
	if err != nil {
		return nil, fmt.Errorf("failed to create client for inference service at %s: %w", address, err)
	}
	c.conn = conn
	c.health = healthpb.NewHealthClient(conn)

	// Check health with timeout
	hctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	resp, err := c.health.Check(hctx, &healthpb.HealthCheckRequest{Service: InferenceService})
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("health check failed: %w", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		_ = conn.Close()
		return nil, fmt.Errorf("inference service is not serving (status %s)", resp.GetStatus())
	}

	return c, nil
}

// Close closes the client connection
func (c *InferenceClient) Close() error {
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

// Detect sends the image to the inference service and returns the detected faces
func (c *InferenceClient) Detect(ctx context.Context, img image.Image) ([]Detection, error) {
	if c.conn == nil {
		return nil, ErrNotConnected
	}

	data, err := utils.EncodeJPEG(img, c.quality)
	if err != nil {
		return nil, err
	}

	bounds := img.Bounds()
	req, err := encodeDetectRequest(detectRequest{
		Image:    data,
		Format:   "jpeg",
		Width:    bounds.Dx(),
		Height:   bounds.Dy(),
		MinScore: c.minScore,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, detectMethod, req, resp); err != nil {
		return nil, fmt.Errorf("detection failed: %w", err)
	}

	detections, err := decodeDetections(resp)
	if err != nil {
		return nil, fmt.Errorf("invalid detection response: %w", err)
	}

	// Boxes are reported relative to the encoded image; shift them into frame coordinates
	for i := range detections {
		detections[i].Box.X += float64(bounds.Min.X)
		detections[i].Box.Y += float64(bounds.Min.Y)
		if c.descriptorSize > 0 && len(detections[i].Descriptor) != c.descriptorSize {
			return nil, fmt.Errorf("detection %d: %w (got %d, want %d)",
				i, ErrDimensionMismatch, len(detections[i].Descriptor), c.descriptorSize)
		}
	}

	return detections, nil
}

// detectServer is the server-side contract of the inference service
type detectServer interface {
	Detect(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

var inferenceServiceDesc = grpc.ServiceDesc{
	ServiceName: InferenceService,
	HandlerType: (*detectServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Detect",
			Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
				in := new(structpb.Struct)
				if err := dec(in); err != nil {
					return nil, err
				}
				if interceptor == nil {
					return srv.(detectServer).Detect(ctx, in)
				}
				info := &grpc.UnaryServerInfo{Server: srv, FullMethod: detectMethod}
				handler := func(ctx context.Context, req any) (any, error) {
					return srv.(detectServer).Detect(ctx, req.(*structpb.Struct))
				}
				return interceptor(ctx, in, info, handler)
			},
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "facegate/inference/v1/inference.proto",
}

// sourceServer exposes a DescriptorSource over the inference wire contract
type sourceServer struct {
	source DescriptorSource
}

func (s *sourceServer) Detect(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	in, err := decodeDetectRequest(req)
	if err != nil {
		return nil, err
	}

	img, _, err := utils.DecodeImage(bytes.NewReader(in.Image))
	if err != nil {
		return nil, err
	}

	detections, err := s.source.Detect(ctx, img)
	if err != nil {
		return nil, err
	}

	kept := detections[:0:0]
	for _, d := range detections {
		if d.Score >= in.MinScore {
			kept = append(kept, d)
		}
	}

	return encodeDetections(kept)
}

// RegisterInferenceServer serves a DescriptorSource on s using the inference wire contract.
// It lets a Go detector (or a test fake) stand in for the external model service.
func RegisterInferenceServer(s grpc.ServiceRegistrar, source DescriptorSource) {
	s.RegisterService(&inferenceServiceDesc, &sourceServer{source: source})
}
