package exporter

import (
	"context"
	"fmt"
	"time"

	"github.com/VladMinzatu/yaca/internal/profiler"
	"github.com/sirupsen/logrus"
	collectorpb "go.opentelemetry.io/proto/otlp/collector/profiles/v1development"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// OTLPPusher ships drained samples to an OTLP profiles collector over gRPC.
type OTLPPusher struct {
	conn    *grpc.ClientConn
	client  collectorpb.ProfilesServiceClient
	timeout time.Duration
	logger  *logrus.Logger
	now     NowFunc
}

func NewOTLPPusher(endpoint string, timeout time.Duration, logger *logrus.Logger, opts ...grpc.DialOption) (*OTLPPusher, error) {
	if logger == nil {
		logger = logrus.New()
		logger.SetLevel(logrus.WarnLevel)
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(endpoint, opts...)
	if err != nil {
		return nil, fmt.Errorf("error creating otlp client for %s: %w", endpoint, err)
	}
	return &OTLPPusher{
		conn:    conn,
		client:  collectorpb.NewProfilesServiceClient(conn),
		timeout: timeout,
		logger:  logger,
		now:     func() uint64 { return uint64(time.Now().UnixNano()) },
	}, nil
}

// Push exports samples as one profile. Nothing is sent for an empty batch.
func (p *OTLPPusher) Push(ctx context.Context, samples []profiler.Sample) error {
	if len(samples) == 0 {
		return nil
	}
	data := BuildOtlpProfile(samples, p.now)

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	resp, err := p.client.Export(ctx, &collectorpb.ExportProfilesServiceRequest{
		ResourceProfiles: data.GetResourceProfiles(),
		Dictionary:       data.GetDictionary(),
	})
	if err != nil {
		return fmt.Errorf("otlp export failed: %w", err)
	}
	if ps := resp.GetPartialSuccess(); ps != nil && ps.GetRejectedProfiles() > 0 {
		p.logger.WithFields(logrus.Fields{
			"rejected": ps.GetRejectedProfiles(),
			"message":  ps.GetErrorMessage(),
		}).Warn("Collector rejected profiles")
	}
	p.logger.WithField("samples", len(samples)).Debug("pushed profile")
	return nil
}

func (p *OTLPPusher) Close() error {
	return p.conn.Close()
}
