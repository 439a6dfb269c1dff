// Copyright (C) 2025 CardinalHQ, Inc
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

// Package awsclient builds the authenticated S3 client used for every
// upload of a run.
package awsclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"go.opentelemetry.io/contrib/instrumentation/github.com/aws/aws-sdk-go-v2/otelaws"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/cardinalhq/target-s3-json/internal/retry"
)

// DefaultRegion is used when neither the settings nor the SDK's own
// resolution chain name a region.
const DefaultRegion = "us-east-1"

// STSAPI is the subset of the STS client used for role assumption.
type STSAPI interface {
	AssumeRole(ctx context.Context, in *sts.AssumeRoleInput, optFns ...func(*sts.Options)) (*sts.AssumeRoleOutput, error)
}

type S3Client struct {
	Client   *s3.Client
	Uploader *manager.Uploader
	Tracer   trace.Tracer
	Mode     AuthMode
	RoleName string
}

// Manager resolves credentials once and hands out the same client for the
// rest of the process. Assumed-role credentials are never refreshed.
type Manager struct {
	retry  retry.Policy
	newSTS func(cfg aws.Config, endpointURL string) STSAPI
	tracer trace.Tracer
	logger *slog.Logger

	sync.Mutex
	client *S3Client
}

// ManagerOption is a functional option for configuring the Manager.
type ManagerOption func(*Manager)

func WithRetryPolicy(p retry.Policy) ManagerOption {
	return func(mgr *Manager) {
		mgr.retry = p
	}
}

// WithSTSClientFactory replaces how the STS client used for role
// assumption is built.
func WithSTSClientFactory(f func(cfg aws.Config, endpointURL string) STSAPI) ManagerOption {
	return func(mgr *Manager) {
		mgr.newSTS = f
	}
}

func WithLogger(logger *slog.Logger) ManagerOption {
	return func(mgr *Manager) {
		mgr.logger = logger
	}
}

func NewManager(opts ...ManagerOption) *Manager {
	mgr := &Manager{
		retry:  retry.Default(),
		newSTS: newSTSClient,
		tracer: otel.Tracer("github.com/cardinalhq/target-s3-json/internal/awsclient"),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(mgr)
	}
	return mgr
}

func newSTSClient(cfg aws.Config, endpointURL string) STSAPI {
	return sts.NewFromConfig(cfg, func(o *sts.Options) {
		if endpointURL != "" {
			o.BaseEndpoint = aws.String(endpointURL)
		}
	})
}

// GetS3 returns the cached client, resolving it under the retry policy the
// first time. Later calls ignore s.
func (m *Manager) GetS3(ctx context.Context, s Settings) (*S3Client, error) {
	m.Lock()
	defer m.Unlock()
	if m.client != nil {
		return m.client, nil
	}

	client, err := retry.DoValue(ctx, m.retry.Named("resolve credentials"), func(ctx context.Context) (*S3Client, error) {
		return m.resolve(ctx, s)
	})
	if err != nil {
		return nil, fmt.Errorf("create s3 session: %w", err)
	}
	m.logger.Info("Created s3 session",
		slog.String("auth", client.Mode.String()),
		slog.String("role", client.RoleName))
	m.client = client
	return client, nil
}

func (m *Manager) resolve(ctx context.Context, s Settings) (*S3Client, error) {
	cfg, err := loadBaseConfig(ctx, s)
	if err != nil {
		return nil, err
	}

	roleName := ""
	if s.RoleARN != "" {
		roleName = RoleName(s.RoleARN)
		creds, err := m.assumeRole(ctx, cfg, s)
		if err != nil {
			return nil, err
		}
		cfg.Credentials = aws.NewCredentialsCache(creds)
		m.logger.Info("Creating s3 session with role", slog.String("role", roleName))
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if s.EndpointURL != "" {
			o.BaseEndpoint = aws.String(s.EndpointURL)
			o.UsePathStyle = true
		}
	})

	return &S3Client{
		Client:   client,
		Uploader: manager.NewUploader(client),
		Tracer:   m.tracer,
		Mode:     s.Mode(),
		RoleName: roleName,
	}, nil
}

func (m *Manager) assumeRole(ctx context.Context, cfg aws.Config, s Settings) (aws.CredentialsProvider, error) {
	out, err := m.newSTS(cfg, s.EndpointURL).AssumeRole(ctx, &sts.AssumeRoleInput{
		RoleArn:         aws.String(s.RoleARN),
		RoleSessionName: aws.String(RoleSessionName(s.RoleARN, s.Profile)),
	})
	if err != nil {
		return nil, fmt.Errorf("assume role %s: %w", s.RoleARN, err)
	}
	if out.Credentials == nil {
		return nil, errors.New("assume role returned no credentials")
	}
	c := out.Credentials
	return credentials.NewStaticCredentialsProvider(
		aws.ToString(c.AccessKeyId),
		aws.ToString(c.SecretAccessKey),
		aws.ToString(c.SessionToken),
	), nil
}

func loadBaseConfig(ctx context.Context, s Settings) (aws.Config, error) {
	var opts []func(*config.LoadOptions) error
	if s.Region != "" {
		opts = append(opts, config.WithRegion(s.Region))
	}
	switch s.Mode() {
	case AuthStatic:
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(s.AccessKeyID, s.SecretAccessKey, s.SessionToken)))
	case AuthProfile:
		opts = append(opts, config.WithSharedConfigProfile(s.Profile))
	}
	if !s.Proxy.Empty() {
		opts = append(opts, config.WithHTTPClient(newHTTPClient(s.Proxy)))
	}

	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("loading AWS config: %w", err)
	}
	if cfg.Region == "" {
		cfg.Region = DefaultRegion
	}
	otelaws.AppendMiddlewares(&cfg.APIOptions)
	return cfg, nil
}

func newHTTPClient(p ProxySettings) *awshttp.BuildableClient {
	return awshttp.NewBuildableClient().WithTransportOptions(func(tr *http.Transport) {
		tr.Proxy = p.ProxyFunc()
	})
}
