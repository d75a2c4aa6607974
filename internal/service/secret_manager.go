package service

import (
	"context"
	"fmt"
	"strings"

	"pagemeter/internal/config"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/rs/zerolog"
	"google.golang.org/api/option"
)

// SecretManagerService reads deployment secrets such as the gateway API key
// and the Stripe webhook signing secret.
type SecretManagerService interface {
	// GetSecret returns the latest version of name. name is either a bare
	// secret id in the configured project or a full resource path.
	GetSecret(ctx context.Context, name string) (string, error)
	Close() error
}

type secretManagerService struct {
	client    *secretmanager.Client
	projectID string
}

func NewSecretManagerService(ctx context.Context, cfg *config.Config) (SecretManagerService, error) {
	projectID := cfg.GCPProjectID
	if projectID == "" {
		return nil, fmt.Errorf("GCP project ID is not set")
	}

	var opts []option.ClientOption
	if cfg.GCPCredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.GCPCredentialsFile))
	}
	client, err := secretmanager.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Secret Manager client: %w", err)
	}

	return &secretManagerService{
		client:    client,
		projectID: projectID,
	}, nil
}

func (s *secretManagerService) resourceName(name string) string {
	if strings.HasPrefix(name, "projects/") {
		if strings.Contains(name, "/versions/") {
			return name
		}
		return name + "/versions/latest"
	}
	return fmt.Sprintf("projects/%s/secrets/%s/versions/latest", s.projectID, name)
}

func (s *secretManagerService) GetSecret(ctx context.Context, name string) (string, error) {
	req := &secretmanagerpb.AccessSecretVersionRequest{
		Name: s.resourceName(name),
	}
	result, err := s.client.AccessSecretVersion(ctx, req)
	if err != nil {
		return "", fmt.Errorf("failed to access secret %s: %w", name, err)
	}
	return strings.TrimSpace(string(result.Payload.Data)), nil
}

func (s *secretManagerService) Close() error {
	return s.client.Close()
}

// ResolveSecrets fills secret-backed settings whose secret name is
// configured. Plain values already present in cfg take precedence.
func ResolveSecrets(ctx context.Context, cfg *config.Config, secrets SecretManagerService, logger zerolog.Logger) error {
	targets := []struct {
		name   string
		secret string
		dst    *string
	}{
		{"gateway api key", cfg.GatewayAPIKeySecret, &cfg.GatewayAPIKey},
		{"stripe webhook secret", cfg.StripeWebhookSecretSecret, &cfg.StripeWebhookSecret},
	}
	for _, t := range targets {
		if t.secret == "" || *t.dst != "" {
			continue
		}
		value, err := secrets.GetSecret(ctx, t.secret)
		if err != nil {
			return fmt.Errorf("resolving %s: %w", t.name, err)
		}
		*t.dst = value
		logger.Info().Str("secret", t.secret).Msgf("Resolved %s from Secret Manager", t.name)
	}
	return nil
}
