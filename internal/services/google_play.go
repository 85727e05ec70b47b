package services

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"google.golang.org/api/androidpublisher/v3"
	"google.golang.org/api/option"
)

// ErrBillingNotConfigured is returned when no package name or service
// account credentials are available.
var ErrBillingNotConfigured = errors.New("google play billing is not configured")

type GooglePlayConfig struct {
	PackageName          string
	ServiceAccountBase64 string
	ServiceAccountFile   string
}

// GooglePlayClient talks to the Google Play Developer API for one app package.
type GooglePlayClient struct {
	svc         *androidpublisher.Service
	packageName string
}

// NewGooglePlayClient first tries base64 service-account JSON from the
// environment and falls back to a local key file.
func NewGooglePlayClient(ctx context.Context, cfg GooglePlayConfig) (*GooglePlayClient, error) {
	if cfg.PackageName == "" {
		return nil, ErrBillingNotConfigured
	}

	var opt option.ClientOption
	if cfg.ServiceAccountBase64 != "" {
		decoded, err := base64.StdEncoding.DecodeString(cfg.ServiceAccountBase64)
		if err != nil {
			return nil, fmt.Errorf("failed to decode base64 service account credentials: %w", err)
		}
		opt = option.WithCredentialsJSON(decoded)
		log.Info().Msg("Google Play: using credentials from GOOGLE_SERVICE_ACCOUNT_JSON_BASE64")
	} else {
		if _, err := os.Stat(cfg.ServiceAccountFile); err != nil {
			return nil, fmt.Errorf("%w: service account file %q not found", ErrBillingNotConfigured, cfg.ServiceAccountFile)
		}
		opt = option.WithCredentialsFile(cfg.ServiceAccountFile)
		log.Info().Str("file", cfg.ServiceAccountFile).Msg("Google Play: using credentials from local file")
	}

	return NewGooglePlayClientWithOptions(ctx, cfg.PackageName, opt, option.WithScopes(androidpublisher.AndroidpublisherScope))
}

func NewGooglePlayClientWithOptions(ctx context.Context, packageName string, opts ...option.ClientOption) (*GooglePlayClient, error) {
	svc, err := androidpublisher.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating androidpublisher service: %w", err)
	}
	return &GooglePlayClient{svc: svc, packageName: packageName}, nil
}

func (c *GooglePlayClient) GetProduct(ctx context.Context, productID, token string) (*androidpublisher.ProductPurchase, error) {
	return c.svc.Purchases.Products.Get(c.packageName, productID, token).Context(ctx).Do()
}

func (c *GooglePlayClient) AcknowledgeProduct(ctx context.Context, productID, token string) error {
	return c.svc.Purchases.Products.
		Acknowledge(c.packageName, productID, token, &androidpublisher.ProductPurchasesAcknowledgeRequest{}).
		Context(ctx).Do()
}

func (c *GooglePlayClient) GetSubscription(ctx context.Context, productID, token string) (*androidpublisher.SubscriptionPurchase, error) {
	return c.svc.Purchases.Subscriptions.Get(c.packageName, productID, token).Context(ctx).Do()
}

func (c *GooglePlayClient) AcknowledgeSubscription(ctx context.Context, productID, token string) error {
	return c.svc.Purchases.Subscriptions.
		Acknowledge(c.packageName, productID, token, &androidpublisher.SubscriptionPurchasesAcknowledgeRequest{}).
		Context(ctx).Do()
}
