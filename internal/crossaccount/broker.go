// Package crossaccount exchanges the control plane's identity for short-lived
// credentials inside a tenant account.
package crossaccount

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/cenkalti/backoff/v4"

	"tenant-provisioner/internal/awsclient"
	"tenant-provisioner/internal/logger"
	"tenant-provisioner/internal/model"
)

const (
	DefaultSessionDuration = time.Hour
	DefaultMaxAttempts     = 3
	defaultSessionPrefix   = "provisioning"
	maxSessionNameLength   = 64
)

// Credentials are temporary credentials for one tenant account.
type Credentials struct {
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	Expiry          time.Time
}

func (c Credentials) aws() aws.Credentials {
	return aws.Credentials{
		AccessKeyID:     c.AccessKeyID,
		SecretAccessKey: c.SecretAccessKey,
		SessionToken:    c.SessionToken,
		CanExpire:       true,
		Expires:         c.Expiry,
		Source:          "crossaccount",
	}
}

// CrossAccountAuthError is returned when the role in the target account cannot be assumed.
type CrossAccountAuthError struct {
	AccountID string
	RoleARN   string
	Cause     error
}

func (e *CrossAccountAuthError) Error() string {
	return fmt.Sprintf("cannot assume %s in account %s: %v", e.RoleARN, e.AccountID, e.Cause)
}

func (e *CrossAccountAuthError) Unwrap() error {
	return e.Cause
}

// Config pins the role every tenant account trusts.
type Config struct {
	Partition       string
	RoleName        string
	ExternalID      string
	SessionDuration time.Duration
	SessionPrefix   string
	MaxAttempts     int
}

// Broker assumes the cross-account role. It keeps no credentials between calls.
type Broker struct {
	sts STSClient
	cfg Config
	log *slog.Logger
	// backoff for throttled calls; replaced in tests.
	newBackOff func() backoff.BackOff
}

// STSClient is satisfied by *sts.Client.
type STSClient = awsclient.STSAPI

func NewBroker(client STSClient, cfg Config) *Broker {
	if cfg.Partition == "" {
		cfg.Partition = "aws"
	}
	if cfg.SessionDuration <= 0 {
		cfg.SessionDuration = DefaultSessionDuration
	}
	if cfg.SessionPrefix == "" {
		cfg.SessionPrefix = defaultSessionPrefix
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	return &Broker{
		sts: client,
		cfg: cfg,
		log: slog.Default().With(logger.Component("crossaccount")),
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 200 * time.Millisecond
			b.MaxInterval = 2 * time.Second
			return b
		},
	}
}

// RoleARN is the role assumed in accountID.
func (b *Broker) RoleARN(accountID string) string {
	return fmt.Sprintf("arn:%s:iam::%s:role/%s", b.cfg.Partition, accountID, b.cfg.RoleName)
}

// AssumeRole returns credentials for accountID. contextID (usually the tenant id)
// becomes part of the session name so the session is traceable in CloudTrail.
// Only throttling is retried, and only up to the configured attempt budget.
func (b *Broker) AssumeRole(ctx context.Context, accountID, contextID string) (Credentials, error) {
	roleARN := b.RoleARN(accountID)
	if !model.ValidAccountID(accountID) {
		return Credentials{}, &CrossAccountAuthError{
			AccountID: accountID,
			RoleARN:   roleARN,
			Cause:     fmt.Errorf("invalid account id"),
		}
	}

	input := &sts.AssumeRoleInput{
		RoleArn:         aws.String(roleARN),
		RoleSessionName: aws.String(SessionName(b.cfg.SessionPrefix, contextID)),
		DurationSeconds: aws.Int32(int32(b.cfg.SessionDuration / time.Second)),
	}
	if b.cfg.ExternalID != "" {
		input.ExternalId = aws.String(b.cfg.ExternalID)
	}

	var out *sts.AssumeRoleOutput
	op := func() error {
		var err error
		out, err = b.sts.AssumeRole(ctx, input)
		if err != nil && !awsclient.IsThrottling(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(b.newBackOff(), uint64(b.cfg.MaxAttempts-1)), ctx)
	notify := func(err error, wait time.Duration) {
		b.log.WarnContext(ctx, "assume role throttled",
			logger.AccountID(accountID), logger.Error(err), slog.Duration("retry_in", wait))
	}
	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		return Credentials{}, &CrossAccountAuthError{AccountID: accountID, RoleARN: roleARN, Cause: err}
	}
	if out == nil || out.Credentials == nil {
		return Credentials{}, &CrossAccountAuthError{
			AccountID: accountID,
			RoleARN:   roleARN,
			Cause:     fmt.Errorf("empty credentials in AssumeRole response"),
		}
	}

	creds := Credentials{
		AccessKeyID:     aws.ToString(out.Credentials.AccessKeyId),
		SecretAccessKey: aws.ToString(out.Credentials.SecretAccessKey),
		SessionToken:    aws.ToString(out.Credentials.SessionToken),
		Expiry:          aws.ToTime(out.Credentials.Expiration),
	}
	b.log.DebugContext(ctx, "assumed cross-account role",
		logger.AccountID(accountID), slog.String("role_arn", roleARN), slog.Time("expiry", creds.Expiry))
	return creds, nil
}

// SessionName builds an STS session name matching [\w+=,.@-]{2,64}.
func SessionName(prefix, contextID string) string {
	var sb strings.Builder
	for _, r := range prefix + "-" + contextID {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') ||
			r == '_' || r == '+' || r == '=' || r == ',' || r == '.' || r == '@' || r == '-' {
			sb.WriteRune(r)
		}
	}
	name := strings.Trim(sb.String(), "-")
	if len(name) < 2 {
		return defaultSessionPrefix
	}
	if len(name) > maxSessionNameLength {
		name = name[:maxSessionNameLength]
	}
	return name
}
