package crossaccount

import (
	"context"

	"tenant-provisioner/internal/awsclient"
)

// Assumer is implemented by Broker.
type Assumer interface {
	AssumeRole(ctx context.Context, accountID, contextID string) (Credentials, error)
}

// Session pairs the broker with a client builder so callers get a ready bundle
// scoped to one tenant account. Nothing is cached: every call assumes the role again.
type Session struct {
	assumer Assumer
	builder awsclient.Builder
}

func NewSession(assumer Assumer, builder awsclient.Builder) *Session {
	return &Session{assumer: assumer, builder: builder}
}

func (s *Session) Clients(ctx context.Context, accountID, contextID string) (*awsclient.Bundle, error) {
	creds, err := s.assumer.AssumeRole(ctx, accountID, contextID)
	if err != nil {
		return nil, err
	}
	return s.builder.Build(creds.aws()), nil
}

// ClientSource hands out client bundles for tenant accounts.
type ClientSource interface {
	Clients(ctx context.Context, accountID, contextID string) (*awsclient.Bundle, error)
}
