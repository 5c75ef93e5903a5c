package exchange

import (
	"context"
	"testing"

	"github.com/google/uuid"

	"dca_engine/internal/config"
	"dca_engine/internal/core"
	"dca_engine/pkg/logging"
)

type stubUserStore struct {
	credCalls int
	credErr   error
}

func (s *stubUserStore) GetUser(ctx context.Context, id uuid.UUID) (*core.User, error) {
	return &core.User{ID: id, Active: true}, nil
}

func (s *stubUserStore) ListActiveUsers(ctx context.Context) ([]*core.User, error) {
	return nil, nil
}

func (s *stubUserStore) GetCredential(ctx context.Context, userID uuid.UUID, exchange string) (*core.ExchangeCredential, error) {
	s.credCalls++
	if s.credErr != nil {
		return nil, s.credErr
	}
	return &core.ExchangeCredential{UserID: userID, Exchange: exchange, APIKey: "k", APISecret: "s"}, nil
}

func TestNewConnectorKnownVenues(t *testing.T) {
	logger, _ := logging.NewZapLogger("INFO")

	for _, name := range []string{"binance", "bybit", "mock"} {
		conn, err := NewConnector(name, "k", "s", "", logger)
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		if conn.Name() == "" {
			t.Errorf("%s: empty connector name", name)
		}
	}

	if _, err := NewConnector("kraken", "k", "s", "", logger); err == nil {
		t.Error("expected error for unsupported venue")
	}
}

func TestProviderCachesPerUserAndExchange(t *testing.T) {
	logger, _ := logging.NewZapLogger("INFO")
	users := &stubUserStore{}
	provider := NewProvider(users, map[string]config.ExchangeConfig{}, logger)

	userA := uuid.New()
	userB := uuid.New()
	ctx := context.Background()

	first, err := provider.ConnectorFor(ctx, userA, "mock")
	if err != nil {
		t.Fatalf("ConnectorFor failed: %v", err)
	}
	second, err := provider.ConnectorFor(ctx, userA, "mock")
	if err != nil {
		t.Fatalf("ConnectorFor failed: %v", err)
	}
	if first != second {
		t.Error("expected cached connector for same user+exchange")
	}
	if users.credCalls != 1 {
		t.Errorf("expected 1 credential read, got %d", users.credCalls)
	}

	if _, err := provider.ConnectorFor(ctx, userB, "mock"); err != nil {
		t.Fatalf("ConnectorFor failed: %v", err)
	}
	if users.credCalls != 2 {
		t.Errorf("expected separate credential read per user, got %d", users.credCalls)
	}

	provider.Evict(userA, "mock")
	if _, err := provider.ConnectorFor(ctx, userA, "mock"); err != nil {
		t.Fatalf("ConnectorFor after evict failed: %v", err)
	}
	if users.credCalls != 3 {
		t.Errorf("expected credential re-read after evict, got %d", users.credCalls)
	}
}
