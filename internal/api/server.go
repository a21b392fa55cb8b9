package api

import (
	"context"
	"net/http"
	"os"
	"strings"

	"fieldops/internal/auth"
	"fieldops/internal/config"
	"fieldops/internal/store"
	"fieldops/internal/webhooks"
)

type Server struct {
	Store     store.Store
	Pub       *webhooks.Publisher
	Auth      *auth.Verifier
	Broker    EventBroker
	Locations *LocationCache
}

// NewServer creates a Server from the loaded configuration. If databaseUrl
// is unset, uses the in-memory store.
func NewServer(cfg config.Config) (*Server, error) {
	var s store.Store
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		s = store.NewMemory()
	} else {
		sp, err := store.NewPostgres(cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		// Run migrations (dev helper)
		if os.Getenv("DB_MIGRATE") != "false" {
			_ = sp.MigrateDir("db/migrations")
		}
		s = sp
	}
	// Broker selection
	var broker EventBroker
	if cfg.RedisURL != "" {
		if rb, err := NewRedisBroker(cfg.RedisURL); err == nil {
			broker = rb
		} else {
			broker = NewBroker()
		}
	} else {
		broker = NewBroker()
	}
	return &Server{
		Store:     s,
		Pub:       webhooks.NewPublisher(s),
		Auth:      auth.NewVerifier(cfg.AuthMode),
		Broker:    broker,
		Locations: NewLocationCache(),
	}, nil
}

func (s *Server) withTenant(r *http.Request) (context.Context, string) {
	// For now, get tenant from header; in production decode from JWT.
	tenant := r.Header.Get("X-Tenant-Id")
	if tenant == "" {
		tenant = "t_demo"
	}
	ctx := context.WithValue(r.Context(), ctxKeyTenant{}, tenant)
	return ctx, tenant
}

type ctxKeyTenant struct{}

// emit fans one lifecycle event out to SSE/WebSocket subscribers of the
// topic and to webhook subscriptions for the tenant.
func (s *Server) emit(ctx context.Context, tenant, topic, eventType string, data map[string]any) {
	s.Broker.Publish(topic, SSEEvent{Type: eventType, Data: data})
	if s.Pub != nil {
		s.Pub.Emit(ctx, tenant, eventType, data)
	}
}

// NewWebhookWorker creates a background worker for webhook deliveries.
func (s *Server) NewWebhookWorker() *webhooks.Worker {
	return webhooks.NewWorker(s.Store)
}
