package adapters

import (
	"strings"

	"github.com/smallbiznis/tierline/internal/payment/domain"
)

// Registry resolves the gateway addressed by the webhook route.
type Registry struct {
	gateways map[string]domain.Gateway
}

func NewRegistry(gateways ...domain.Gateway) *Registry {
	registry := &Registry{gateways: map[string]domain.Gateway{}}
	for _, gateway := range gateways {
		if gateway == nil {
			continue
		}
		provider := strings.ToLower(strings.TrimSpace(gateway.Provider()))
		if provider == "" {
			continue
		}
		registry.gateways[provider] = gateway
	}
	return registry
}

func (r *Registry) ProviderExists(provider string) bool {
	_, err := r.Gateway(provider)
	return err == nil
}

func (r *Registry) Gateway(provider string) (domain.Gateway, error) {
	if r == nil {
		return nil, domain.ErrProviderNotFound
	}
	provider = strings.ToLower(strings.TrimSpace(provider))
	gateway, ok := r.gateways[provider]
	if !ok {
		return nil, domain.ErrProviderNotFound
	}
	return gateway, nil
}
