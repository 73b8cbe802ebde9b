package payment

import (
	"github.com/smallbiznis/tierline/internal/payment/adapters"
	"github.com/smallbiznis/tierline/internal/payment/adapters/stripe"
	paymentdomain "github.com/smallbiznis/tierline/internal/payment/domain"
	"github.com/smallbiznis/tierline/internal/payment/repository"
	paymentservice "github.com/smallbiznis/tierline/internal/payment/service"
	"github.com/smallbiznis/tierline/internal/payment/webhook"
	"go.uber.org/fx"
)

var Module = fx.Module("payment.service",
	fx.Provide(repository.Provide),
	fx.Provide(stripe.New),
	fx.Provide(func(gateway paymentdomain.Gateway) *adapters.Registry {
		return adapters.NewRegistry(gateway)
	}),
	fx.Provide(paymentservice.NewService),
	fx.Provide(webhook.NewService),
)
