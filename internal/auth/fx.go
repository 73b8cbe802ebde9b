package auth

import (
	"github.com/smallbiznis/tierline/internal/auth/otp"
	"github.com/smallbiznis/tierline/internal/auth/repository"
	"github.com/smallbiznis/tierline/internal/auth/service"
	"github.com/smallbiznis/tierline/internal/auth/token"
	"go.uber.org/fx"
)

var Module = fx.Module("auth.service",
	fx.Provide(repository.New),
	fx.Provide(token.NewManager),
	fx.Provide(otp.NewStore),
	fx.Provide(otp.NewManager),
	fx.Provide(service.New),
)
