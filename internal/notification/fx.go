package notification

import (
	"github.com/smallbiznis/tierline/internal/notification/repository"
	"github.com/smallbiznis/tierline/internal/notification/service"
	"github.com/smallbiznis/tierline/internal/providers/email"
	"github.com/smallbiznis/tierline/internal/providers/sms"
	"go.uber.org/fx"
)

var Module = fx.Module("notification.service",
	email.Module,
	sms.Module,
	fx.Provide(repository.Provide),
	fx.Provide(service.New),
)
