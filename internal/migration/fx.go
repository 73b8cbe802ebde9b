package migration

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/tierline/internal/config"
	plandomain "github.com/smallbiznis/tierline/internal/plan/domain"
	"github.com/smallbiznis/tierline/internal/seed"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB, cfg config.Config, node *snowflake.Node, plans plandomain.Repository, log *zap.Logger) error {
		log = log.Named("migration")
		if err := Migrate(conn); err != nil {
			return err
		}

		ctx := context.Background()
		if err := seed.EnsurePlans(ctx, conn, node, plans, cfg); err != nil {
			return err
		}
		if err := seed.EnsureAdmin(ctx, conn, node, cfg.Bootstrap); err != nil {
			return err
		}
		log.Info("schema ready", zap.String("dialect", conn.Dialector.Name()))
		return nil
	}),
)
