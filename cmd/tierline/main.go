package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/tierline/internal/clock"
	"github.com/smallbiznis/tierline/internal/config"
	"github.com/smallbiznis/tierline/internal/migration"
	"github.com/smallbiznis/tierline/internal/observability"
	"github.com/smallbiznis/tierline/internal/scheduler"
	"github.com/smallbiznis/tierline/internal/server"
	"github.com/smallbiznis/tierline/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		// Core infrastructure
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		migration.Module,

		// HTTP API and background jobs
		server.Module,
		scheduler.Module,
	)
	app.Run()
}

func RegisterSnowflake(cfg config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.NodeID)
}
