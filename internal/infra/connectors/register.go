// Package connectors registers the built-in source and destination drivers.
package connectors

import (
	"context"

	"go.uber.org/zap"

	"github.com/coachpo/fieldgate/internal/app/engine"
	"github.com/coachpo/fieldgate/internal/app/north"
	"github.com/coachpo/fieldgate/internal/app/south"
	"github.com/coachpo/fieldgate/internal/infra/connectors/north/console"
	"github.com/coachpo/fieldgate/internal/infra/connectors/north/dynamodb"
	"github.com/coachpo/fieldgate/internal/infra/connectors/north/file"
	northpg "github.com/coachpo/fieldgate/internal/infra/connectors/north/postgres"
	"github.com/coachpo/fieldgate/internal/infra/connectors/north/rest"
	northws "github.com/coachpo/fieldgate/internal/infra/connectors/north/websocket"
	"github.com/coachpo/fieldgate/internal/infra/connectors/south/fake"
	"github.com/coachpo/fieldgate/internal/infra/connectors/south/folderscanner"
	southpg "github.com/coachpo/fieldgate/internal/infra/connectors/south/postgres"
	southws "github.com/coachpo/fieldgate/internal/infra/connectors/south/websocket"
)

// NewRegistry returns a registry holding every built-in connector.
func NewRegistry() *engine.Registry {
	reg := engine.NewRegistry()
	Register(reg)
	return reg
}

// Register adds the built-in connectors to reg.
func Register(reg *engine.Registry) {
	reg.RegisterNorth(console.Type, northFactory(console.New))
	reg.RegisterNorth(file.Type, northFactory(file.New))
	reg.RegisterNorth(rest.Type, northFactory(rest.New))
	reg.RegisterNorth(northws.Type, northFactory(northws.New))
	reg.RegisterNorth(northpg.Type, northFactory(northpg.New))
	reg.RegisterNorth(dynamodb.Type, northFactory(dynamodb.New))

	reg.RegisterSouth(fake.Type, southFactory(fake.New))
	reg.RegisterSouth(folderscanner.Type, southFactory(folderscanner.New))
	reg.RegisterSouth(southpg.Type, southFactory(southpg.New))
	reg.RegisterSouth(southws.Type, southFactory(southws.New))
}

func northFactory[C north.Connector](build func(id string, options map[string]any, logger *zap.Logger) (C, error)) engine.NorthFactory {
	return func(_ context.Context, id string, options map[string]any, logger *zap.Logger) (north.Connector, error) {
		return build(id, options, logger)
	}
}

func southFactory[C south.Connector](build func(id string, options map[string]any, logger *zap.Logger) (C, error)) engine.SouthFactory {
	return func(_ context.Context, id string, options map[string]any, logger *zap.Logger) (south.Connector, error) {
		return build(id, options, logger)
	}
}
