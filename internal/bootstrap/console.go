package bootstrap

import (
	"ai-browser-control/internal/console"
	"context"

	"go.uber.org/fx"
	"go.uber.org/zap"
)

func runConsole(lc fx.Lifecycle, consoleInterface *console.Interface, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			logger.Info("Starting console interface...")

			go func() {
				if err := consoleInterface.Start(context.Background()); err != nil {
					logger.Error("Console interface error", zap.Error(err))
				}
			}()

			return nil
		},
		OnStop: func(context.Context) error {
			consoleInterface.Stop()

			return nil
		},
	})
}
