package bootstrap

import (
	"ai-browser-control/internal/config"
	"ai-browser-control/internal/ports"
	"context"

	"go.uber.org/fx"
	"go.uber.org/zap"
)

func manageBrowser(lc fx.Lifecycle, browser ports.Browser, config *config.Config, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			logger.Info("Launching browser...", zap.String("driver", config.BrowserConfig.Driver))

			if err := browser.Launch(ctx); err != nil {
				logger.Error("Failed to launch browser", zap.Error(err))

				return err
			}

			startURL := config.AgentConfig.StartURL
			if startURL == "" {
				return nil
			}

			page, err := browser.Page(ctx)
			if err != nil {
				return err
			}

			if err := page.Navigate(ctx, startURL); err != nil {
				logger.Warn("Failed to open start URL", zap.String("url", startURL), zap.Error(err))
			}

			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("Shutting down browser...")

			if err := browser.Close(ctx); err != nil {
				logger.Error("Failed to close browser", zap.Error(err))
			}

			return nil
		},
	})
}
