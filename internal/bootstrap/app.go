package bootstrap

import (
	"ai-browser-control/internal/ai"
	"ai-browser-control/internal/auditlog"
	"ai-browser-control/internal/browser"
	"ai-browser-control/internal/config"
	"ai-browser-control/internal/console"
	"ai-browser-control/internal/entity"
	"ai-browser-control/internal/executor"
	"ai-browser-control/internal/metrics"
	"ai-browser-control/internal/parser"
	"ai-browser-control/internal/ports"
	"ai-browser-control/internal/readiness"
	"ai-browser-control/internal/snapshot"
	"ai-browser-control/internal/usecase"
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
)

const (
	startTimeout = 2 * time.Minute
	stopTimeout  = 15 * time.Second
)

// core is the graph shared by the console and one-shot entrypoints.
func core() fx.Option {
	return fx.Options(
		fx.WithLogger(func(logger *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: logger.Named("fx").WithOptions(zap.IncreaseLevel(zap.WarnLevel))}
		}),

		fx.Provide(
			config.GetConfig,
			newLogger,
			newTraceProvider,
			newWaiter,
			newBrowser,

			asPageProvider,
			fx.Annotate(ai.NewRemoteClient, fx.As(new(ports.PlanProvider)), fx.ResultTags(`name:"remote"`)),
			fx.Annotate(ai.NewLocalClient, fx.As(new(ports.PlanProvider)), fx.ResultTags(`name:"local"`)),
			fx.Annotate(snapshot.NewSnapshotter, fx.As(new(ports.Snapshotter))),
			fx.Annotate(auditlog.New, fx.As(fx.Self()), fx.As(new(ports.AuditSink))),

			metrics.NewCollector,
			parser.NewParser,
			executor.NewExecutor,

			fx.Annotate(usecase.NewRunSession, fx.As(fx.Self()), fx.As(new(ports.AgentSession))),
		),

		fx.Invoke(
			func(*sdktrace.TracerProvider) {},
			runMetricsServer,
			manageBrowser,
		),

		fx.StartTimeout(startTimeout),
		fx.StopTimeout(stopTimeout),
	)
}

func newWaiter(config *config.Config) *readiness.Waiter {
	return readiness.NewWaiter(config.AgentConfig.PollInterval)
}

func asPageProvider(browser ports.Browser) ports.PageProvider {
	return browser
}

// newBrowser picks the page driver from BROWSER_DRIVER.
func newBrowser(params browser.Params) ports.Browser {
	if params.Config.BrowserConfig.Driver == config.DriverChromedp {
		return browser.NewCDPManager(params)
	}

	return browser.NewManager(params)
}

func NewConsoleApp(populate ...any) *fx.App {
	return fx.New(
		core(),

		fx.Provide(
			console.NewInterface,
		),

		fx.Invoke(
			runConsole,
		),

		fx.Populate(populate...),
	)
}

// RunConsole starts the interactive console and blocks until it exits or ctx ends.
func RunConsole(ctx context.Context) error {
	var consoleInterface *console.Interface

	app := NewConsoleApp(&consoleInterface)
	if err := app.Start(ctx); err != nil {
		return err
	}

	select {
	case <-consoleInterface.Done():
	case <-ctx.Done():
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), app.StopTimeout())
	defer cancel()

	return app.Stop(stopCtx)
}

// RunOnce executes a single instruction and shuts down. Ctrl+C cancels the run.
func RunOnce(ctx context.Context, instruction string) (run *entity.Run, err error) {
	var session *usecase.RunSession

	app := fx.New(core(), fx.Populate(&session))
	if err := app.Start(ctx); err != nil {
		return nil, err
	}

	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), app.StopTimeout())
		defer cancel()

		if stopErr := app.Stop(stopCtx); err == nil {
			err = stopErr
		}
	}()

	runCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	return session.Run(runCtx, instruction)
}
