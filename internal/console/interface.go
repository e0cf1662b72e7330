package console

import (
	"ai-browser-control/internal/config"
	"ai-browser-control/internal/entity"
	"ai-browser-control/internal/ports"
	"ai-browser-control/pkg/apperr"
	"ai-browser-control/pkg/logg"
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"

	"go.uber.org/fx"
	"go.uber.org/zap"
)

var errExit = errors.New("exit")

// Interface is the interactive host: it reads instructions from stdin and runs them
// in the background so "stop" and Ctrl+C stay responsive.
type Interface struct {
	config  *config.Config
	logger  *zap.Logger
	session ports.AgentSession
	in      io.Reader
	out     io.Writer

	mu      sync.Mutex
	sigChan chan os.Signal
	runs    sync.WaitGroup
	active  atomic.Int32
	pending atomic.Bool
	done    chan struct{}
	once    sync.Once
}

type Params struct {
	fx.In

	Config  *config.Config
	Logger  *zap.Logger
	Session ports.AgentSession
}

func NewInterface(params Params) *Interface {
	return &Interface{
		config:  params.Config,
		logger:  params.Logger.With(zap.String(logg.Layer, "Console")),
		session: params.Session,
		in:      os.Stdin,
		out:     os.Stdout,
		sigChan: make(chan os.Signal, 1),
		done:    make(chan struct{}),
	}
}

// Done is closed once the console has stopped.
func (i *Interface) Done() <-chan struct{} {
	return i.done
}

func (i *Interface) Start(ctx context.Context) error {
	i.printBanner()
	i.printHelp()

	signal.Notify(i.sigChan, os.Interrupt, syscall.SIGTERM)

	go i.watchSignals()

	scanner := bufio.NewScanner(i.in)

	for {
		select {
		case <-i.done:
			return nil
		default:
		}

		fmt.Fprint(i.out, "\n> ")

		if !scanner.Scan() {
			break
		}

		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}

		if err := i.handleCommand(ctx, input); err != nil {
			if errors.Is(err, errExit) {
				break
			}

			i.logger.Error("Command error", zap.Error(err))
			fmt.Fprintf(i.out, "Error: %v\n", err)
		}
	}

	i.Stop()

	return scanner.Err()
}

// watchSignals cancels the active run on the first interrupt and stops the console
// on the next one, or immediately when nothing is running.
func (i *Interface) watchSignals() {
	for {
		select {
		case <-i.done:
			return
		case <-i.sigChan:
		}

		if i.active.Load() > 0 && !i.pending.Load() {
			i.pending.Store(true)
			fmt.Fprintln(i.out, "\nInterrupt received, stopping the current run. Press Ctrl+C again to exit.")
			i.session.Cancel()

			continue
		}

		fmt.Fprintln(i.out, "\nInterrupt received, exiting.")
		i.Stop()

		return
	}
}

func (i *Interface) Stop() {
	i.once.Do(func() {
		i.logger.Info("Stopping console interface...")

		signal.Stop(i.sigChan)
		i.session.Cancel()
		i.runs.Wait()

		fmt.Fprintln(i.out, "Goodbye!")
		close(i.done)
	})
}

func (i *Interface) handleCommand(ctx context.Context, input string) error {
	fields := strings.Fields(input)
	command := strings.ToLower(fields[0])

	switch command {
	case "help", "h":
		i.printHelp()

		return nil
	case "exit", "quit", "q":
		fmt.Fprintln(i.out, "Shutting down...")

		return errExit
	case "stop":
		i.session.Cancel()
		fmt.Fprintln(i.out, "Stop requested.")

		return nil
	case "log":
		i.printLog()

		return nil
	case "allow", "automation":
		if len(fields) == 2 {
			return i.toggle(command, fields[1])
		}
	}

	i.executeTask(ctx, input)

	return nil
}

func (i *Interface) toggle(command, value string) error {
	var on bool

	switch strings.ToLower(value) {
	case "on":
		on = true
	case "off":
		on = false
	default:
		return apperr.InvalidReqError("toggle", command, fmt.Errorf("expected on or off, got %q", value))
	}

	if command == "allow" {
		i.session.SetAllowSensitive(on)
		fmt.Fprintf(i.out, "Sensitive clicks %s.\n", onOff(on, "allowed", "blocked"))

		return nil
	}

	i.session.SetAutomationEnabled(on)
	fmt.Fprintf(i.out, "Automation %s.\n", onOff(on, "enabled", "disabled"))

	return nil
}

func (i *Interface) executeTask(ctx context.Context, instruction string) {
	i.runs.Add(1)
	i.active.Add(1)

	go func() {
		defer i.runs.Done()
		defer func() {
			if i.active.Add(-1) == 0 {
				i.pending.Store(false)
			}
		}()

		i.runTask(ctx, instruction)
	}()
}

func (i *Interface) runTask(ctx context.Context, instruction string) {
	fmt.Fprintf(i.out, "\nStarting: %s\n", instruction)

	run, err := i.session.Run(ctx, instruction)

	i.mu.Lock()
	defer i.mu.Unlock()

	i.printRun(run, err)
}

func (i *Interface) printRun(run *entity.Run, err error) {
	fmt.Fprintln(i.out, strings.Repeat("─", 50))

	if run == nil {
		fmt.Fprintf(i.out, "Run failed: %v\n", err)

		return
	}

	for _, s := range run.Steps {
		fmt.Fprintf(i.out, "  %d. %s\n", s.Index+1, s.Summary)
	}

	switch run.State {
	case entity.RunStateCompleted:
		switch {
		case run.Question != "":
			fmt.Fprintf(i.out, "Agent asks: %s\n", run.Question)
		case run.Summary != "":
			fmt.Fprintf(i.out, "Done: %s\n", run.Summary)
		default:
			fmt.Fprintf(i.out, "Completed %d step(s).\n", len(run.Steps))
		}
	case entity.RunStateBlocked:
		fmt.Fprintf(i.out, "Blocked: the target looks sensitive (%q). Type 'allow on' to permit such clicks.\n", run.BlockedTerm)
	case entity.RunStateCancelled:
		fmt.Fprintln(i.out, "Run stopped.")
	default:
		if code := apperr.CodeOf(err); code != "" {
			fmt.Fprintf(i.out, "Run failed [%s]: %s\n", code, run.Error)
		} else {
			fmt.Fprintf(i.out, "Run failed: %s\n", run.Error)
		}
	}
}

func (i *Interface) printLog() {
	entries := i.session.Log()
	if len(entries) == 0 {
		fmt.Fprintln(i.out, "Log is empty.")

		return
	}

	for _, e := range entries {
		fmt.Fprintf(i.out, "%s [%-7s] %s\n", e.Timestamp.Format("15:04:05.000"), e.Kind, e.Message)
	}
}

func (i *Interface) printBanner() {
	fmt.Fprintln(i.out, `
╔═══════════════════════════════════════════════╗
║              AI Browser Control               ║
║   Plain-language instructions, real clicks    ║
╚═══════════════════════════════════════════════╝`)
}

func (i *Interface) printHelp() {
	fmt.Fprintf(i.out, `
Available commands:
  help, h              - Show this help message
  exit, quit, q        - Exit the application
  stop                 - Stop the current run
  log                  - Print the audit log
  allow on|off         - Allow or block sensitive clicks (now: %s)
  automation on|off    - Enable or disable automation (now: %s)

Anything else is sent to the agent as an instruction, for example:
    - open the pricing page
    - search for "usb c hub" and open the first result

Each run performs at most %d action(s) and stops at the first question or when done.
`,
		onOff(i.session.AllowSensitive(), "on", "off"),
		onOff(i.session.AutomationEnabled(), "on", "off"),
		i.config.AgentConfig.MaxActions)
}

func onOff(on bool, yes, no string) string {
	if on {
		return yes
	}

	return no
}
