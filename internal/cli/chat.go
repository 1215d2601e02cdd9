package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"

	"github.com/harun/mcpilot/internal/config"
	"github.com/harun/mcpilot/pkg/orchestrator"
	"github.com/harun/mcpilot/pkg/planner"
	"github.com/harun/mcpilot/pkg/session"
)

type chatOptions struct {
	server      string
	noPlan      bool
	yes         bool
	failFast    bool
	metricsAddr string
}

var chatOpts chatOptions

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Start an interactive session",
	Long: `Connect the enabled MCP servers and answer requests interactively.
Compound requests are split into tasks, confirmed, executed in order and summarized.

Keywords: quit or exit to leave, servers to list tools, reload to reconnect servers.
Ctrl-C cancels the current request.`,
	Args: cobra.NoArgs,
	RunE: runChat,
}

func init() {
	chatCmd.Flags().StringVarP(&chatOpts.server, "server", "s", "", "connect only this server")
	chatCmd.Flags().BoolVar(&chatOpts.noPlan, "no-plan", false, "send each request as a single turn")
	chatCmd.Flags().BoolVarP(&chatOpts.yes, "yes", "y", false, "execute planned tasks without confirmation")
	chatCmd.Flags().BoolVar(&chatOpts.failFast, "fail-fast", false, "stop a plan at the first failed task")
	chatCmd.Flags().StringVar(&chatOpts.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	rootCmd.AddCommand(chatCmd)
}

var errQuit = errors.New("quit")

func runChat(cmd *cobra.Command, args []string) error {
	eng, cleanup, err := startEngine()
	if err != nil {
		return err
	}
	defer cleanup()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	addr := chatOpts.metricsAddr
	if addr == "" {
		addr = eng.cfg.Metrics.Addr
	}
	if addr != "" {
		stop := serveMetrics(addr, eng.logger)
		defer stop()
	}

	out := cmd.OutOrStdout()
	only := chatOpts.server
	if only == "" && eng.cfg.DefaultServer != "" && !anyEnabled(eng.cfg) {
		only = eng.cfg.DefaultServer
	}
	statuses, err := eng.connect(ctx, only)
	if err != nil {
		return err
	}
	renderCatalog(out, statuses)

	c := newChat(eng, cmd.InOrStdin(), out, chatOpts)
	c.server = only

	watcher, err := config.NewWatcher(config.WatcherConfig{
		Loader: config.NewLoader(cfgFile),
		OnChange: func(_ *config.Config, err error) {
			if err == nil {
				c.configChanged.Store(true)
			}
		},
	})
	if err == nil && watcher.Start() == nil {
		defer watcher.Stop()
	}

	return c.run(ctx)
}

func anyEnabled(cfg *config.Config) bool {
	for _, server := range cfg.Servers {
		if server.Enabled {
			return true
		}
	}
	return false
}

// chat is one interactive loop over a single session at a time.
type chat struct {
	eng           *engine
	in            *bufio.Scanner
	out           io.Writer
	opts          chatOptions
	server        string
	sess          *session.Session
	configChanged atomic.Bool
}

func newChat(eng *engine, in io.Reader, out io.Writer, opts chatOptions) *chat {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	return &chat{
		eng:  eng,
		in:   scanner,
		out:  out,
		opts: opts,
		sess: eng.newSession(),
	}
}

func (c *chat) run(ctx context.Context) error {
	defer func() { c.sess.Close() }()

	for {
		if c.configChanged.Swap(false) {
			fmt.Fprintln(c.out, warnStyle.Render("Configuration changed on disk; type reload to apply it."))
		}
		fmt.Fprint(c.out, "\n> ")
		if !c.in.Scan() {
			fmt.Fprintln(c.out)
			return c.in.Err()
		}
		line := strings.TrimSpace(c.in.Text())
		if line == "" {
			continue
		}
		if err := c.handle(ctx, line); err != nil {
			if errors.Is(err, errQuit) {
				return nil
			}
			return err
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

// handle runs one line of input. Only errQuit ends the loop; request
// failures are printed and the session stays usable.
func (c *chat) handle(ctx context.Context, line string) error {
	switch strings.ToLower(line) {
	case "quit", "exit":
		return errQuit
	case "servers":
		renderCatalog(c.out, c.eng.statuses)
		return nil
	case "reload":
		c.reload(ctx)
		return nil
	}

	reqCtx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()

	if c.eng.cfg.Planner.Enabled && !c.opts.noPlan {
		c.planned(reqCtx, line)
	} else {
		c.single(reqCtx, line)
	}
	if reqCtx.Err() != nil && ctx.Err() == nil {
		fmt.Fprintln(c.out, warnStyle.Render("Request canceled."))
	}
	return nil
}

func (c *chat) single(ctx context.Context, request string, opts ...orchestrator.TurnOption) {
	result, err := c.eng.orchestrator.Turn(ctx, request, c.sess, opts...)
	renderResolutions(c.out, result.Resolutions)
	renderAnswer(c.out, result.Answer)
	if err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintln(c.out, errorStyle.Render("Error: "+err.Error()))
	}
}

func (c *chat) planned(ctx context.Context, request string) {
	fmt.Fprintln(c.out, mutedStyle.Render("Analyzing your request..."))
	tasks, err := c.eng.planner.Plan(ctx, request)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintln(c.out, errorStyle.Render("Error: "+err.Error()))
		}
		return
	}

	// A request that needs no decomposition is answered directly.
	if len(tasks) == 1 {
		c.single(ctx, request, orchestrator.WithToolHint(tasks[0].ToolHint))
		return
	}

	renderPlan(c.out, tasks)
	if c.eng.cfg.Planner.Confirm && !c.opts.yes && !c.confirm("Execute these tasks? (y/n): ") {
		fmt.Fprintln(c.out, mutedStyle.Render("Task execution canceled."))
		return
	}

	summary := c.eng.planner.Execute(ctx, tasks, c.sess, planner.ExecuteOptions{
		FailFast: c.opts.failFast || c.eng.cfg.Planner.FailFast,
		Observer: planner.ObserverFuncs{
			Started: func(task planner.Task) {
				fmt.Fprintf(c.out, "\n%s %s\n", titleStyle.Render(fmt.Sprintf("Task %d/%d:", task.Ordinal, len(tasks))), task.Description)
			},
			Finished: func(task planner.Task) {
				fmt.Fprintf(c.out, "%s %s\n", statusMark(task.Status), mutedStyle.Render(task.Duration.Round(time.Millisecond).String()))
			},
		},
	})

	fmt.Fprintln(c.out)
	renderChecklist(c.out, summary.Tasks)

	text := planner.RenderSummary(request, summary)
	if c.eng.cfg.Planner.Summarize && ctx.Err() == nil {
		fmt.Fprintln(c.out, mutedStyle.Render("Summarizing..."))
		text, err = c.eng.planner.Summarize(ctx, request, summary)
		if err != nil {
			c.eng.logger.Warn().Err(err).Msg("Summary fell back to the task list")
		}
	}
	fmt.Fprintln(c.out)
	renderAnswer(c.out, text)
}

func (c *chat) confirm(prompt string) bool {
	fmt.Fprint(c.out, "\n"+prompt)
	if !c.in.Scan() {
		return false
	}
	answer := strings.ToLower(strings.TrimSpace(c.in.Text()))
	return answer == "y" || answer == "yes"
}

// reload picks up server changes from the config file, reconnects and starts
// a new session. Other settings apply on the next start.
func (c *chat) reload(ctx context.Context) {
	cfg, err := config.Load(cfgFile)
	if err == nil {
		err = cfg.Validate()
	}
	if err != nil {
		fmt.Fprintln(c.out, errorStyle.Render("Reload failed: "+err.Error()))
		return
	}
	c.eng.cfg.Servers = cfg.Servers
	c.eng.cfg.DefaultServer = cfg.DefaultServer

	statuses, err := c.eng.reconnect(ctx, c.server)
	if err != nil {
		fmt.Fprintln(c.out, errorStyle.Render("Reload failed: "+err.Error()))
		return
	}
	c.sess.Close()
	c.sess = c.eng.newSession()
	renderCatalog(c.out, statuses)
	fmt.Fprintln(c.out, mutedStyle.Render("Started a new session."))
}
