package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/harun/mcpilot/pkg/orchestrator"
	"github.com/harun/mcpilot/pkg/planner"
	"github.com/harun/mcpilot/pkg/retry"
)

type askOptions struct {
	server   string
	output   string
	noPlan   bool
	failFast bool
}

var askOpts askOptions

var askCmd = &cobra.Command{
	Use:   "ask <request>",
	Short: "Answer one request and exit",
	Long: `Answer a single request without prompting. Compound requests are planned and
executed without confirmation. Use --output json or yaml for machine-readable results.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runAsk,
}

func init() {
	askCmd.Flags().StringVarP(&askOpts.server, "server", "s", "", "connect only this server")
	askCmd.Flags().StringVarP(&askOpts.output, "output", "o", "text", "output format (text, json, yaml)")
	askCmd.Flags().BoolVar(&askOpts.noPlan, "no-plan", false, "send the request as a single turn")
	askCmd.Flags().BoolVar(&askOpts.failFast, "fail-fast", false, "stop at the first failed task")
	rootCmd.AddCommand(askCmd)
}

// askResult is the machine-readable outcome of one request.
type askResult struct {
	Request   string         `json:"request" yaml:"request"`
	SessionID string         `json:"session_id" yaml:"session_id"`
	Answer    string         `json:"answer" yaml:"answer"`
	Success   bool           `json:"success" yaml:"success"`
	Tasks     []planner.Task `json:"tasks,omitempty" yaml:"tasks,omitempty"`
	ToolCalls []callRecord   `json:"tool_calls,omitempty" yaml:"tool_calls,omitempty"`
	Error     string         `json:"error,omitempty" yaml:"error,omitempty"`
}

type callRecord struct {
	Tool      string                 `json:"tool" yaml:"tool"`
	Arguments map[string]interface{} `json:"arguments" yaml:"arguments"`
	Result    retry.Result           `json:"result" yaml:"result"`
	Attempts  int                    `json:"attempts" yaml:"attempts"`
	Error     string                 `json:"error,omitempty" yaml:"error,omitempty"`
}

func runAsk(cmd *cobra.Command, args []string) error {
	format := strings.ToLower(askOpts.output)
	switch format {
	case "text", "json", "yaml":
	default:
		return fmt.Errorf("unsupported output format %q (must be: text, json, yaml)", askOpts.output)
	}

	eng, cleanup, err := startEngine()
	if err != nil {
		return err
	}
	defer cleanup()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if _, err := eng.connect(ctx, askOpts.server); err != nil {
		return err
	}

	result := ask(ctx, eng, strings.Join(args, " "), askOpts)
	return writeAskResult(cmd.OutOrStdout(), result, format)
}

// ask answers request on a fresh session. Failures are reported in the result.
func ask(ctx context.Context, eng *engine, request string, opts askOptions) askResult {
	sess := eng.newSession()
	defer sess.Close()

	result := askResult{Request: request, SessionID: sess.ID()}

	if eng.cfg.Planner.Enabled && !opts.noPlan {
		tasks, err := eng.planner.Plan(ctx, request)
		if err != nil {
			result.Error = err.Error()
			return result
		}
		if len(tasks) > 1 {
			summary := eng.planner.Execute(ctx, tasks, sess, planner.ExecuteOptions{
				FailFast: opts.failFast || eng.cfg.Planner.FailFast,
			})
			result.Tasks = summary.Tasks
			result.Success = summary.Success
			result.Answer = planner.RenderSummary(request, summary)
			if eng.cfg.Planner.Summarize {
				if text, err := eng.planner.Summarize(ctx, request, summary); err == nil {
					result.Answer = text
				}
			}
			return result
		}
		turn, err := eng.orchestrator.Turn(ctx, request, sess, orchestrator.WithToolHint(tasks[0].ToolHint))
		fillTurn(&result, turn, err)
		return result
	}

	turn, err := eng.orchestrator.Turn(ctx, request, sess)
	fillTurn(&result, turn, err)
	return result
}

func fillTurn(result *askResult, turn orchestrator.TurnResult, err error) {
	result.Answer = turn.Answer
	result.Success = err == nil && !turn.Failed()
	if err != nil {
		result.Error = err.Error()
	}
	for _, res := range turn.Resolutions {
		record := callRecord{
			Tool:      res.Call.Name,
			Arguments: res.Final.Arguments,
			Result:    res.Result,
			Attempts:  res.Invocations(),
		}
		if record.Arguments == nil {
			record.Arguments = res.Call.Arguments
		}
		if !res.Succeeded() {
			record.Error = res.Outcome.Reason
		}
		result.ToolCalls = append(result.ToolCalls, record)
	}
}

func writeAskResult(w io.Writer, result askResult, format string) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(result); err != nil {
			return err
		}
		return enc.Close()
	}

	if len(result.Tasks) > 0 {
		renderChecklist(w, result.Tasks)
		fmt.Fprintln(w)
	}
	if result.Answer != "" {
		fmt.Fprintln(w, result.Answer)
	}
	if result.Error != "" {
		return fmt.Errorf("%s", result.Error)
	}
	return nil
}
