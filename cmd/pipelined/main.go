// Command pipelined runs the parallel multi-agent pipeline orchestrator
// as a standalone process.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	nats "github.com/nats-io/nats.go"
	"github.com/spf13/cobra"

	"github.com/taskforge/pipeline/internal/agents"
	"github.com/taskforge/pipeline/internal/config"
	"github.com/taskforge/pipeline/internal/escalation"
	"github.com/taskforge/pipeline/internal/orchestrator"
	"github.com/taskforge/pipeline/internal/task"
	"github.com/taskforge/pipeline/internal/telemetry"
)

func bytesReader(b []byte) *bytes.Reader { return bytes.NewReader(b) }

func drain(r io.Reader) string {
	b, _ := io.ReadAll(r)
	return string(b)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "pipelined",
	Short: "Parallel multi-agent pipeline orchestrator",
	Long: `pipelined routes generated files through Dev, QA, and Ops agents,
admitting work in dependency order, caching validated results, and
escalating exhausted retries to an external planner.`,
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "path to a YAML config file")
	rootCmd.AddCommand(serveCmd, submitCmd, fixCmd, dlqCmd, canaryCmd)
	dlqCmd.AddCommand(dlqPeekCmd, dlqPurgeCmd)
	canaryCmd.AddCommand(canaryStartCmd, canaryRollbackCmd, canaryPauseCmd, canaryResumeCmd, canaryStatusCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the orchestrator and its HTTP operational surface",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("dev-agent-url", "", "HTTP endpoint for the Dev agent")
	serveCmd.Flags().String("qa-agent-url", "", "HTTP endpoint for the QA agent")
	serveCmd.Flags().String("ops-agent-url", "", "HTTP endpoint for the Ops agent")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfgFile, _ := cmd.Flags().GetString("config")
	fileCfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, promHandler := telemetry.Init(ctx, "pipelined")
	defer shutdownTelemetry(context.Background())

	escalate := escalation.Sink(escalation.NoopSink)
	if fileCfg.NATSURL != "" {
		nc, err := nats.Connect(fileCfg.NATSURL)
		if err != nil {
			return fmt.Errorf("pipelined: connect nats: %w", err)
		}
		defer nc.Close()
		escalate = escalation.NATSSink(nc, fileCfg.EscalateSubj)
	}

	httpCfg := agents.DefaultHTTPClientConfig()
	devURL, _ := cmd.Flags().GetString("dev-agent-url")
	qaURL, _ := cmd.Flags().GetString("qa-agent-url")
	opsURL, _ := cmd.Flags().GetString("ops-agent-url")

	agentSet := orchestrator.AgentSet{
		Dev: agents.NewHTTPDevAgent(devURL, httpCfg),
		QA:  agents.NewHTTPQAAgent(qaURL, httpCfg),
		Ops: agents.NewHTTPOpsAgent(opsURL, httpCfg),
	}

	orch, err := orchestrator.New(fileCfg.Build(), agentSet, escalate)
	if err != nil {
		return fmt.Errorf("pipelined: new orchestrator: %w", err)
	}
	orch.Start(ctx)

	mux := http.NewServeMux()
	mux.Handle("/", orch.Handler())
	if promHandler != nil {
		mux.Handle("/metrics", promHandler)
	}

	srv := &http.Server{Addr: fileCfg.ListenAddr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fmt.Fprintln(os.Stderr, "pipelined: http server:", err)
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	orch.Stop(context.Background(), true, 30*time.Second)
	return nil
}

var submitCmd = &cobra.Command{
	Use:   "submit <plan.json>",
	Short: "Submit a plan document to a running pipelined instance",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("addr")
		data, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		var plan task.Plan
		if err := json.Unmarshal(data, &plan); err != nil {
			return fmt.Errorf("pipelined: decode plan: %w", err)
		}
		body, _ := json.Marshal(plan)
		resp, err := http.Post(addr+"/plans", "application/json", bytesReader(body))
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		var out map[string]string
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return err
		}
		fmt.Println("plan_id:", out["plan_id"])
		return nil
	},
}

var fixCmd = &cobra.Command{
	Use:   "fix <task.json>",
	Short: "Submit a standalone fix task to a running pipelined instance",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("addr")
		data, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		resp, err := http.Post(addr+"/fix", "application/json", bytesReader(data))
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		var out map[string]string
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return err
		}
		fmt.Println("task_id:", out["task_id"])
		return nil
	},
}

var dlqCmd = &cobra.Command{
	Use:   "dlq",
	Short: "Inspect or purge the dead letter queue",
}

var dlqPeekCmd = &cobra.Command{
	Use:   "peek",
	Short: "List DLQ records from a running pipelined instance",
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("addr")
		resp, err := http.Get(addr + "/dlq")
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		_, err = fmt.Println(drain(resp.Body))
		return err
	},
}

var dlqPurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Purge every DLQ record from a running pipelined instance",
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("addr")
		resp, err := http.Post(addr+"/dlq/purge", "application/json", nil)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		_, err = fmt.Println(drain(resp.Body))
		return err
	},
}

var canaryCmd = &cobra.Command{
	Use:   "canary",
	Short: "Control progressive canary deployments on a running pipelined instance",
}

var canaryStartCmd = &cobra.Command{
	Use:   "start <deployment-id>",
	Short: "Begin a canary deployment at the default or given traffic stages",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("addr")
		stages, _ := cmd.Flags().GetIntSlice("stages")
		body, _ := json.Marshal(map[string]any{"id": args[0], "stages": stages})
		resp, err := http.Post(addr+"/canary/start", "application/json", bytesReader(body))
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		_, err = fmt.Println(drain(resp.Body))
		return err
	},
}

var canaryRollbackCmd = &cobra.Command{
	Use:   "rollback <deployment-id> <reason>",
	Short: "Abort an in-flight canary deployment",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("addr")
		body, _ := json.Marshal(map[string]string{"id": args[0], "reason": args[1]})
		resp, err := http.Post(addr+"/canary/rollback", "application/json", bytesReader(body))
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		_, err = fmt.Println(drain(resp.Body))
		return err
	},
}

var canaryPauseCmd = &cobra.Command{
	Use:   "pause <deployment-id>",
	Short: "Suspend stage advancement for a canary deployment",
	Args:  cobra.ExactArgs(1),
	RunE:  canaryPauseResumeRunE("/canary/pause"),
}

var canaryResumeCmd = &cobra.Command{
	Use:   "resume <deployment-id>",
	Short: "Resume stage advancement for a paused canary deployment",
	Args:  cobra.ExactArgs(1),
	RunE:  canaryPauseResumeRunE("/canary/resume"),
}

func canaryPauseResumeRunE(path string) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("addr")
		body, _ := json.Marshal(map[string]string{"id": args[0]})
		resp, err := http.Post(addr+path, "application/json", bytesReader(body))
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		_, err = fmt.Println(drain(resp.Body))
		return err
	}
}

var canaryStatusCmd = &cobra.Command{
	Use:   "status <deployment-id>",
	Short: "Show the current stage and health of a canary deployment",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("addr")
		resp, err := http.Get(addr + "/canary/status?id=" + args[0])
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		_, err = fmt.Println(drain(resp.Body))
		return err
	},
}

func init() {
	canaryStartCmd.Flags().IntSlice("stages", nil, "traffic percentage stages (defaults to the server's configured stages)")
	for _, c := range []*cobra.Command{submitCmd, fixCmd, dlqPeekCmd, dlqPurgeCmd, canaryStartCmd, canaryRollbackCmd, canaryPauseCmd, canaryResumeCmd, canaryStatusCmd} {
		c.Flags().String("addr", "http://localhost:9090", "pipelined HTTP address")
	}
}
