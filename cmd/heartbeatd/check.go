package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/t77yq/agent-heartbeat/internal/heartbeat"
	"github.com/t77yq/agent-heartbeat/internal/inventory"
	"github.com/t77yq/agent-heartbeat/internal/model"
)

var errAgentsFailed = errors.New("one or more agents failed their heartbeat")

func newCheckCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Send one heartbeat to every inventory agent and print the result",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			if cfg.Inventory.Path == "" {
				return errors.New("no inventory configured, use --inventory")
			}
			inv, err := inventory.Load(cfg.Inventory.Path)
			if err != nil {
				return err
			}
			if err := inv.Validate(cfg.Heartbeat); err != nil {
				return err
			}

			logger := zap.NewNop()
			if cfg.Log.Development {
				if logger, err = zap.NewDevelopment(); err != nil {
					return err
				}
			}

			router, closeTransports, err := buildRouter(cfg, nil, logger)
			if err != nil {
				return err
			}
			defer closeTransports()

			results, err := runCheck(cmd.Context(), cfg.Heartbeat, router, inv, logger)
			if err != nil {
				return err
			}
			return printResults(cmd.OutOrStdout(), results)
		},
	}
}

type checkResult struct {
	agent  inventory.Agent
	record model.AgentRecord
	err    error
}

// runCheck forces one heartbeat per agent concurrently and returns the results in inventory order
func runCheck(ctx context.Context, defaults heartbeat.Config, t heartbeat.Transport, inv *inventory.Inventory, logger *zap.Logger) ([]checkResult, error) {
	monitor, err := heartbeat.New(defaults, t, logger)
	if err != nil {
		return nil, err
	}
	defer monitor.Close()

	results := make([]checkResult, len(inv.Agents))
	var wg sync.WaitGroup
	for i, agent := range inv.Agents {
		results[i].agent = agent
		if err := monitor.StartMonitoringWithConfig(agent.ID, agent.Endpoint, agent.Heartbeat); err != nil {
			results[i].err = err
			continue
		}

		wg.Add(1)
		go func(i int, agent inventory.Agent) {
			defer wg.Done()
			if _, err := monitor.ForceHeartbeat(ctx, agent.ID); err != nil {
				results[i].err = err
				return
			}
			results[i].record, results[i].err = monitor.GetStatus(agent.ID)
		}(i, agent)
	}
	wg.Wait()

	return results, nil
}

func printResults(out io.Writer, results []checkResult) error {
	green := color.New(color.FgGreen).SprintFunc()
	yellow := color.New(color.FgYellow).SprintFunc()
	red := color.New(color.FgRed).SprintFunc()
	gray := color.New(color.FgHiBlack).SprintFunc()

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "AGENT\tENDPOINT\tSTATUS\tRESPONSE\tDETAIL")

	failed := 0
	for _, r := range results {
		status := string(r.record.Status)
		detail := r.record.FailureReason
		switch {
		case r.err != nil:
			status = red("error")
			detail = r.err.Error()
			failed++
		case r.record.Status == model.AgentStatusHealthy:
			status = green(status)
		case r.record.Status == model.AgentStatusDegraded:
			status = yellow(status)
		case r.record.Status == model.AgentStatusFailed:
			status = red(status)
			failed++
		default:
			status = gray(status)
		}

		response := "-"
		if r.err == nil && r.record.Status != model.AgentStatusFailed {
			response = r.record.ResponseTime.Round(time.Millisecond).String()
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", r.agent.ID, r.agent.Endpoint, status, response, detail)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	if failed > 0 {
		fmt.Fprintf(out, "\n%s\n", red(fmt.Sprintf("%d of %d agents failed", failed, len(results))))
		return errAgentsFailed
	}
	fmt.Fprintf(out, "\n%s\n", green(fmt.Sprintf("all %d agents responded", len(results))))
	return nil
}
