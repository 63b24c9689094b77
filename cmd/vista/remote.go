package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"vista/internal/domain"
	"vista/internal/repo"
	vistasdk "vista/sdk/go"
)

func newClient() *vistasdk.Client {
	c := vistasdk.New(viper.GetString("server"))
	c.BasePath = viper.GetString("base-path")
	c.BearerToken = viper.GetString("token")
	return c
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show controller, monitor and rule engine status",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := newClient().Status(cmd.Context())
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(st)
			}
			fmt.Printf("State: %s\n", st.Controller.State)
			if t := st.Controller.Task; t != nil {
				fmt.Printf("Current task: %s %q [%s] %.0f%%\n", t.ID, t.Name, t.Status, t.Progress*100)
			} else {
				fmt.Println("Current task: none")
			}
			fmt.Printf("Queue: %d pending, %d archived\n", st.Controller.QueueDepth, st.Controller.Archived)
			fmt.Printf("Monitor: running=%t alerts=%d unacknowledged=%d dropped=%d\n",
				st.Monitor.IsMonitoring, st.Monitor.AlertsCount, st.Monitor.UnacknowledgedAlerts, st.Monitor.DroppedAlerts)
			fmt.Printf("Rules: enabled=%t count=%d\n", st.Rules.Enabled, st.Rules.RulesCount)
			return nil
		},
	}
}

func taskCmd() *cobra.Command {
	t := &cobra.Command{Use: "task", Short: "Plan, run and control tasks"}
	t.AddCommand(taskPlanCmd())
	t.AddCommand(taskListCmd())
	t.AddCommand(taskShowCmd())
	t.AddCommand(taskStatusCmd())
	t.AddCommand(taskExecuteCmd())
	t.AddCommand(taskControlCmd())
	return t
}

func taskPlanCmd() *cobra.Command {
	var req vistasdk.PlanRequest
	var actions []string
	var execute bool
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Plan a task from actions or a recent decision",
		Long:  "Each --action becomes one step, in order. Use action:seconds to set the estimated duration. Without --action, --decision-id plans from that decision.",
		RunE: func(cmd *cobra.Command, args []string) error {
			plans, err := parseActions(actions)
			if err != nil {
				return err
			}
			req.Plans = plans
			c := newClient()
			task, err := c.PlanTask(cmd.Context(), req)
			if err != nil {
				return err
			}
			if execute {
				if _, err := c.Execute(cmd.Context(), task.ID); err != nil {
					return err
				}
			}
			if viper.GetBool("json") {
				return printJSON(task)
			}
			printTask(task)
			return nil
		},
	}
	cmd.Flags().StringVar(&req.Name, "name", "", "task name")
	cmd.Flags().StringVar(&req.Type, "type", "", "task type")
	cmd.Flags().StringVar(&req.Priority, "priority", "", "low, medium, high or critical")
	cmd.Flags().StringVar(&req.Description, "description", "", "description")
	cmd.Flags().StringVar(&req.DecisionID, "decision-id", "", "plan from this decision")
	cmd.Flags().Float64Var(&req.Timeout, "timeout", 0, "task timeout in seconds")
	cmd.Flags().StringArrayVar(&actions, "action", nil, "step action (repeatable, action[:seconds])")
	cmd.Flags().BoolVar(&execute, "execute", false, "execute right after planning")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func taskListCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List queued and recently finished tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			pending, finished, err := newClient().Tasks(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"pending": pending, "finished": finished})
			}
			tw := newTable("ID", "Name", "Status", "Progress", "Steps")
			for _, t := range append(pending, finished...) {
				tw.AppendRow(table.Row{t.ID, t.Name, t.Status, percent(t.Progress), len(t.Steps)})
			}
			tw.Render()
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "max finished tasks")
	return cmd
}

func taskShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <task-id>",
		Short: "Show a task with its steps",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			task, err := newClient().Task(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(task)
			}
			printTask(task)
			return nil
		},
	}
}

func taskStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <task-id>",
		Short: "Show task progress",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := newClient().TaskStatus(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(st)
			}
			fmt.Printf("%s [%s] %s\n", st.TaskID, st.Status, percent(st.Progress))
			if st.Error != "" {
				fmt.Println("error:", st.Error)
			}
			return nil
		},
	}
}

func taskExecuteCmd() *cobra.Command {
	var wait time.Duration
	cmd := &cobra.Command{
		Use:   "execute <task-id>",
		Short: "Execute a planned task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := newClient()
			st, err := c.Execute(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if wait > 0 {
				if st, err = waitForTask(cmd.Context(), c, args[0], wait); err != nil {
					return err
				}
			}
			if viper.GetBool("json") {
				return printJSON(st)
			}
			fmt.Printf("%s [%s] %s\n", st.TaskID, st.Status, percent(st.Progress))
			return nil
		},
	}
	cmd.Flags().DurationVar(&wait, "wait", 0, "poll until the task finishes or the duration passes")
	return cmd
}

func taskControlCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "control <task-id> <pause|resume|cancel>",
		Short:     "Pause, resume or cancel a task",
		Args:      cobra.ExactArgs(2),
		ValidArgs: []string{"pause", "resume", "cancel"},
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := newClient().Control(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(res)
			}
			fmt.Printf("%s %s: %s (state %s)\n", res.TaskID, res.Action, res.Result, res.State)
			return nil
		},
	}
}

func decideCmd() *cobra.Command {
	var scene vistasdk.Scene
	var decisionType string
	var elements, readings []string
	cmd := &cobra.Command{
		Use:   "decide",
		Short: "Ask the decision maker for action plans",
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, e := range elements {
				scene.Elements = append(scene.Elements, map[string]any{"element_type": e})
			}
			values, err := parseReadings(readings)
			if err != nil {
				return err
			}
			d, err := newClient().MakeDecision(cmd.Context(), scene, decisionType, values)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(d)
			}
			fmt.Printf("Decision %s (%s) confidence %.2f\n", d.ID, d.DecisionType, d.Confidence)
			tw := newTable("Action", "Priority", "Duration", "Rule")
			for _, p := range d.ActionPlans {
				tw.AppendRow(table.Row{p.ActionType, p.Priority, p.EstimatedDuration, p.RuleID})
			}
			tw.Render()
			for _, r := range d.Reasoning {
				fmt.Println("-", r)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&scene.Type, "scene-type", "", "scene type")
	cmd.Flags().StringVar(&scene.Description, "description", "", "scene description")
	cmd.Flags().Float64Var(&scene.Confidence, "confidence", 0, "scene confidence")
	cmd.Flags().StringVar(&decisionType, "type", "", "navigation, interaction, safety or assistance")
	cmd.Flags().StringArrayVar(&elements, "element", nil, "scene element type (repeatable)")
	cmd.Flags().StringArrayVar(&readings, "reading", nil, "metric reading name=value (repeatable)")
	return cmd
}

func metricsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "metrics",
		Short: "Show the latest system metrics",
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := newClient().Metrics(cmd.Context())
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(m)
			}
			tw := newTable("Metric", "Value")
			for _, row := range []struct {
				name string
				v    *float64
			}{
				{"cpu_usage", m.CPUUsage},
				{"memory_usage", m.MemoryUsage},
				{"battery_level", m.BatteryLevel},
				{"network_latency", m.NetworkLatency},
				{"error_rate", m.ErrorRate},
			} {
				if row.v != nil {
					tw.AppendRow(table.Row{row.name, *row.v})
				}
			}
			tw.Render()
			return nil
		},
	}
}

func alertsCmd() *cobra.Command {
	var limit int
	var level string
	cmd := &cobra.Command{
		Use:   "alerts",
		Short: "List retained alerts",
		RunE: func(cmd *cobra.Command, args []string) error {
			items, err := newClient().Alerts(cmd.Context(), limit, level)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(items)
			}
			tw := newTable("Time", "Level", "Source", "Message", "Ack")
			for _, a := range items {
				tw.AppendRow(table.Row{a.Timestamp.Format(time.RFC3339), a.Level, a.Source, a.Message, a.Acknowledged})
			}
			tw.Render()
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "max alerts")
	cmd.Flags().StringVar(&level, "level", "", "level filter")
	return cmd
}

func monitorCmd() *cobra.Command {
	m := &cobra.Command{Use: "monitor", Short: "Start or stop the execution monitor"}
	for _, name := range []string{"start", "stop"} {
		m.AddCommand(&cobra.Command{
			Use:   name,
			Short: strings.ToUpper(name[:1]) + name[1:] + " the monitoring loop",
			RunE: func(cmd *cobra.Command, args []string) error {
				c := newClient()
				toggle := c.StartMonitor
				if cmd.Name() == "stop" {
					toggle = c.StopMonitor
				}
				changed, err := toggle(cmd.Context())
				if err != nil {
					return err
				}
				if !changed {
					fmt.Println("monitor already", map[string]string{"start": "running", "stop": "stopped"}[cmd.Name()])
					return nil
				}
				fmt.Println("ok")
				return nil
			},
		})
	}
	return m
}

func remoteRules(ctx context.Context) error {
	list, err := newClient().Rules(ctx)
	if err != nil {
		return err
	}
	if viper.GetBool("json") {
		return printJSON(list)
	}
	tw := newTable("ID", "Action", "Priority", "Description")
	for _, r := range list.Rules {
		tw.AppendRow(table.Row{r.ID, r.Action, r.Priority, r.Description})
	}
	tw.Render()
	return nil
}

func remoteEvents(ctx context.Context, f repo.EventFilters) error {
	page, err := newClient().Events(ctx, vistasdk.EventsQuery{
		Type:       f.Type,
		EntityKind: f.EntityKind,
		EntityID:   f.EntityID,
		Limit:      f.Limit,
	})
	if err != nil {
		return err
	}
	items := make([]domain.Event, 0, len(page.Items))
	for _, e := range page.Items {
		items = append(items, domain.Event(e))
	}
	return printEvents(items)
}

func printEvents(items []domain.Event) error {
	if viper.GetBool("json") {
		return printJSON(items)
	}
	tw := newTable("ID", "Time", "Type", "Entity", "Payload")
	for _, e := range items {
		entity := e.EntityKind
		if e.EntityID != "" {
			entity += "/" + e.EntityID
		}
		tw.AppendRow(table.Row{e.ID, e.TS, e.Type, entity, e.Payload})
	}
	tw.Render()
	return nil
}

func printTask(t vistasdk.Task) {
	fmt.Printf("Task %s %q [%s] %s\n", t.ID, t.Name, t.Status, percent(t.Progress))
	tw := newTable("#", "Step", "Action", "Status", "Timeout")
	for _, s := range t.Steps {
		tw.AppendRow(table.Row{s.Order, s.ID, s.Action, s.Status, s.Timeout})
	}
	tw.Render()
}

func waitForTask(ctx context.Context, c *vistasdk.Client, id string, wait time.Duration) (vistasdk.TaskStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		st, err := c.TaskStatus(ctx, id)
		if err != nil {
			return st, err
		}
		switch st.Status {
		case "completed", "failed", "cancelled":
			return st, nil
		}
		select {
		case <-ctx.Done():
			return st, nil
		case <-ticker.C:
		}
	}
}

func parseActions(in []string) ([]vistasdk.ActionPlan, error) {
	var plans []vistasdk.ActionPlan
	for _, raw := range in {
		name, dur, hasDur := strings.Cut(raw, ":")
		plan := vistasdk.ActionPlan{ActionType: strings.TrimSpace(name), Priority: 0.5}
		if hasDur {
			secs, err := strconv.ParseFloat(dur, 64)
			if err != nil {
				return nil, fmt.Errorf("action %q: invalid duration: %w", raw, err)
			}
			plan.EstimatedDuration = secs
		}
		plans = append(plans, plan)
	}
	return plans, nil
}

func parseReadings(in []string) (map[string]float64, error) {
	if len(in) == 0 {
		return nil, nil
	}
	out := make(map[string]float64, len(in))
	for _, raw := range in {
		name, val, ok := strings.Cut(raw, "=")
		if !ok {
			return nil, fmt.Errorf("reading %q: want name=value", raw)
		}
		v, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return nil, fmt.Errorf("reading %q: %w", raw, err)
		}
		out[strings.TrimSpace(name)] = v
	}
	return out, nil
}

func percent(p float64) string {
	return fmt.Sprintf("%.0f%%", p*100)
}
