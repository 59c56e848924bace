package main

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/kalambet/scrubd/internal/config"
	"github.com/kalambet/scrubd/internal/ledger"
	"github.com/kalambet/scrubd/internal/ops"
	"github.com/kalambet/scrubd/internal/policy"
	"github.com/kalambet/scrubd/internal/storage"
)

// withClient wraps a command body that talks to the daemon.
func withClient(fn func(ctx context.Context, c *apiClient, w io.Writer, cmd *cobra.Command, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		c, err := newAPIClient()
		if err != nil {
			return err
		}
		return fn(cmd.Context(), c, cmd.OutOrStdout(), cmd, args)
	}
}

func rangeQuery(from, to int64) string {
	q := url.Values{}
	if from > 0 {
		q.Set("from", strconv.FormatInt(from, 10))
	}
	if to > 0 {
		q.Set("to", strconv.FormatInt(to, 10))
	}
	if len(q) == 0 {
		return ""
	}
	return "?" + q.Encode()
}

// --- job ---

var jobCmd = &cobra.Command{
	Use:   "job",
	Short: "Inspect jobs",
}

var jobListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent jobs",
	RunE: withClient(func(ctx context.Context, c *apiClient, w io.Writer, cmd *cobra.Command, args []string) error {
		state, _ := cmd.Flags().GetString("state")
		limit, _ := cmd.Flags().GetInt("limit")
		return runJobList(ctx, c, w, state, limit)
	}),
}

var jobShowCmd = &cobra.Command{
	Use:   "show <job-id>",
	Short: "Show one job as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: withClient(func(ctx context.Context, c *apiClient, w io.Writer, cmd *cobra.Command, args []string) error {
		return runJobShow(ctx, c, w, args[0])
	}),
}

func init() {
	jobListCmd.Flags().String("state", "", "filter by state (e.g. Pending, Archived, DeadLettered)")
	jobListCmd.Flags().Int("limit", 20, "maximum number of jobs to list")
	jobCmd.AddCommand(jobListCmd, jobShowCmd)
}

func runJobList(ctx context.Context, c *apiClient, w io.Writer, state string, limit int) error {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	if state != "" {
		q.Set("state", state)
	}
	resp, err := c.get(ctx, "/jobs?"+q.Encode())
	if err != nil {
		return err
	}
	var jobs []ops.JobStatus
	if err := decodeJSON(resp, &jobs); err != nil {
		return err
	}
	if len(jobs) == 0 {
		fmt.Fprintln(w, "No jobs found.")
		return nil
	}
	for _, j := range jobs {
		reason := j.Reason
		if reason == "" {
			reason = "-"
		}
		fmt.Fprintf(w, "%s  %-12s  %-20s  attempts=%d  %s\n",
			colorize(colorCyan, shortID(j.ID)), stateColor(j.State), reason, j.AttemptCount, formatCounts(j.EntityCounts))
	}
	return nil
}

func runJobShow(ctx context.Context, c *apiClient, w io.Writer, id string) error {
	resp, err := c.get(ctx, "/jobs/"+url.PathEscape(id))
	if err != nil {
		return err
	}
	var st ops.JobStatus
	if err := decodeJSON(resp, &st); err != nil {
		return err
	}
	return printJSON(w, st)
}

// --- audit ---

var auditCmd = &cobra.Command{
	Use:   "audit <job-id>",
	Short: "Show a job's ledger entries and whether they verify",
	Args:  cobra.ExactArgs(1),
	RunE: withClient(func(ctx context.Context, c *apiClient, w io.Writer, cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")
		return runAudit(ctx, c, w, args[0], asJSON)
	}),
}

func init() {
	auditCmd.Flags().Bool("json", false, "print the raw audit as JSON")
}

func runAudit(ctx context.Context, c *apiClient, w io.Writer, id string, asJSON bool) error {
	resp, err := c.get(ctx, "/jobs/"+url.PathEscape(id)+"/audit")
	if err != nil {
		return err
	}
	var a ops.Audit
	if err := decodeJSON(resp, &a); err != nil {
		return err
	}
	if asJSON {
		return printJSON(w, a)
	}
	fmt.Fprintf(w, "%s %s  state=%s\n", colorize(colorBold, "Job"), a.JobID, stateColor(a.State))
	for _, e := range a.Entries {
		fmt.Fprintf(w, "  #%-6d %-14s %s  %s\n", e.Seq, e.EventType, storage.FormatTime(e.Timestamp), shortHash(e.EntryHash))
	}
	printReport(w, a.Verify)
	return nil
}

func shortHash(h string) string {
	if len(h) > 16 {
		return h[:16]
	}
	return h
}

func printReport(w io.Writer, rep ledger.Report) {
	if rep.OK {
		fmt.Fprintln(w, colorize(colorGreen, fmt.Sprintf("✓ ledger verified: %d entries (seq %d..%d)", rep.Checked, rep.From, rep.To)))
		return
	}
	fmt.Fprintln(w, colorize(colorRed, fmt.Sprintf("✗ ledger divergence after %d entries (seq %d..%d)", rep.Checked, rep.From, rep.To)))
	if d := rep.Divergence; d != nil {
		fmt.Fprintf(w, "  seq=%d kind=%s expected=%s actual=%s\n", d.Seq, d.Kind, d.Expected, d.Actual)
	}
}

// --- verify ---

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify the ledger hash chain",
	RunE: withClient(func(ctx context.Context, c *apiClient, w io.Writer, cmd *cobra.Command, args []string) error {
		from, _ := cmd.Flags().GetInt64("from")
		to, _ := cmd.Flags().GetInt64("to")
		return runVerify(ctx, c, w, from, to)
	}),
}

func init() {
	verifyCmd.Flags().Int64("from", 0, "first sequence number (default 1)")
	verifyCmd.Flags().Int64("to", 0, "last sequence number (default: tail)")
}

// runVerify fails when the chain diverges so scripts can detect tampering.
func runVerify(ctx context.Context, c *apiClient, w io.Writer, from, to int64) error {
	resp, err := c.get(ctx, "/ledger/verify"+rangeQuery(from, to))
	if err != nil {
		return err
	}
	var rep ledger.Report
	if err := decodeJSON(resp, &rep); err != nil {
		return err
	}
	printReport(w, rep)
	if !rep.OK {
		if rep.Divergence == nil {
			return ledger.ErrIntegrity
		}
		return fmt.Errorf("%w at seq %d", ledger.ErrIntegrity, rep.Divergence.Seq)
	}
	return nil
}

// --- export ---

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export the ledger and its verification as XLSX",
	RunE: withClient(func(ctx context.Context, c *apiClient, w io.Writer, cmd *cobra.Command, args []string) error {
		from, _ := cmd.Flags().GetInt64("from")
		to, _ := cmd.Flags().GetInt64("to")
		output, _ := cmd.Flags().GetString("output")
		return runExport(ctx, c, output, from, to)
	}),
}

func init() {
	exportCmd.Flags().Int64("from", 0, "first sequence number (default 1)")
	exportCmd.Flags().Int64("to", 0, "last sequence number (default: tail)")
	exportCmd.Flags().String("output", "ledger.xlsx", "output file path")
}

func runExport(ctx context.Context, c *apiClient, output string, from, to int64) error {
	resp, err := c.get(ctx, "/ledger/export"+rangeQuery(from, to))
	if err != nil {
		return err
	}
	f, err := os.Create(output)
	if err != nil {
		resp.Body.Close()
		return fmt.Errorf("creating output file: %w", err)
	}
	n, err := copyBody(resp, f)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(output)
		return err
	}
	printSuccess("Ledger exported to %s (%d bytes)", output, n)
	return nil
}

// --- dead-letter ---

var deadLetterCmd = &cobra.Command{
	Use:     "dead-letter",
	Aliases: []string{"dlq"},
	Short:   "Inspect, retry or purge dead-lettered jobs",
}

var deadLetterListCmd = &cobra.Command{
	Use:   "list",
	Short: "List dead-letter records",
	RunE: withClient(func(ctx context.Context, c *apiClient, w io.Writer, cmd *cobra.Command, args []string) error {
		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")
		return runDeadLetterList(ctx, c, w, status, limit)
	}),
}

var deadLetterRetryCmd = &cobra.Command{
	Use:   "retry <job-id>",
	Short: "Re-submit a held job as a new linked job",
	Args:  cobra.ExactArgs(1),
	RunE: withClient(func(ctx context.Context, c *apiClient, w io.Writer, cmd *cobra.Command, args []string) error {
		return runDeadLetterRetry(ctx, c, args[0])
	}),
}

var deadLetterPurgeCmd = &cobra.Command{
	Use:   "purge <job-id>",
	Short: "Delete a quarantined file (the ledger keeps its history)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		confirm, _ := cmd.Flags().GetBool("confirm")
		if !confirm {
			printWarning("This deletes the quarantined file for %s. Use --confirm to proceed.", args[0])
			return nil
		}
		return withClient(func(ctx context.Context, c *apiClient, w io.Writer, cmd *cobra.Command, args []string) error {
			return runDeadLetterPurge(ctx, c, args[0])
		})(cmd, args)
	},
}

func init() {
	deadLetterListCmd.Flags().String("status", "", "filter by status (held, retried)")
	deadLetterListCmd.Flags().Int("limit", 20, "maximum number of records")
	deadLetterPurgeCmd.Flags().Bool("confirm", false, "confirm the purge")
	deadLetterCmd.AddCommand(deadLetterListCmd, deadLetterRetryCmd, deadLetterPurgeCmd)
}

func runDeadLetterList(ctx context.Context, c *apiClient, w io.Writer, status string, limit int) error {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	if status != "" {
		q.Set("status", status)
	}
	resp, err := c.get(ctx, "/dead-letters?"+q.Encode())
	if err != nil {
		return err
	}
	var list []storage.DeadLetter
	if err := decodeJSON(resp, &list); err != nil {
		return err
	}
	if len(list) == 0 {
		fmt.Fprintln(w, "No dead letters.")
		return nil
	}
	for _, d := range list {
		fmt.Fprintf(w, "%s  %-8s  %-20s  from=%s  %s\n",
			colorize(colorCyan, shortID(d.JobID)), d.Status, d.Reason, d.State, d.Detail)
	}
	return nil
}

func runDeadLetterRetry(ctx context.Context, c *apiClient, id string) error {
	resp, err := c.post(ctx, "/dead-letters/"+url.PathEscape(id)+"/retry", nil)
	if err != nil {
		return err
	}
	var st ops.JobStatus
	if err := decodeJSON(resp, &st); err != nil {
		return err
	}
	printSuccess("Queued retry %s for %s", st.ID, id)
	return nil
}

func runDeadLetterPurge(ctx context.Context, c *apiClient, id string) error {
	resp, err := c.delete(ctx, "/dead-letters/"+url.PathEscape(id))
	if err != nil {
		return err
	}
	var result map[string]string
	if err := decodeJSON(resp, &result); err != nil {
		return err
	}
	printSuccess("Purged %s", id)
	return nil
}

// --- policy ---

var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Show or update the redaction policy",
}

var policyShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the current policy version",
	RunE: withClient(func(ctx context.Context, c *apiClient, w io.Writer, cmd *cobra.Command, args []string) error {
		return runPolicyShow(ctx, c, w)
	}),
}

var policySetCmd = &cobra.Command{
	Use:   "set <file>",
	Short: "Store a YAML or JSON policy file as the next version",
	Long: `Store a YAML or JSON policy file as the next version.

Jobs already accepted keep the policy snapshot they were created with.

Example:
  scrubd policy set ./policy.yaml`,
	Args: cobra.ExactArgs(1),
	RunE: withClient(func(ctx context.Context, c *apiClient, w io.Writer, cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("reading policy file: %w", err)
		}
		return runPolicySet(ctx, c, data)
	}),
}

func init() {
	policyCmd.AddCommand(policyShowCmd, policySetCmd)
}

func runPolicyShow(ctx context.Context, c *apiClient, w io.Writer) error {
	resp, err := c.get(ctx, "/policy")
	if err != nil {
		return err
	}
	var snap policy.Snapshot
	if err := decodeJSON(resp, &snap); err != nil {
		return err
	}
	return printJSON(w, snap)
}

func runPolicySet(ctx context.Context, c *apiClient, doc []byte) error {
	resp, err := c.put(ctx, "/policy", doc)
	if err != nil {
		return err
	}
	var snap policy.Snapshot
	if err := decodeJSON(resp, &snap); err != nil {
		return err
	}
	printSuccess("Policy version %d stored", snap.Version)
	return nil
}

// --- alarm ---

var alarmCmd = &cobra.Command{
	Use:   "alarm",
	Short: "List or clear integrity alarms",
}

var alarmListCmd = &cobra.Command{
	Use:   "list",
	Short: "List alarms",
	RunE: withClient(func(ctx context.Context, c *apiClient, w io.Writer, cmd *cobra.Command, args []string) error {
		all, _ := cmd.Flags().GetBool("all")
		return runAlarmList(ctx, c, w, !all)
	}),
}

var alarmClearCmd = &cobra.Command{
	Use:   "clear <alarm-id>",
	Short: "Clear an alarm after investigation",
	Args:  cobra.ExactArgs(1),
	RunE: withClient(func(ctx context.Context, c *apiClient, w io.Writer, cmd *cobra.Command, args []string) error {
		return runAlarmClear(ctx, c, args[0])
	}),
}

func init() {
	alarmListCmd.Flags().Bool("all", false, "include cleared alarms")
	alarmCmd.AddCommand(alarmListCmd, alarmClearCmd)
}

func runAlarmList(ctx context.Context, c *apiClient, w io.Writer, openOnly bool) error {
	path := "/alarms"
	if openOnly {
		path += "?open=true"
	}
	resp, err := c.get(ctx, path)
	if err != nil {
		return err
	}
	var alarms []storage.Alarm
	if err := decodeJSON(resp, &alarms); err != nil {
		return err
	}
	if len(alarms) == 0 {
		fmt.Fprintln(w, "No alarms.")
		return nil
	}
	for _, a := range alarms {
		status := colorize(colorRed, "open")
		if !a.ClearedAt.IsZero() {
			status = "cleared"
		}
		fmt.Fprintf(w, "%-4d %-20s %-8s %s  %s\n", a.ID, a.Kind, status, storage.FormatTime(a.RaisedAt), a.Detail)
	}
	return nil
}

func runAlarmClear(ctx context.Context, c *apiClient, id string) error {
	if _, err := strconv.ParseInt(id, 10, 64); err != nil {
		return fmt.Errorf("alarm id must be an integer: %q", id)
	}
	resp, err := c.post(ctx, "/alarms/"+id+"/clear", nil)
	if err != nil {
		return err
	}
	var result map[string]string
	if err := decodeJSON(resp, &result); err != nil {
		return err
	}
	printSuccess("Alarm %s cleared", id)
	return nil
}

// --- stats ---

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show job totals and worker gauges",
	RunE: withClient(func(ctx context.Context, c *apiClient, w io.Writer, cmd *cobra.Command, args []string) error {
		st, err := fetchStats(ctx, c)
		if err != nil {
			return err
		}
		printStats(w, st)
		return nil
	}),
}

func fetchStats(ctx context.Context, c *apiClient) (ops.Stats, error) {
	resp, err := c.get(ctx, "/stats")
	if err != nil {
		return ops.Stats{}, err
	}
	var st ops.Stats
	if err := decodeJSON(resp, &st); err != nil {
		return ops.Stats{}, err
	}
	return st, nil
}

func printStats(w io.Writer, st ops.Stats) {
	line := func(label, format string, args ...any) {
		fmt.Fprintf(w, "  %s %s\n", colorize(colorBold, label+":"), fmt.Sprintf(format, args...))
	}
	line("Jobs", "%d", st.Total)
	line("By state", "%s", formatCounts(st.ByState))
	line("Entities", "%d", st.TotalEntities)
	line("Avg archive", "%.1fs", st.AvgArchiveSeconds)
	line("Ledger", "%d entries", st.LedgerEntries)
	line("Dead letters", "%d held", st.DeadLettersHeld)
	line("Workers", "%d (%d busy, %d queued)", st.Pool.Workers, st.Pool.Busy, st.Pool.Queued)
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		w := cmd.OutOrStdout()
		for _, k := range config.ShowAll(cfg) {
			fmt.Fprintf(w, "  %s = %s  (%s)\n", colorize(colorBold, k.Key), k.Value, k.EnvVar)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd, configSetCmd)
}
