package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/daviddfraser-source/control-plane/internal/agents"
	"github.com/daviddfraser-source/control-plane/internal/app"
	"github.com/daviddfraser-source/control-plane/internal/canonical"
	"github.com/daviddfraser-source/control-plane/internal/dcl"
	"github.com/daviddfraser-source/control-plane/internal/domain"
	"github.com/daviddfraser-source/control-plane/internal/engine"
	"github.com/daviddfraser-source/control-plane/internal/engine/auth"
	"github.com/daviddfraser-source/control-plane/internal/events"
	"github.com/daviddfraser-source/control-plane/internal/risk"
	"github.com/daviddfraser-source/control-plane/internal/server"
	"github.com/daviddfraser-source/control-plane/internal/state"
)

var rootCmd = &cobra.Command{
	Use:   "gov",
	Short: "Governance control plane for multi-agent software delivery",
	Long: `gov coordinates work packets executed by autonomous agents under
human supervision. Every packet transition is verified against the dependency
graph and identity rules, recorded in an append-only lifecycle log, and bound
into a per-packet hash-linked commit chain (the deterministic commitment
layer), so any later tampering with history is detectable.

Typical flow: init a root from a definition document, let agents claim ready
packets, track progress with heartbeats, complete with evidence, review with
a different identity, and close out areas with a drift assessment. Use doctor
to verify and repair the tree, and export-proof to hand an auditor a sealed
bundle.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		if viper.GetBool("json") {
			_ = printJSON(errorEnvelope(err))
		} else {
			fmt.Fprintln(os.Stderr, "error:", err)
		}
		os.Exit(exitCode(err))
	}
}

func initConfig() {
	viper.SetEnvPrefix("GOV")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("root", "r", ".", "governance root directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor", "", "acting identity")
	rootCmd.PersistentFlags().String("role", "admin", "acting role (operator, reviewer, supervisor, admin)")
	rootCmd.PersistentFlags().String("backend", "", "state backend override (file or sqlite)")
	rootCmd.PersistentFlags().Bool("strict", false, "abort on any integrity failure")
	_ = viper.BindPFlag("root", rootCmd.PersistentFlags().Lookup("root"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor", rootCmd.PersistentFlags().Lookup("actor"))
	_ = viper.BindPFlag("role", rootCmd.PersistentFlags().Lookup("role"))
	_ = viper.BindPFlag("backend", rootCmd.PersistentFlags().Lookup("backend"))
	_ = viper.BindPFlag("strict", rootCmd.PersistentFlags().Lookup("strict"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(readyCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(claimCmd())
	rootCmd.AddCommand(preflightCmd())
	rootCmd.AddCommand(preflightApproveCmd())
	rootCmd.AddCommand(preflightReturnCmd())
	rootCmd.AddCommand(heartbeatCmd())
	rootCmd.AddCommand(checkStalledCmd())
	rootCmd.AddCommand(doneCmd())
	rootCmd.AddCommand(reviewClaimCmd())
	rootCmd.AddCommand(reviewSubmitCmd())
	rootCmd.AddCommand(failCmd())
	rootCmd.AddCommand(resetCmd())
	rootCmd.AddCommand(noteCmd())
	rootCmd.AddCommand(closeoutCmd())
	rootCmd.AddCommand(verifyCmd())
	rootCmd.AddCommand(historyCmd())
	rootCmd.AddCommand(exportProofCmd())
	rootCmd.AddCommand(checkpointCmd())
	rootCmd.AddCommand(doctorCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(logModeCmd())
	rootCmd.AddCommand(verifyLogCmd())
	rootCmd.AddCommand(briefingCmd())
	rootCmd.AddCommand(contextCmd())
	rootCmd.AddCommand(handoverCmd())
	rootCmd.AddCommand(resumeCmd())
	rootCmd.AddCommand(riskCmd())
	rootCmd.AddCommand(agentCmd())
	rootCmd.AddCommand(serveCmd())
}

// --- runtime plumbing ---

func withRuntime(ctx context.Context, fn func(context.Context, *app.Runtime) error) error {
	rt, err := app.Open(ctx, app.Options{
		Root:    viper.GetString("root"),
		Backend: viper.GetString("backend"),
		Strict:  viper.GetBool("strict"),
	})
	if err != nil {
		return err
	}
	defer rt.Close()
	applyEnvOverrides(rt)
	return fn(ctx, rt)
}

// applyEnvOverrides layers GOV_* timing knobs over the loaded config, so an
// operator can tune stall detection without editing governance.yml.
func applyEnvOverrides(rt *app.Runtime) {
	if v := viper.GetInt("heartbeat-interval-seconds"); v > 0 {
		rt.Config.Defaults.HeartbeatIntervalSeconds = v
	}
	if v := viper.GetInt("stall-floor-seconds"); v > 0 {
		rt.Config.Defaults.StallFloorSeconds = v
	}
	if v := viper.GetInt("preflight-timeout-seconds"); v > 0 {
		rt.Config.Defaults.PreflightTimeoutSeconds = v
	}
}

func actor() string { return viper.GetString("actor") }
func role() string  { return viper.GetString("role") }

func ensureRole(action string) error {
	r := role()
	if !auth.Valid(r) {
		return engine.UsageError{Msg: fmt.Sprintf("unknown role %q", r)}
	}
	return auth.Ensure(r, action)
}

// --- output ---

type resultEnvelope struct {
	OK            bool     `json:"ok"`
	Code          string   `json:"code"`
	Message       string   `json:"message"`
	NextStates    []string `json:"next_states,omitempty"`
	StateSnapshot any      `json:"state_snapshot,omitempty"`
}

func printResult(message string, snapshot any) error {
	if viper.GetBool("json") {
		return printJSON(resultEnvelope{OK: true, Code: "ok", Message: message, StateSnapshot: snapshot})
	}
	fmt.Println(message)
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printJSONOrTable(v any, render func()) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	render()
	return nil
}

func errorEnvelope(err error) resultEnvelope {
	env := resultEnvelope{OK: false, Code: "error", Message: err.Error()}
	var te engine.TransitionError
	var forbidden auth.ForbiddenError
	switch {
	case errors.As(err, &te):
		env.Code = te.Code
		env.NextStates = te.NextStates
	case errors.As(err, &forbidden):
		env.Code = "forbidden"
	case isUsage(err):
		env.Code = "usage"
	case isIntegrity(err):
		env.Code = "integrity_failure"
	}
	return env
}

func exitCode(err error) int {
	var te engine.TransitionError
	var forbidden auth.ForbiddenError
	switch {
	case errors.As(err, &te):
		if te.Code == "dependency_unmet" || te.Code == "context_attestation_missing" {
			return 4
		}
		return 3
	case errors.As(err, &forbidden):
		return 3
	case isIntegrity(err):
		return 5
	case isUsage(err):
		return 2
	default:
		return 1
	}
}

func isUsage(err error) bool {
	var usage engine.UsageError
	var schema *domain.SchemaError
	return errors.As(err, &usage) || errors.As(err, &schema) ||
		errors.Is(err, domain.ErrPacketNotFound) || errors.Is(err, domain.ErrAreaNotFound) ||
		errors.Is(err, state.ErrNotInitialized)
}

func isIntegrity(err error) bool {
	var integrity app.IntegrityError
	var cfgLock *dcl.ConfigLockError
	if errors.As(err, &integrity) || errors.As(err, &cfgLock) || errors.Is(err, events.ErrLogChainBroken) {
		return true
	}
	for _, target := range []error{
		dcl.ErrSeqDiscontinuity, dcl.ErrPrevHashMismatch, dcl.ErrStateHashMismatch,
		dcl.ErrHeadDrift, dcl.ErrCommitHashMismatch, dcl.ErrRuntimeBindingMismatch,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func parseJSONObject(raw, what string) (map[string]any, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, engine.UsageError{Msg: what + " JSON is required"}
	}
	out := map[string]any{}
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&out); err != nil {
		return nil, engine.UsageError{Msg: fmt.Sprintf("%s is not a JSON object: %v", what, err)}
	}
	return out, nil
}

func stringList(v any) []string {
	items, _ := toStringList(v)
	return items
}

func toStringList(v any) ([]string, bool) {
	switch vv := v.(type) {
	case nil:
		return nil, true
	case []string:
		return vv, true
	case []any:
		out := make([]string, 0, len(vv))
		for _, item := range vv {
			s, ok := item.(string)
			if !ok {
				return nil, false
			}
			out = append(out, s)
		}
		return out, true
	default:
		return nil, false
	}
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

// --- lifecycle commands ---

func initCmd() *cobra.Command {
	var definitionPath, constitutionPath string
	var forceReinit bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a governance root from a definition document",
		RunE: func(cmd *cobra.Command, args []string) error {
			def, err := engine.InitRoot(cmd.Context(), engine.InitRootOptions{
				Root:             viper.GetString("root"),
				DefinitionPath:   definitionPath,
				ConstitutionPath: constitutionPath,
				Backend:          viper.GetString("backend"),
				ForceReinit:      forceReinit,
			})
			if err != nil {
				return err
			}
			return printResult(fmt.Sprintf("initialized %s: %d areas, %d packets",
				viper.GetString("root"), len(def.Areas), len(def.Packets)), nil)
		},
	}
	cmd.Flags().StringVar(&definitionPath, "definition", "", "definition document (required)")
	cmd.Flags().StringVar(&constitutionPath, "constitution", "", "governance rules document")
	cmd.Flags().BoolVar(&forceReinit, "force-reinit", false, "discard existing state and chains")
	_ = cmd.MarkFlagRequired("definition")
	return cmd
}

func readyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ready",
		Short: "List packets that are claimable right now",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				rows, err := rt.Engine.Ready(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(rows, func() {
					tw := table.NewWriter()
					tw.SetOutputMirror(os.Stdout)
					tw.AppendHeader(table.Row{"ID", "WBS", "Area", "Title"})
					for _, r := range rows {
						tw.AppendRow(table.Row{r.ID, r.WBSRef, r.AreaID, r.Title})
					}
					tw.Render()
				})
			})
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status [packet_id]",
		Short: "Show the project board, or one packet's runtime state",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				if len(args) == 1 {
					if _, err := rt.Definition.Packet(args[0]); err != nil {
						return err
					}
					doc, err := rt.Engine.Snapshot()
					if err != nil {
						return err
					}
					return printJSON(doc.Packet(args[0]))
				}
				report, err := rt.Engine.Status(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(report, func() {
					tw := table.NewWriter()
					tw.SetOutputMirror(os.Stdout)
					tw.AppendHeader(table.Row{"ID", "WBS", "Status", "Assigned", "Title"})
					for _, p := range report.Packets {
						tw.AppendRow(table.Row{p.ID, p.WBSRef, p.Status, p.AssignedTo, p.Title})
					}
					tw.Render()
					fmt.Println("counts:")
					for status, n := range report.Counts {
						fmt.Printf("  %s: %d\n", status, n)
					}
				})
			})
		},
	}
}

func claimCmd() *cobra.Command {
	var attestation []string
	cmd := &cobra.Command{
		Use:   "claim packet_id",
		Short: "Claim a pending packet",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := ensureRole("claim"); err != nil {
				return err
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				ps, err := rt.Engine.Claim(ctx, engine.ClaimOptions{
					PacketID:           args[0],
					Actor:              actor(),
					ContextAttestation: attestation,
				})
				if err != nil {
					return err
				}
				return printResult(fmt.Sprintf("%s claimed by %s (%s)", ps.PacketID, ps.AssignedTo, ps.Status), ps)
			})
		},
	}
	cmd.Flags().StringArrayVar(&attestation, "context-attestation", nil, "context file path read before claiming (repeatable)")
	return cmd
}

func preflightCmd() *cobra.Command {
	var assessment string
	cmd := &cobra.Command{
		Use:   "preflight packet_id",
		Short: "Submit the pre-execution assessment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := ensureRole("preflight"); err != nil {
				return err
			}
			fields, err := parseJSONObject(assessment, "assessment")
			if err != nil {
				return err
			}
			ambiguity, ok := toStringList(fields["ambiguity_register"])
			if !ok {
				return engine.UsageError{Msg: "ambiguity_register must be a list of strings"}
			}
			riskFlags, ok := toStringList(fields["risk_flags"])
			if !ok {
				return engine.UsageError{Msg: "risk_flags must be a list of strings"}
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				ps, err := rt.Engine.SubmitPreflight(ctx, engine.PreflightOptions{
					PacketID:            args[0],
					Actor:               actor(),
					ContextConfirmation: asString(fields["context_confirmation"]),
					AmbiguityRegister:   ambiguity,
					RiskFlags:           riskFlags,
					ExecutionPlan:       asString(fields["execution_plan"]),
				})
				if err != nil {
					return err
				}
				return printResult(fmt.Sprintf("%s preflight submitted; awaiting approval", ps.PacketID), ps)
			})
		},
	}
	cmd.Flags().StringVar(&assessment, "assessment", "", `JSON: {"context_confirmation": ..., "ambiguity_register": [], "risk_flags": [], "execution_plan": ...}`)
	_ = cmd.MarkFlagRequired("assessment")
	return cmd
}

func preflightApproveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "preflight-approve packet_id",
		Short: "Approve a submitted preflight and start execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := ensureRole("preflight-approve"); err != nil {
				return err
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				ps, err := rt.Engine.ResolvePreflight(ctx, args[0], actor(), true)
				if err != nil {
					return err
				}
				return printResult(fmt.Sprintf("%s preflight approved; now %s", ps.PacketID, ps.Status), ps)
			})
		},
	}
}

func preflightReturnCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "preflight-return packet_id",
		Short: "Return a submitted preflight; the packet goes back to pending",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := ensureRole("preflight-return"); err != nil {
				return err
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				ps, err := rt.Engine.ResolvePreflight(ctx, args[0], actor(), false)
				if err != nil {
					return err
				}
				return printResult(fmt.Sprintf("%s preflight returned; now %s", ps.PacketID, ps.Status), ps)
			})
		},
	}
}

func heartbeatCmd() *cobra.Command {
	var payload string
	cmd := &cobra.Command{
		Use:   "heartbeat packet_id",
		Short: "Record executor liveness on an in-flight packet",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := ensureRole("heartbeat"); err != nil {
				return err
			}
			fields, err := parseJSONObject(payload, "payload")
			if err != nil {
				return err
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				ps, err := rt.Engine.Heartbeat(ctx, engine.HeartbeatOptions{
					PacketID:           args[0],
					Actor:              actor(),
					Status:             asString(fields["status"]),
					Decisions:          stringList(fields["decisions"]),
					Obstacles:          stringList(fields["obstacles"]),
					CompletionEstimate: asString(fields["completion_estimate"]),
				})
				if err != nil {
					return err
				}
				return printResult(fmt.Sprintf("%s heartbeat recorded (%s)", ps.PacketID, ps.Status), ps)
			})
		},
	}
	cmd.Flags().StringVar(&payload, "payload", "", `JSON: {"status": ..., "decisions": [], "obstacles": [], "completion_estimate": ...}`)
	_ = cmd.MarkFlagRequired("payload")
	return cmd
}

func checkStalledCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check-stalled",
		Short: "Sweep for missed heartbeats and expired preflights",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				report, err := rt.Engine.CheckStalled(ctx, actor())
				if err != nil {
					return err
				}
				msg := fmt.Sprintf("%d stalled, %d returned to pending", len(report.Stalled), len(report.ReturnedToPending))
				return printResult(msg, report)
			})
		},
	}
}

func doneCmd() *cobra.Command {
	var riskRaw string
	cmd := &cobra.Command{
		Use:   "done packet_id \"evidence\"",
		Short: "Complete a packet with evidence and a residual risk declaration",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := ensureRole("done"); err != nil {
				return err
			}
			var residual any = riskRaw
			if riskRaw != "none" {
				fields, err := parseJSONObject(riskRaw, "risk declaration")
				if err != nil {
					return err
				}
				residual = fields
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				ps, err := rt.Engine.Done(ctx, engine.DoneOptions{
					PacketID:     args[0],
					Actor:        actor(),
					Evidence:     args[1],
					ResidualRisk: residual,
				})
				if err != nil {
					return err
				}
				return printResult(fmt.Sprintf("%s is %s", ps.PacketID, ps.Status), ps)
			})
		},
	}
	cmd.Flags().StringVar(&riskRaw, "risk", "none", `residual risk: "none" or JSON {"severity": ..., "description": ..., "owner": ...}`)
	return cmd
}

func reviewClaimCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "review-claim packet_id",
		Short: "Claim a packet in review as its independent reviewer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := ensureRole("review-claim"); err != nil {
				return err
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				ps, err := rt.Engine.ReviewClaim(ctx, args[0], actor())
				if err != nil {
					return err
				}
				return printResult(fmt.Sprintf("%s review claimed by %s", ps.PacketID, actor()), ps)
			})
		},
	}
}

func reviewSubmitCmd() *cobra.Command {
	var assessment string
	cmd := &cobra.Command{
		Use:   "review-submit packet_id verdict",
		Short: "Submit the review verdict: APPROVE, REJECT or ESCALATE",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := ensureRole("review-submit"); err != nil {
				return err
			}
			fields, err := parseJSONObject(assessment, "assessment")
			if err != nil {
				return err
			}
			findings, ok := toStringList(fields["findings"])
			if !ok {
				return engine.UsageError{Msg: "findings must be a list of strings"}
			}
			riskFlags, ok := toStringList(fields["risk_flags"])
			if !ok {
				return engine.UsageError{Msg: "risk_flags must be a list of strings"}
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				ps, err := rt.Engine.ReviewSubmit(ctx, engine.ReviewSubmitOptions{
					PacketID:               args[0],
					Reviewer:               actor(),
					Verdict:                args[1],
					ExitCriteriaAssessment: asString(fields["exit_criteria_assessment"]),
					Findings:               findings,
					RiskFlags:              riskFlags,
				})
				if err != nil {
					return err
				}
				return printResult(fmt.Sprintf("%s review %s; now %s", ps.PacketID, strings.ToUpper(args[1]), ps.Status), ps)
			})
		},
	}
	cmd.Flags().StringVar(&assessment, "assessment", "", `JSON: {"exit_criteria_assessment": ..., "findings": [], "risk_flags": []}`)
	_ = cmd.MarkFlagRequired("assessment")
	return cmd
}

func failCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "fail packet_id \"reason\"",
		Short: "Fail a packet; dependents become blocked",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := ensureRole("fail"); err != nil {
				return err
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				ps, err := rt.Engine.Fail(ctx, args[0], actor(), role(), args[1])
				if err != nil {
					return err
				}
				return printResult(fmt.Sprintf("%s failed", ps.PacketID), ps)
			})
		},
	}
}

func resetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset packet_id",
		Short: "Return a failed, stalled or escalated packet to pending (supervisor)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := ensureRole("reset"); err != nil {
				return err
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				ps, err := rt.Engine.Reset(ctx, args[0], actor(), role())
				if err != nil {
					return err
				}
				return printResult(fmt.Sprintf("%s reset to pending", ps.PacketID), ps)
			})
		},
	}
}

func noteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "note packet_id \"text\"",
		Short: "Append evidence narrative to a packet",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := ensureRole("note"); err != nil {
				return err
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				ps, err := rt.Engine.Note(ctx, args[0], actor(), args[1])
				if err != nil {
					return err
				}
				return printResult(fmt.Sprintf("%s noted", ps.PacketID), ps)
			})
		},
	}
}

func closeoutCmd() *cobra.Command {
	var notes string
	cmd := &cobra.Command{
		Use:   "closeout-l2 area_id assessment-path",
		Short: "Close out a work area with a drift assessment (supervisor)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := ensureRole("closeout-l2"); err != nil {
				return err
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				closeout, cp, err := rt.Engine.CloseoutL2(ctx, engine.CloseoutOptions{
					AreaID:         args[0],
					Actor:          actor(),
					Role:           role(),
					AssessmentPath: args[1],
					Notes:          notes,
				})
				if err != nil {
					return err
				}
				return printResult(fmt.Sprintf("area %s closed out; checkpoint %s", closeout.AreaID, cp.CheckpointID),
					map[string]any{"closeout": closeout, "checkpoint": cp})
			})
		},
	}
	cmd.Flags().StringVar(&notes, "notes", "", "closeout notes")
	return cmd
}

// --- integrity commands ---

func verifyCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "verify [packet_id]",
		Short: "Verify commit chains against runtime state",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				if len(args) == 1 && !all {
					if err := rt.Engine.Verify(ctx, args[0]); err != nil {
						return err
					}
					return printResult(fmt.Sprintf("%s chain verified", args[0]), nil)
				}
				if errs := rt.Engine.VerifyAll(ctx); len(errs) > 0 {
					msgs := make([]string, len(errs))
					for i, e := range errs {
						msgs[i] = e.Error()
					}
					return fmt.Errorf("verification failed: %s: %w", strings.Join(msgs, "; "), errs[0])
				}
				return printResult("all chains verified", nil)
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "verify every chain and the latest checkpoint")
	return cmd
}

func historyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history packet_id",
		Short: "Show a packet's commit chain",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				if _, err := rt.Definition.Packet(args[0]); err != nil {
					return err
				}
				commits, err := rt.Engine.DCL.History(args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(commits, func() {
					tw := table.NewWriter()
					tw.SetOutputMirror(os.Stdout)
					tw.AppendHeader(table.Row{"Seq", "Event", "Actor", "Created", "Commit"})
					for _, c := range commits {
						tw.AppendRow(table.Row{c.Seq, c.ActionEnvelope.Event, c.ActionEnvelope.Actor, c.CreatedAt, short(c.CommitHash)})
					}
					tw.Render()
				})
			})
		},
	}
}

func exportProofCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "export-proof packet_id",
		Short: "Export a sealed, self-verifying proof bundle",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				manifest, err := rt.Engine.ExportProof(ctx, args[0], out)
				if err != nil {
					return err
				}
				return printResult(fmt.Sprintf("proof bundle %s written to %s", manifest.BundleID, out), manifest)
			})
		},
	}
	cmd.Flags().StringVar(&out, "out", "", "output zip path (required)")
	_ = cmd.MarkFlagRequired("out")
	return cmd
}

func checkpointCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "checkpoint",
		Short: "Snapshot every chain tip into a project checkpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				cp, err := rt.Engine.Checkpoint(ctx)
				if err != nil {
					return err
				}
				return printResult(fmt.Sprintf("checkpoint %s over %d heads (merkle %s)",
					cp.CheckpointID, len(cp.HeadTable), short(cp.MerkleRoot)), cp)
			})
		},
	}
}

func doctorCmd() *cobra.Command {
	var fast, full bool
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Recover, repair and verify the governance tree",
		RunE: func(cmd *cobra.Command, args []string) error {
			if fast && full {
				return engine.UsageError{Msg: "--fast and --full are mutually exclusive"}
			}
			mode := "fast"
			if full {
				mode = "full"
			}
			rt, err := app.Open(cmd.Context(), app.Options{
				Root:       viper.GetString("root"),
				Backend:    viper.GetString("backend"),
				SkipDoctor: true,
			})
			if err != nil {
				return err
			}
			defer rt.Close()
			report, err := rt.Doctor.Run(cmd.Context(), mode)
			if err != nil {
				return err
			}
			if err := printJSON(report); err != nil {
				return err
			}
			if !report.OK {
				return app.IntegrityError{Report: report}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&fast, "fast", false, "journal recovery, binding checks and repair only")
	cmd.Flags().BoolVar(&full, "full", false, "also recompute every commit hash and verify the latest checkpoint")
	return cmd
}

func logCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "log [N]",
		Short: "Show the last N lifecycle log entries",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n := 20
			if len(args) == 1 {
				parsed, err := strconv.Atoi(args[0])
				if err != nil || parsed < 1 {
					return engine.UsageError{Msg: "N must be a positive integer"}
				}
				n = parsed
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				doc, err := rt.Engine.Snapshot()
				if err != nil {
					return err
				}
				entries := doc.Log
				if len(entries) > n {
					entries = entries[len(entries)-n:]
				}
				return printJSONOrTable(entries, func() {
					tw := table.NewWriter()
					tw.SetOutputMirror(os.Stdout)
					tw.AppendHeader(table.Row{"Timestamp", "Packet", "Event", "Actor"})
					for _, e := range entries {
						tw.AppendRow(table.Row{e.Timestamp, e.PacketID, e.Event, e.Actor})
					}
					tw.Render()
				})
			})
		},
	}
}

func logModeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "log-mode [hash_chain]",
		Short: "Show or upgrade the lifecycle log integrity mode",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				if len(args) == 0 {
					doc, err := rt.Engine.Snapshot()
					if err != nil {
						return err
					}
					return printResult(fmt.Sprintf("log mode: %s (%d entries)", doc.LogIntegrityMode, len(doc.Log)), nil)
				}
				if err := ensureRole("log-mode"); err != nil {
					return err
				}
				report, err := rt.Engine.SetLogMode(ctx, args[0], actor())
				if err != nil {
					return err
				}
				return printResult(fmt.Sprintf("log mode: %s (%d entries sealed)", report.Mode, report.Entries), report)
			})
		},
	}
}

func verifyLogCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify-log",
		Short: "Recompute the lifecycle log hash chain",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				report, err := rt.Engine.VerifyLog(ctx)
				if err != nil {
					return err
				}
				return printResult(fmt.Sprintf("log mode %s: %d entries verified", report.Mode, report.Entries), report)
			})
		},
	}
}

// --- reporting commands ---

func briefingCmd() *cobra.Command {
	var recent int
	var compact bool
	cmd := &cobra.Command{
		Use:   "briefing",
		Short: "Session bootstrap summary: counts, ready, blocked, recent events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				b, err := rt.Engine.Briefing(ctx, engine.BriefingOptions{RecentEvents: recent, Compact: compact})
				if err != nil {
					return err
				}
				return printJSON(b)
			})
		},
	}
	cmd.Flags().IntVar(&recent, "recent", 10, "number of recent log entries")
	cmd.Flags().BoolVar(&compact, "compact", false, "clamp lists for context-limited consumers")
	return cmd
}

func contextCmd() *cobra.Command {
	var maxEvents, maxHandovers int
	var compact bool
	cmd := &cobra.Command{
		Use:   "context packet_id",
		Short: "Everything an agent needs to pick up one packet",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				bundle, err := rt.Engine.ContextBundle(ctx, engine.ContextBundleOptions{
					PacketID:     args[0],
					MaxEvents:    maxEvents,
					MaxHandovers: maxHandovers,
					Compact:      compact,
				})
				if err != nil {
					return err
				}
				return printJSON(bundle)
			})
		},
	}
	cmd.Flags().IntVar(&maxEvents, "max-events", 40, "history entries to include")
	cmd.Flags().IntVar(&maxHandovers, "max-handovers", 40, "handover records to include")
	cmd.Flags().BoolVar(&compact, "compact", false, "clamp lists for context-limited consumers")
	return cmd
}

func handoverCmd() *cobra.Command {
	var summary string
	cmd := &cobra.Command{
		Use:   "handover packet_id",
		Short: "Park an in-flight packet for transfer to another agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := ensureRole("handover"); err != nil {
				return err
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				rec, err := rt.Engine.Handover(ctx, engine.HandoverOptions{
					PacketID: args[0],
					Actor:    actor(),
					Summary:  summary,
				})
				if err != nil {
					return err
				}
				return printResult(fmt.Sprintf("%s handed over as %s", rec.PacketID, rec.ID), rec)
			})
		},
	}
	cmd.Flags().StringVar(&summary, "summary", "", "state of the work for the next agent (required)")
	_ = cmd.MarkFlagRequired("summary")
	return cmd
}

func resumeCmd() *cobra.Command {
	var handoverID string
	cmd := &cobra.Command{
		Use:   "resume packet_id",
		Short: "Take over a handed-over packet",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := ensureRole("resume"); err != nil {
				return err
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				if handoverID != "" {
					doc, err := rt.Engine.Snapshot()
					if err != nil {
						return err
					}
					h, ok := doc.Handovers[handoverID]
					if !ok || h.PacketID != args[0] || h.Status != "active" {
						return engine.UsageError{Msg: fmt.Sprintf("%s is not the active handover of %s", handoverID, args[0])}
					}
				}
				ps, err := rt.Engine.Resume(ctx, args[0], actor(), role())
				if err != nil {
					return err
				}
				return printResult(fmt.Sprintf("%s resumed by %s", ps.PacketID, ps.AssignedTo), ps)
			})
		},
	}
	cmd.Flags().StringVar(&handoverID, "handover", "", "expected active handover id")
	return cmd
}

// --- risk register ---

func riskCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "risk", Short: "Manage the residual risk register"}
	cmd.AddCommand(riskAddCmd())
	cmd.AddCommand(riskListCmd())
	cmd.AddCommand(riskUpdateStatusCmd())
	cmd.AddCommand(riskSummaryCmd())
	return cmd
}

func riskAddCmd() *cobra.Command {
	var severity, description, owner string
	cmd := &cobra.Command{
		Use:   "add packet_id",
		Short: "Record a residual risk against a packet",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				if _, err := rt.Definition.Packet(args[0]); err != nil {
					return err
				}
				var entry risk.Entry
				err := risk.Update(ctx, rt.Root, func(r *risk.Register) error {
					var err error
					entry, err = r.Add(args[0], severity, description, owner, canonical.FormatTime(rt.Engine.Now()))
					return err
				})
				if err != nil {
					return err
				}
				return printResult(fmt.Sprintf("%s recorded (%s)", entry.ID, entry.Severity), entry)
			})
		},
	}
	cmd.Flags().StringVar(&severity, "severity", "", "low, medium, high or critical (required)")
	cmd.Flags().StringVar(&description, "description", "", "what could go wrong (required)")
	cmd.Flags().StringVar(&owner, "owner", "", "who owns the mitigation")
	_ = cmd.MarkFlagRequired("severity")
	_ = cmd.MarkFlagRequired("description")
	return cmd
}

func riskListCmd() *cobra.Command {
	var packetID, status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List risk register entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := risk.Load(viper.GetString("root"))
			if err != nil {
				return err
			}
			entries := reg.List(risk.Filter{PacketID: packetID, Status: status})
			return printJSONOrTable(entries, func() {
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Packet", "Severity", "Status", "Description"})
				for _, e := range entries {
					tw.AppendRow(table.Row{e.ID, e.PacketID, e.Severity, e.Status, e.Description})
				}
				tw.Render()
			})
		},
	}
	cmd.Flags().StringVar(&packetID, "packet", "", "filter by packet id")
	cmd.Flags().StringVar(&status, "status", "", "filter by status (open, mitigated, accepted)")
	return cmd
}

func riskUpdateStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "update-status risk_id status",
		Short: "Move a risk to mitigated or accepted",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				err := risk.Update(ctx, rt.Root, func(r *risk.Register) error {
					return r.UpdateStatus(args[0], args[1], canonical.FormatTime(rt.Engine.Now()))
				})
				if err != nil {
					return err
				}
				return printResult(fmt.Sprintf("%s is now %s", args[0], args[1]), nil)
			})
		},
	}
}

func riskSummaryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "summary",
		Short: "Counts by severity and status, with open criticals highlighted",
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := risk.Load(viper.GetString("root"))
			if err != nil {
				return err
			}
			summary := reg.Summarize()
			return printJSONOrTable(summary, func() {
				fmt.Printf("total: %d\n", summary.Total)
				for _, severity := range risk.Severities() {
					if counts, ok := summary.Counts[severity]; ok {
						fmt.Printf("  %s: %v\n", severity, counts)
					}
				}
				if len(summary.OpenCritical) > 0 {
					fmt.Printf("open critical: %s\n", strings.Join(summary.OpenCritical, ", "))
				}
			})
		},
	}
}

// --- agent registry ---

func agentCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "agent", Short: "Manage the agent registry"}
	cmd.AddCommand(agentRegisterCmd())
	cmd.AddCommand(agentListCmd())
	cmd.AddCommand(agentRetireCmd())
	cmd.AddCommand(agentSetModeCmd())
	return cmd
}

func agentRegisterCmd() *cobra.Command {
	var name string
	var capabilities []string
	cmd := &cobra.Command{
		Use:   "register agent_id",
		Short: "Register an agent and its capabilities",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				reg, err := agents.Load(rt.Root)
				if err != nil {
					return err
				}
				if err := reg.Register(args[0], name, capabilities, canonical.FormatTime(rt.Engine.Now())); err != nil {
					return err
				}
				if err := agents.Save(rt.Root, reg); err != nil {
					return err
				}
				return printResult(fmt.Sprintf("agent %s registered", args[0]), nil)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringSliceVar(&capabilities, "capabilities", nil, "capabilities from the taxonomy")
	return cmd
}

func agentListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered agents and the enforcement mode",
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := agents.Load(viper.GetString("root"))
			if err != nil {
				return err
			}
			return printJSONOrTable(reg, func() {
				fmt.Printf("enforcement mode: %s\n", reg.EnforcementMode)
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Status", "Capabilities"})
				for _, a := range reg.Agents {
					tw.AppendRow(table.Row{a.ID, a.DisplayName, a.Status, strings.Join(a.Capabilities, ", ")})
				}
				tw.Render()
			})
		},
	}
}

func agentRetireCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retire agent_id",
		Short: "Retire an agent; strict mode rejects its future claims",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				reg, err := agents.Load(rt.Root)
				if err != nil {
					return err
				}
				if err := reg.Retire(args[0]); err != nil {
					return err
				}
				if err := agents.Save(rt.Root, reg); err != nil {
					return err
				}
				return printResult(fmt.Sprintf("agent %s retired", args[0]), nil)
			})
		},
	}
}

func agentSetModeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set-mode mode",
		Short: "Set enforcement: disabled, advisory or strict",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				reg, err := agents.Load(rt.Root)
				if err != nil {
					return err
				}
				if err := reg.SetMode(args[0]); err != nil {
					return err
				}
				if err := agents.Save(rt.Root, reg); err != nil {
					return err
				}
				return printResult(fmt.Sprintf("enforcement mode: %s", args[0]), nil)
			})
		},
	}
}

// --- server ---

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the governance HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := viper.GetString("jwt-secret")
			if secret == "" {
				return engine.UsageError{Msg: "JWT secret is required (set GOV_JWT_SECRET or --jwt-secret)"}
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				if addr == "" {
					addr = rt.Config.API.Addr
				}
				if basePath == "" {
					basePath = rt.Config.API.BasePath
				}
				handler, err := server.New(server.Config{
					Runtime:  rt,
					BasePath: basePath,
					Auth:     server.AuthConfig{JWTSecret: secret},
				})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				fmt.Printf("Serving governance API on http://%s%s (healthy=%v)\n", addr, basePath, rt.Healthy())
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (default from config)")
	cmd.Flags().String("jwt-secret", "", "HS256 signing secret for bearer tokens")
	_ = viper.BindPFlag("jwt-secret", cmd.Flags().Lookup("jwt-secret"))
	return cmd
}

func short(hash string) string {
	if len(hash) <= 12 {
		return hash
	}
	return hash[:12]
}
