package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/xiaot623/gogo/finassist/internal/domain"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Addr    string
	Session string
	Timeout time.Duration
	JSON    bool
}

func (o *RootOptions) client() *Client {
	return NewClient(o.Addr, o.Timeout)
}

// NewRootCommand creates the root command.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:           "finassist-cli",
		Short:         "Drive the finance assistant from the terminal",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	defaultAddr := os.Getenv("FINASSIST_ADDR")
	if defaultAddr == "" {
		defaultAddr = "http://localhost:8080"
	}
	cmd.PersistentFlags().StringVar(&opts.Addr, "addr", defaultAddr, "finassist server address")
	cmd.PersistentFlags().StringVar(&opts.Session, "session", "", "session ID for commands")
	cmd.PersistentFlags().DurationVar(&opts.Timeout, "timeout", 60*time.Second, "request timeout")
	cmd.PersistentFlags().BoolVar(&opts.JSON, "json", false, "print raw JSON")

	cmd.AddCommand(
		newSendCommand(opts),
		newRunsCommand(opts),
		newRunCommand(opts),
		newEventsCommand(opts),
		newActionCommand(opts, "approve", "Approve a run's pending step"),
		newActionCommand(opts, "reject", "Reject a run's pending step"),
		newActionCommand(opts, "resume", "Resume a run whose exceptions are resolved"),
		newActionCommand(opts, "retry", "Retry a failed run from the failed step"),
		newActionCommand(opts, "abandon", "Abandon a suspended run"),
		newExceptionsCommand(opts),
		newResolveCommand(opts, true),
		newResolveCommand(opts, false),
		newApprovalsCommand(opts),
		newWatchCommand(opts),
	)
	return cmd
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newSendCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "send <command...>",
		Short: "Send a free-text command",
		Example: `  finassist-cli send create invoice from doc-001
  finassist-cli send "send reminder to Globex for 45 days"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := opts.client().Command(cmd.Context(), strings.Join(args, " "), opts.Session)
			if err != nil {
				return err
			}
			if opts.JSON {
				return printJSON(cmd.OutOrStdout(), resp)
			}
			fmt.Fprint(cmd.OutOrStdout(), renderRun(resp.Run))
			return nil
		},
	}
}

func newRunsCommand(opts *RootOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recent runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			runs, err := opts.client().Runs(cmd.Context(), opts.Session, limit)
			if err != nil {
				return err
			}
			if opts.JSON {
				return printJSON(cmd.OutOrStdout(), runs)
			}
			for _, r := range runs {
				fmt.Fprintln(cmd.OutOrStdout(), renderRunLine(r))
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum runs to list")
	return cmd
}

func newRunCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run <run-id>",
		Short: "Show a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			run, err := opts.client().Run(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if opts.JSON {
				return printJSON(cmd.OutOrStdout(), run)
			}
			fmt.Fprint(cmd.OutOrStdout(), renderRun(*run))
			return nil
		},
	}
}

func newEventsCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "events <run-id>",
		Short: "Print a run's timeline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			events, err := opts.client().Events(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if opts.JSON {
				return printJSON(cmd.OutOrStdout(), events)
			}
			for _, ev := range events {
				fmt.Fprintln(cmd.OutOrStdout(), renderEvent(ev))
			}
			return nil
		},
	}
}

func newActionCommand(opts *RootOptions, action, short string) *cobra.Command {
	var reason, by string
	cmd := &cobra.Command{
		Use:   action + " <run-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var body interface{}
			switch action {
			case "approve":
				body = domain.ApproveRequest{DecidedBy: by}
			case "reject":
				body = domain.RejectRequest{Reason: reason, DecidedBy: by}
			case "abandon":
				body = domain.AbandonRequest{Reason: reason}
			}
			resp, err := opts.client().Action(cmd.Context(), args[0], action, body)
			if err != nil {
				return err
			}
			if opts.JSON {
				return printJSON(cmd.OutOrStdout(), resp)
			}
			if !resp.Applied {
				fmt.Fprintln(cmd.OutOrStdout(), dimStyle.Render(fmt.Sprintf("%s ignored: run is %s", action, resp.Run.State)))
			}
			fmt.Fprint(cmd.OutOrStdout(), renderRun(resp.Run))
			return nil
		},
	}
	switch action {
	case "approve":
		cmd.Flags().StringVar(&by, "by", os.Getenv("USER"), "approver identity")
	case "reject":
		cmd.Flags().StringVar(&by, "by", os.Getenv("USER"), "approver identity")
		cmd.Flags().StringVar(&reason, "reason", "", "rejection reason")
	case "abandon":
		cmd.Flags().StringVar(&reason, "reason", "", "why the run is dropped")
	}
	return cmd
}

func newExceptionsCommand(opts *RootOptions) *cobra.Command {
	var runID string
	cmd := &cobra.Command{
		Use:   "exceptions",
		Short: "List outstanding exception items",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			items, err := opts.client().Exceptions(cmd.Context(), runID)
			if err != nil {
				return err
			}
			if opts.JSON {
				return printJSON(cmd.OutOrStdout(), items)
			}
			if len(items) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), dimStyle.Render("no outstanding exceptions"))
			}
			for _, item := range items {
				fmt.Fprintln(cmd.OutOrStdout(), renderException(item))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&runID, "run", "", "only items for this run")
	return cmd
}

func newResolveCommand(opts *RootOptions, accept bool) *cobra.Command {
	use, short := "dismiss <exception-id>", "Dismiss an exception item"
	if accept {
		use, short = "accept <exception-id> [value]", "Accept an exception item, optionally with a corrected value"
	}
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !accept && len(args) > 1 {
				return fmt.Errorf("dismiss takes no value")
			}
			value := ""
			if len(args) == 2 {
				value = args[1]
			}
			resp, err := opts.client().Resolve(cmd.Context(), args[0], accept, value)
			if err != nil {
				return err
			}
			if opts.JSON {
				return printJSON(cmd.OutOrStdout(), resp)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s resolved, %d remaining\n", resp.Exception.ID, resp.Remaining)
			if resp.Resumed {
				fmt.Fprint(cmd.OutOrStdout(), renderRun(resp.Run))
			}
			return nil
		},
	}
}

func newApprovalsCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "approvals",
		Short: "List runs waiting for approval",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			approvals, err := opts.client().Approvals(cmd.Context())
			if err != nil {
				return err
			}
			if opts.JSON {
				return printJSON(cmd.OutOrStdout(), approvals)
			}
			if len(approvals) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), dimStyle.Render("nothing awaiting approval"))
			}
			for _, p := range approvals {
				fmt.Fprintln(cmd.OutOrStdout(), renderApproval(p))
			}
			return nil
		},
	}
}

// wsFrame is the union of frames the server pushes.
type wsFrame struct {
	Type    string           `json:"type"`
	Event   domain.TaskEvent `json:"event"`
	Code    string           `json:"code"`
	Message string           `json:"message"`
}

func newWatchCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "watch [run-id]",
		Short: "Stream live events, for one run or all runs",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			runID := ""
			if len(args) == 1 {
				runID = args[0]
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()
			return watch(ctx, opts.client().wsURL(runID), cmd.OutOrStdout(), opts.JSON)
		},
	}
}

func watch(ctx context.Context, addr string, out io.Writer, raw bool) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, addr, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}
		if raw {
			fmt.Fprintln(out, string(data))
			continue
		}
		var frame wsFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			continue
		}
		switch frame.Type {
		case "task_event":
			fmt.Fprintf(out, "%s  %s\n", dimStyle.Render(frame.Event.RunID), renderEvent(frame.Event))
		case "error":
			fmt.Fprintln(out, statusError.Render(frame.Code+": "+frame.Message))
		}
	}
}
