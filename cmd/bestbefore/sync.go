package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/msageha/bestbefore/internal/daemon"
	"github.com/msageha/bestbefore/internal/model"
	"github.com/msageha/bestbefore/internal/syncqueue"
	"github.com/msageha/bestbefore/internal/uds"
)

func (c *cli) replayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "replay",
		Short: "Replay queued offline changes now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return callAndPrint(c, cmd, uds.CmdReplay, nil, renderReport)
		},
	}
}

func renderReport(w io.Writer, r syncqueue.Report) {
	if r.Loaded == 0 {
		fmt.Fprintln(w, "Queue is empty.")
		return
	}
	fmt.Fprintf(w, "Replayed %d of %d: applied=%d already_applied=%d dead_lettered=%d\n",
		r.Applied+r.AlreadyApplied+r.DeadLettered, r.Loaded, r.Applied, r.AlreadyApplied, r.DeadLettered)
	if r.Halted {
		fmt.Fprintf(w, "Halted at entry %s (position %d): %s\n", r.HaltedEntry, r.HaltPosition, r.Error)
		fmt.Fprintln(w, "The queue is kept unchanged and will be retried.")
	}
}

func (c *cli) queueCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "queue",
		Short: "Show pending offline changes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return callAndPrint(c, cmd, uds.CmdQueueList, nil, renderQueue)
		},
	}
}

func renderQueue(w io.Writer, entries []model.QueueEntry) {
	if len(entries) == 0 {
		fmt.Fprintln(w, "Queue is empty.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tACTION\tPRODUCT\tQUEUED AT")
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", e.ID, e.Action, productOf(e), e.Timestamp)
	}
	_ = tw.Flush()
}

func productOf(e model.QueueEntry) string {
	id, err := e.ProductID()
	if err != nil {
		return "?"
	}
	return id
}

func (c *cli) deadLettersCmd() *cobra.Command {
	list := func(cmd *cobra.Command, _ []string) error {
		return callAndPrint(c, cmd, uds.CmdDeadLetterList, nil, renderDeadLetters)
	}
	cmd := &cobra.Command{
		Use:   "dead-letters",
		Short: "Inspect changes the remote store rejected",
		Args:  cobra.NoArgs,
		RunE:  list,
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List rejected changes",
			Args:  cobra.NoArgs,
			RunE:  list,
		},
		&cobra.Command{
			Use:   "requeue <id>",
			Short: "Put a rejected change back on the queue",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return callAndPrint(c, cmd, uds.CmdDeadLetterRequeue, uds.IDParams{ID: args[0]}, func(w io.Writer, e model.QueueEntry) {
					fmt.Fprintf(w, "Requeued %s as %s\n", args[0], e.ID)
				})
			},
		},
		&cobra.Command{
			Use:   "purge",
			Short: "Discard every rejected change",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return callAndPrint(c, cmd, uds.CmdDeadLetterPurge, nil, func(w io.Writer, r daemon.CountResult) {
					fmt.Fprintf(w, "Purged %d dead letters\n", r.Count)
				})
			},
		},
	)
	return cmd
}

func renderDeadLetters(w io.Writer, letters []model.DeadLetter) {
	if len(letters) == 0 {
		fmt.Fprintln(w, "No dead letters.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tACTION\tPRODUCT\tREJECTED AT\tREASON")
	for _, l := range letters {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", l.ID, l.Entry.Action, productOf(l.Entry), l.DeadLetteredAt, l.Reason)
	}
	_ = tw.Flush()
}

func (c *cli) statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show session and sync status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return callAndPrint(c, cmd, uds.CmdStatus, nil, renderStatus)
		},
	}
}

func renderStatus(w io.Writer, st daemon.StatusResult) {
	fmt.Fprintf(w, "Daemon:       running (pid %d)\n", st.PID)
	fmt.Fprintf(w, "Storage:      %s\n", st.Storage)
	fmt.Fprintf(w, "Remote:       %s\n", st.Remote)
	if st.UserID == "" {
		fmt.Fprintln(w, "Session:      signed out")
		return
	}
	who := st.UserID
	if st.SignedInAs != "" {
		who = st.SignedInAs + " (" + st.UserID + ")"
	}
	fmt.Fprintf(w, "Session:      %s\n", who)
	fmt.Fprintf(w, "Products:     %d\n", st.Products)
	fmt.Fprintf(w, "Pending:      %d\n", st.Pending)
	fmt.Fprintf(w, "Dead letters: %d\n", st.DeadLetters)
	fmt.Fprintf(w, "Reminders:    %d scheduled, %d in outbox\n", st.Reminders, st.Outbox)
	if st.RefreshedAt != "" {
		fmt.Fprintf(w, "Refreshed at: %s\n", st.RefreshedAt)
	}
	if r := st.LastReplay; r != nil {
		state := "completed"
		if r.Halted {
			state = "halted: " + r.Error
		}
		fmt.Fprintf(w, "Last replay:  %s (%s)\n", r.FinishedAt, state)
	}
}
