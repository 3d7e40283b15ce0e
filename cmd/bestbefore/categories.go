package main

import (
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/msageha/bestbefore/internal/model"
	"github.com/msageha/bestbefore/internal/reminder"
	"github.com/msageha/bestbefore/internal/uds"
)

func (c *cli) categoriesCmd() *cobra.Command {
	list := func(cmd *cobra.Command, _ []string) error {
		return callAndPrint(c, cmd, uds.CmdCategoryList, nil, renderCategories)
	}
	cmd := &cobra.Command{
		Use:   "categories",
		Short: "Manage per-category reminder lead times",
		Args:  cobra.NoArgs,
		RunE:  list,
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List category overrides",
			Args:  cobra.NoArgs,
			RunE:  list,
		},
		&cobra.Command{
			Use:   "set <category> <days>",
			Short: "Remind <days> days before expiry for products in <category>",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				days, err := strconv.Atoi(args[1])
				if err != nil {
					return fmt.Errorf("days must be a whole number: %q", args[1])
				}
				params := uds.CategoryParams{CategoryName: args[0], ReminderDays: days}
				return callAndPrint(c, cmd, uds.CmdCategorySet, params, func(w io.Writer, s model.CategoryReminderSetting) {
					fmt.Fprintf(w, "%s: remind %d days before expiry\n", s.CategoryName, s.ReminderDays)
				})
			},
		},
		&cobra.Command{
			Use:   "delete <category>",
			Short: "Drop a category override",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				params := uds.CategoryParams{CategoryName: args[0]}
				return callAndPrint(c, cmd, uds.CmdCategoryDelete, params, func(w io.Writer, _ uds.CategoryParams) {
					fmt.Fprintf(w, "%s: back to the default lead time\n", args[0])
				})
			},
		},
	)
	return cmd
}

func renderCategories(w io.Writer, settings []model.CategoryReminderSetting) {
	if len(settings) == 0 {
		fmt.Fprintln(w, "No category overrides.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CATEGORY\tDAYS BEFORE")
	for _, s := range settings {
		fmt.Fprintf(tw, "%s\t%d\n", s.CategoryName, s.ReminderDays)
	}
	_ = tw.Flush()
}

func (c *cli) remindersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reminders",
		Short: "List scheduled expiry reminders",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return callAndPrint(c, cmd, uds.CmdReminderList, nil, renderReminders)
		},
	}
}

func renderReminders(w io.Writer, entries []reminder.LedgerEntry) {
	if len(entries) == 0 {
		fmt.Fprintln(w, "No reminders scheduled.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "FIRES AT\tDAYS BEFORE\tPRODUCT\tHANDLE")
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\n", e.TriggerAt, e.DaysBefore, e.ProductID, e.Handle)
	}
	_ = tw.Flush()
}
