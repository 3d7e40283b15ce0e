package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/msageha/bestbefore/internal/config"
	"github.com/msageha/bestbefore/internal/daemon"
	"github.com/msageha/bestbefore/internal/lookup"
	"github.com/msageha/bestbefore/internal/model"
	"github.com/msageha/bestbefore/internal/uds"
)

type productFlags struct {
	name     string
	expiry   string
	category string
	location string
	details  string
	barcode  string
	badges   []string
}

func (f *productFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.name, "name", "", "product name")
	cmd.Flags().StringVar(&f.expiry, "expiry", "", "expiry date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&f.category, "category", "", "category, e.g. Dairy")
	cmd.Flags().StringVar(&f.location, "location", "", "storage location, e.g. Fridge")
	cmd.Flags().StringVar(&f.details, "details", "", "free-form notes")
	cmd.Flags().StringVar(&f.barcode, "barcode", "", "EAN/UPC barcode")
	cmd.Flags().StringSliceVar(&f.badges, "badge", nil, "nutrition badge (repeatable)")
}

func (c *cli) addCmd() *cobra.Command {
	var (
		f        productFlags
		noLookup bool
	)
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a product",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rec := model.ProductRecord{
				Name:            f.name,
				ExpiryDate:      f.expiry,
				Category:        f.category,
				StorageLocation: f.location,
				Details:         f.details,
				Badges:          f.badges,
			}
			if f.barcode != "" {
				barcode := f.barcode
				rec.Barcode = &barcode
				if !noLookup {
					c.prefill(cmd.Context(), cmd.ErrOrStderr(), &rec)
				}
			}
			return callAndPrint(c, cmd, uds.CmdProductAdd, rec, func(w io.Writer, p model.Product) {
				fmt.Fprintf(w, "Added %s (%s, expires %s)\n", p.Name, p.ID, p.ExpiryDate)
			})
		},
	}
	f.register(cmd)
	cmd.Flags().BoolVar(&noLookup, "no-lookup", false, "do not query Open Food Facts for --barcode")
	return cmd
}

// prefill completes rec from the barcode lookup. Lookup failures only warn.
func (c *cli) prefill(ctx context.Context, stderr io.Writer, rec *model.ProductRecord) {
	baseURL, timeout := lookup.DefaultBaseURL, time.Duration(config.DefaultLookupTimeoutSec)*time.Second
	if _, cfg, err := c.loadConfig(); err == nil {
		baseURL, timeout = cfg.Lookup.BaseURL, config.LookupTimeout(cfg)
	}
	food, err := lookup.New(baseURL, timeout).Lookup(ctx, *rec.Barcode)
	if err != nil {
		fmt.Fprintf(stderr, "warning: barcode lookup: %v\n", err)
		return
	}
	applyLookup(rec, food)
}

func applyLookup(rec *model.ProductRecord, food lookup.FoodProduct) {
	if rec.Name == "" {
		rec.Name = food.ProductName
	}
	if rec.ExpiryDate == "" {
		if _, err := time.Parse(model.DateFormat, food.ExpirationDate); err == nil {
			rec.ExpiryDate = food.ExpirationDate
		}
	}
	seen := make(map[string]bool, len(rec.Badges))
	for _, b := range rec.Badges {
		seen[b] = true
	}
	for _, b := range food.Badges {
		if !seen[b] {
			rec.Badges = append(rec.Badges, b)
			seen[b] = true
		}
	}
	if rec.NutritionGrade == "" {
		rec.NutritionGrade = food.NutritionGrade
	}
}

func (c *cli) editCmd() *cobra.Command {
	var f productFlags
	cmd := &cobra.Command{
		Use:   "edit <id>",
		Short: "Change fields of a product",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			patch := patchFromFlags(cmd, &f)
			if patch.Empty() {
				return errors.New("nothing to change; pass at least one field flag")
			}
			params := map[string]any{"id": args[0], "updates": patch}
			return callAndPrint(c, cmd, uds.CmdProductEdit, params, func(w io.Writer, _ uds.EditParams) {
				fmt.Fprintf(w, "Updated %s\n", args[0])
			})
		},
	}
	f.register(cmd)
	return cmd
}

// patchFromFlags sets exactly the fields whose flags were given.
func patchFromFlags(cmd *cobra.Command, f *productFlags) model.ProductPatch {
	var p model.ProductPatch
	changed := cmd.Flags().Changed
	if changed("name") {
		p.Name = &f.name
	}
	if changed("expiry") {
		p.ExpiryDate = &f.expiry
	}
	if changed("category") {
		p.Category = &f.category
	}
	if changed("location") {
		p.StorageLocation = &f.location
	}
	if changed("details") {
		p.Details = &f.details
	}
	if changed("barcode") {
		p.Barcode = &f.barcode
	}
	if changed("badge") {
		p.Badges = &f.badges
	}
	return p
}

func (c *cli) deleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a product",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return callAndPrint(c, cmd, uds.CmdProductDelete, uds.IDParams{ID: args[0]}, func(w io.Writer, _ uds.IDParams) {
				fmt.Fprintf(w, "Deleted %s\n", args[0])
			})
		},
	}
}

func (c *cli) listCmd() *cobra.Command {
	var refresh bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List products by expiry date",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			command := uds.CmdProductList
			if refresh {
				command = uds.CmdRefresh
			}
			return callAndPrint(c, cmd, command, nil, renderProducts)
		},
	}
	cmd.Flags().BoolVar(&refresh, "refresh", false, "sync with the remote store first")
	return cmd
}

func renderProducts(w io.Writer, r daemon.RefreshResult) {
	if r.Stale {
		fmt.Fprintf(w, "warning: showing last known products: %s\n", r.Error)
	}
	if len(r.Products) == 0 {
		fmt.Fprintln(w, "No products.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "EXPIRES\tNAME\tCATEGORY\tLOCATION\tID\tSYNC")
	for _, p := range r.Products {
		sync := "ok"
		if p.Pending {
			sync = "pending " + strings.ToLower(string(p.PendingAction))
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", p.ExpiryDate, p.Name, dash(p.Category), dash(p.StorageLocation), p.ID, sync)
	}
	_ = tw.Flush()
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func (c *cli) lookupCmd() *cobra.Command {
	var baseURL string
	cmd := &cobra.Command{
		Use:   "lookup <barcode>",
		Short: "Look up a barcode on Open Food Facts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			timeout := time.Duration(config.DefaultLookupTimeoutSec) * time.Second
			if baseURL == "" {
				baseURL = lookup.DefaultBaseURL
				if _, cfg, err := c.loadConfig(); err == nil {
					baseURL, timeout = cfg.Lookup.BaseURL, config.LookupTimeout(cfg)
				}
			}
			food, err := lookup.New(baseURL, timeout).Lookup(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			if c.jsonOut {
				return printJSON(w, food)
			}
			fmt.Fprintf(w, "Name:    %s\n", dash(food.ProductName))
			fmt.Fprintf(w, "Grade:   %s\n", dash(food.NutritionGrade))
			fmt.Fprintf(w, "Expires: %s\n", dash(food.ExpirationDate))
			fmt.Fprintf(w, "Badges:  %s\n", dash(strings.Join(food.Badges, ", ")))
			return nil
		},
	}
	cmd.Flags().StringVar(&baseURL, "base-url", "", "Open Food Facts base URL (default: lookup.base_url from config)")
	return cmd
}
