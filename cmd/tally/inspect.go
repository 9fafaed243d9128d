package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"tally/internal/logging"
)

var (
	pingTimeout  time.Duration
	describeTree bool
)

var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Check the store and every configured provider",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		app, err := loadApp(ctx)
		if err != nil {
			return err
		}
		defer app.Close()

		rows := pterm.TableData{{"Target", "Name", "Status"}}
		failed := 0
		check := func(target, name string, fn func(context.Context) error) {
			cctx, cancel := context.WithTimeout(ctx, pingTimeout)
			defer cancel()
			status := pterm.Green("ok")
			if err := fn(cctx); err != nil {
				status = pterm.Red(logging.Mask(err.Error()))
				failed++
			}
			rows = append(rows, []string{target, name, status})
		}

		check("store", string(app.Store.Driver()), app.Store.Ping)
		for _, key := range app.Providers.Keys() {
			m, _ := app.Providers.Get(key)
			check("provider", key+" ("+m.Name()+")", m.TestConnection)
		}
		if err := pterm.DefaultTable.WithHasHeader().WithData(rows).Render(); err != nil {
			return err
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d checks failed", failed, len(rows)-1)
		}
		return nil
	},
}

var describeCmd = &cobra.Command{
	Use:   "describe",
	Short: "Print the database overview the assistant is primed with",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		app, err := loadApp(ctx)
		if err != nil {
			return err
		}
		defer app.Close()

		d, err := app.Describer.Describe(ctx)
		if err != nil {
			return err
		}
		if describeTree {
			fmt.Println(d.CategoryTree)
			return nil
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(d)
	},
}

func init() {
	pingCmd.Flags().DurationVar(&pingTimeout, "timeout", 15*time.Second, "timeout per check")
	describeCmd.Flags().BoolVar(&describeTree, "tree", false, "print only the category tree")
}
