package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"tally/pkg/agent"
	"tally/pkg/memory"
)

var askJSON bool

// historyPayload caps tool payloads printed by /history.
const historyPayload = 300

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Start an interactive conversation",
	Long: `Start an interactive conversation about your receipts.

Commands:
  /history           print the conversation so far, tool calls included
  /reset             forget the conversation
  /provider <key>    switch provider for the next turns
  /exit              leave`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer stop()

		app, err := loadApp(ctx)
		if err != nil {
			return err
		}
		defer app.Close()

		sess, err := app.NewSession(providerKey)
		if err != nil {
			return err
		}
		pterm.DefaultHeader.Println("tally")
		pterm.Info.Printf("providers: %s (type /exit to leave)\n", strings.Join(app.Providers.Keys(), ", "))
		return repl(ctx, sess, os.Stdin, os.Stdout)
	},
}

var askCmd = &cobra.Command{
	Use:   "ask <question>",
	Short: "Ask a single question and print the answer",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer stop()

		app, err := loadApp(ctx)
		if err != nil {
			return err
		}
		defer app.Close()

		sess, err := app.NewSession(providerKey)
		if err != nil {
			return err
		}

		question := strings.Join(args, " ")
		if askJSON {
			res, err := sess.SendTurn(ctx, question, nil)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(res)
		}

		res, err := sess.SendTurn(ctx, question, newRenderer(os.Stdout).handle)
		if err != nil {
			return err
		}
		if !res.Success {
			return fmt.Errorf("no answer: %s", res.ErrorMessage)
		}
		return nil
	},
}

func init() {
	askCmd.Flags().BoolVar(&askJSON, "json", false, "print the turn result as JSON")
}

// command is one parsed REPL line.
type command struct {
	name string // "", "history", "reset", "provider", "exit"
	arg  string
	text string
}

func parseCommand(line string) command {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "/") {
		return command{text: line}
	}
	name, arg, _ := strings.Cut(strings.TrimPrefix(line, "/"), " ")
	switch name = strings.ToLower(name); name {
	case "quit", "q":
		name = "exit"
	}
	return command{name: name, arg: strings.TrimSpace(arg)}
}

func repl(ctx context.Context, sess *agent.Session, in io.Reader, out io.Writer) error {
	scanner := bufio.NewScanner(in)
	r := newRenderer(out)
	for {
		fmt.Fprint(out, pterm.FgCyan.Sprint("you> "))
		if !scanner.Scan() {
			fmt.Fprintln(out)
			return scanner.Err()
		}

		cmd := parseCommand(scanner.Text())
		switch cmd.name {
		case "":
			if cmd.text == "" {
				continue
			}
		case "exit":
			return nil
		case "history":
			fmt.Fprintln(out, memory.FormatHistory(sess.History(), historyPayload))
			continue
		case "reset":
			sess.Reset()
			pterm.Success.Println("conversation cleared")
			continue
		case "provider":
			if err := sess.SetProvider(cmd.arg); err != nil {
				pterm.Error.Println(err)
			} else {
				pterm.Success.Printf("provider: %s\n", orDefault(cmd.arg))
			}
			continue
		default:
			pterm.Warning.Printf("unknown command /%s\n", cmd.name)
			continue
		}

		if _, err := sess.SendTurn(ctx, cmd.text, r.handle); err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
	}
}

func orDefault(key string) string {
	if key == "" {
		return "default"
	}
	return key
}
