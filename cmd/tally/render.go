package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/pterm/pterm"

	"tally/pkg/agent"
)

// renderer prints turn progress: streamed text to out, tool activity as spinners.
type renderer struct {
	out      io.Writer
	spinner  *pterm.SpinnerPrinter
	streamed bool
}

func newRenderer(out io.Writer) *renderer {
	return &renderer{out: out}
}

func (r *renderer) handle(ev agent.Event) {
	switch ev.Type {
	case agent.EventTextDelta:
		r.stopSpinner()
		fmt.Fprint(r.out, ev.Text)
		r.streamed = true
	case agent.EventToolCallStarted:
		r.endLine()
		r.spinner, _ = pterm.DefaultSpinner.WithRemoveWhenDone(false).Start(describeCall(ev))
	case agent.EventToolCallFinished:
		if r.spinner == nil {
			return
		}
		if ev.Result != nil && !ev.Result.Success {
			r.spinner.Fail(describeCall(ev) + ": " + ev.Result.ErrorMessage)
		} else {
			r.spinner.Success(describeCall(ev))
		}
		r.spinner = nil
	case agent.EventTurnComplete:
		r.stopSpinner()
		r.endLine()
		if t := ev.Turn; t != nil && !t.Success {
			pterm.Error.Printf("%s (%s)\n", t.ErrorMessage, t.ErrorKind)
		}
	}
}

func (r *renderer) endLine() {
	if r.streamed {
		fmt.Fprintln(r.out)
		r.streamed = false
	}
}

func (r *renderer) stopSpinner() {
	if r.spinner != nil {
		r.spinner.Stop()
		r.spinner = nil
	}
}

func describeCall(ev agent.Event) string {
	if ev.Call == nil {
		return "tool"
	}
	args := strings.TrimSpace(ev.Call.Function.Arguments)
	if len(args) > 120 {
		args = args[:117] + "..."
	}
	return fmt.Sprintf("%s %s", ev.Call.Function.Name, args)
}
