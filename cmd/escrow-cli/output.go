package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"skillchain/services/escrowd/api"
)

func emit(w io.Writer, opts *rootOptions, v any, text func(io.Writer)) error {
	if opts.Format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	text(w)
	return nil
}

func printStatus(w io.Writer, st api.StatusResponse) {
	fmt.Fprintf(w, "escrow %s: %s\n", st.ID, st.Status)
}

func printMilestones(w io.Writer, ms []api.MilestoneView) {
	if len(ms) == 0 {
		fmt.Fprintln(w, "no milestones")
		return
	}
	for _, m := range ms {
		state := "pending"
		if m.Released {
			state = "released"
		}
		line := fmt.Sprintf("  #%d %s %s", m.ID, m.Amount, state)
		if m.Description != "" {
			line += " - " + m.Description
		}
		fmt.Fprintln(w, line)
	}
}

func printEscrow(w io.Writer, v api.EscrowView) {
	fmt.Fprintf(w, "Escrow %s\n", v.ID)
	fmt.Fprintf(w, "  status:    %s\n", v.Status)
	fmt.Fprintf(w, "  payer:     %s\n", v.Payer)
	fmt.Fprintf(w, "  payee:     %s\n", v.Payee)
	if v.Arbiter != "" {
		fmt.Fprintf(w, "  arbiter:   %s\n", v.Arbiter)
	}
	fmt.Fprintf(w, "  total:     %s\n", v.TotalAmount)
	fmt.Fprintf(w, "  deposited: %s\n", v.Deposited)
	fmt.Fprintf(w, "  released:  %s\n", v.Released)
	if v.CancelRequestedBy != "" {
		fmt.Fprintf(w, "  cancel requested by: %s\n", v.CancelRequestedBy)
	}
	fmt.Fprintln(w, "  milestones:")
	printMilestones(w, v.Milestones)
}

func printList(w io.Writer, l api.ListResponse) {
	if len(l.Escrows) == 0 {
		fmt.Fprintf(w, "%s has no escrows as %s\n", l.Identity, l.Role)
		return
	}
	fmt.Fprintf(w, "%s (%s): %s\n", l.Identity, l.Role, strings.Join(l.Escrows, ", "))
}
