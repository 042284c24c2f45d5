package ui

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"outray/internal/client"
)

// ConflictPrompt asks the operator how to resolve a taken subdomain. It
// implements client.ConflictPrompter over an arbitrary reader so tests
// can script answers.
type ConflictPrompt struct {
	In  io.Reader
	Out io.Writer
}

// Resolve implements client.ConflictPrompter.
func (p *ConflictPrompt) Resolve(subdomain string) (client.ConflictChoice, error) {
	fmt.Fprintln(p.Out)
	fmt.Fprintln(p.Out, warnStyle.Render(fmt.Sprintf("Subdomain %q is already in use.", subdomain)))
	fmt.Fprintln(p.Out, "  [t] take it over (disconnects the current owner)")
	fmt.Fprintln(p.Out, "  [r] use a random subdomain instead")
	fmt.Fprintln(p.Out, "  [x] exit")

	scanner := bufio.NewScanner(p.In)
	for {
		fmt.Fprint(p.Out, "Choice [t/r/x]: ")
		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				return client.ConflictAbort, err
			}
			return client.ConflictAbort, nil
		}
		switch strings.ToLower(strings.TrimSpace(scanner.Text())) {
		case "t", "takeover":
			return client.ConflictTakeover, nil
		case "r", "random", "":
			return client.ConflictRandom, nil
		case "x", "exit", "q":
			return client.ConflictAbort, nil
		}
	}
}
