package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/ayusman/pluginwarden/internal/policy"
)

// terminalApprover asks the user on a terminal before an untrusted plugin loads.
type terminalApprover struct {
	in  *bufio.Reader
	out io.Writer
}

func newTerminalApprover(in io.Reader, out io.Writer) *terminalApprover {
	return &terminalApprover{in: bufio.NewReader(in), out: out}
}

// Approve implements policy.Approver. Anything but y or yes is a denial.
func (a *terminalApprover) Approve(ctx context.Context, req policy.ApprovalRequest) error {
	fmt.Fprintf(a.out, "\n%s\n", req.Title)
	fmt.Fprintf(a.out, "  capabilities: %s\n", req.Metadata.Capabilities)
	if req.Metadata.Requested != nil {
		fmt.Fprintf(a.out, "  requested:    %s\n", req.Metadata.Requested)
	}
	fmt.Fprint(a.out, "Approve? [y/N]: ")

	answer := make(chan string, 1)
	go func() {
		line, _ := a.in.ReadString('\n')
		answer <- line
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(a.out)
		return ctx.Err()
	case line := <-answer:
		switch strings.ToLower(strings.TrimSpace(line)) {
		case "y", "yes":
			return nil
		}
		return policy.ErrApprovalDenied
	}
}
