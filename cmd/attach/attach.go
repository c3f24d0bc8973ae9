package attach

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/coder/graphchat/lib/chat"
	"github.com/coder/graphchat/lib/msgfmt"
	"github.com/coder/graphchat/lib/util"
	"github.com/spf13/cobra"
	"golang.org/x/xerrors"
)

// waitForState polls the server until it answers, for a server that is still
// starting up.
func waitForState(ctx context.Context, client *Client, wait time.Duration) (chat.Snapshot, error) {
	var (
		snap    chat.Snapshot
		lastErr error
	)
	err := util.WaitFor(ctx, util.WaitTimeout{Timeout: wait, MinInterval: 50 * time.Millisecond}, func() (bool, error) {
		snap, lastErr = client.State(ctx)
		return lastErr == nil, nil
	})
	if err != nil {
		if lastErr == nil {
			lastErr = err
		}
		return chat.Snapshot{}, xerrors.Errorf("failed to get server state: %w", lastErr)
	}
	return snap, nil
}

func runAttach(remoteURL string, wait time.Duration) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client := NewClient(remoteURL)
	snap, err := waitForState(ctx, client, wait)
	if err != nil {
		return err
	}

	f := msgfmt.NewFormatter(os.Stdout, msgfmt.DefaultWidth)
	p := tea.NewProgram(newModel(ctx, client, f, snap), tea.WithAltScreen())

	eventCh := make(chan Event, 64)
	go func() {
		err := client.ReadEvents(ctx, eventCh)
		if errors.Is(err, context.Canceled) || ctx.Err() != nil {
			return
		}
		p.Send(streamClosedMsg{err: err})
	}()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-eventCh:
				p.Send(eventMsg(ev))
			}
		}
	}()

	final, err := p.Run()
	if err != nil {
		return xerrors.Errorf("failed to run terminal UI: %w", err)
	}
	if m, ok := final.(model); ok && m.err != nil {
		return m.err
	}
	return nil
}

var (
	remoteURLArg string
	waitArg      time.Duration
)

var AttachCmd = &cobra.Command{
	Use:   "attach",
	Short: "Attach to a running graphchat server",
	Long:  "Attach a terminal UI to a running graphchat serve. Several terminals may attach to the same server.",
	Run: func(cmd *cobra.Command, args []string) {
		if remoteURLArg == "" {
			fmt.Fprintln(os.Stderr, "URL is required")
			os.Exit(1)
		}
		if err := runAttach(remoteURLArg, waitArg); err != nil {
			fmt.Fprintf(os.Stderr, "Attach failed: %+v\n", err)
			os.Exit(1)
		}
	},
}

func init() {
	AttachCmd.Flags().StringVarP(&remoteURLArg, "url", "u", "localhost:3284", "URL of the graphchat server to attach to. May optionally include a protocol and a path.")
	AttachCmd.Flags().DurationVarP(&waitArg, "wait", "w", 5*time.Second, "How long to wait for the server to answer before giving up")
}
