package chat

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/term"
	"golang.org/x/xerrors"

	"github.com/coder/graphchat/cmd/internal/cliflags"
	"github.com/coder/graphchat/lib/engine"
	"github.com/coder/graphchat/lib/logctx"
	"github.com/coder/graphchat/lib/msgfmt"
)

const helpText = `Commands:
  /new          start a new thread
  /threads      list threads
  /select <id>  switch to a thread
  /quit         exit
While the agent waits for input, the next line answers it.`

var errQuit = xerrors.New("quit")

type repl struct {
	eng *engine.Engine
	p   *printer
	in  *bufio.Scanner
	out io.Writer
	// prompt is printed before each line when stdin is a terminal.
	prompt bool
	// opContext scopes one operation, e.g. to cancel a turn on Ctrl+C.
	opContext func(context.Context) (context.Context, context.CancelFunc)
}

func (r *repl) run(ctx context.Context) error {
	r.p.Load(r.eng.Snapshot().Messages)
	for {
		if ctx.Err() != nil {
			return nil
		}
		if r.prompt {
			fmt.Fprint(r.out, "> ")
		}
		if !r.in.Scan() {
			return r.in.Err()
		}
		opCtx, cancel := r.opContext(ctx)
		err := r.handle(opCtx, r.in.Text())
		cancel()
		r.p.Flush()
		switch {
		case errors.Is(err, errQuit):
			return nil
		case errors.Is(err, context.Canceled):
		case err != nil:
			r.p.Println("error:", err)
		}
	}
}

func (r *repl) handle(ctx context.Context, line string) error {
	text := msgfmt.TrimWhitespace(line)
	switch {
	case text == "/quit" || text == "/exit":
		return errQuit
	case text == "/help":
		r.p.Println(helpText)
		return nil
	case text == "/new":
		thread, err := r.eng.CreateThread(ctx)
		if err != nil {
			return err
		}
		r.p.Println("Started thread", thread.ID)
		return nil
	case text == "/threads":
		snap := r.eng.Snapshot()
		if len(snap.Threads) == 0 {
			r.p.Println("No threads yet.")
			return nil
		}
		r.p.Println(r.p.f.Threads(snap.Threads, snap.ActiveThreadID))
		return nil
	case text == "/select" || strings.HasPrefix(text, "/select "):
		id := msgfmt.TrimWhitespace(strings.TrimPrefix(text, "/select"))
		if id == "" {
			return xerrors.New("usage: /select <id>")
		}
		return r.eng.SelectThread(ctx, id)
	}

	if ic := r.eng.Snapshot().CurrentInterrupt; ic != nil {
		response, summary, err := msgfmt.ParseResponse(ic, line)
		if err != nil {
			return err
		}
		return r.eng.SubmitInterruptResponse(ctx, response, summary)
	}
	if text == "" {
		return nil
	}
	return r.eng.SendMessage(ctx, line)
}

func runChat(ctx context.Context) error {
	cfg := cliflags.SetupConfig()
	if err := os.MkdirAll(cfg.StateDir, 0o700); err != nil {
		return xerrors.Errorf("failed to create state directory: %w", err)
	}
	logFile, err := os.OpenFile(filepath.Join(cfg.StateDir, "chat.log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return xerrors.Errorf("failed to open log file: %w", err)
	}
	defer logFile.Close()
	logger := cliflags.NewLogger(logFile)
	ctx = logctx.WithLogger(ctx, logger)

	width := msgfmt.DefaultWidth
	if w, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil && w > 0 {
		width = w
	}
	f := msgfmt.NewFormatter(os.Stdout, width)
	p := newPrinter(os.Stdout, f, isatty.IsTerminal(os.Stdout.Fd()))

	eng, closeStore, err := engine.Setup(ctx, cfg, p)
	if err != nil {
		return xerrors.Errorf("failed to set up engine: %w", err)
	}
	defer func() {
		if err := closeStore(); err != nil {
			logger.Error("Failed to close storage", "error", err)
		}
	}()

	interactive := isatty.IsTerminal(os.Stdin.Fd())
	if interactive {
		fmt.Println(f.Rule())
		fmt.Printf("graphchat connected to %s. Type /help for commands.\n", cfg.BaseURL)
		fmt.Println(f.Rule())
	}
	r := &repl{
		eng:    eng,
		p:      p,
		in:     bufio.NewScanner(os.Stdin),
		out:    os.Stdout,
		prompt: interactive,
		opContext: func(ctx context.Context) (context.Context, context.CancelFunc) {
			return signal.NotifyContext(ctx, os.Interrupt)
		},
	}
	return r.run(ctx)
}

func CreateChatCmd() *cobra.Command {
	specs := cliflags.Common()
	chatCmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat with the graph agent in the terminal",
		Long:  "Chat with the graph agent line by line. Threads and transcripts are kept in the state directory.",
		Args:  cobra.NoArgs,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return cliflags.Bind(cmd, specs)
		},
		Run: func(cmd *cobra.Command, args []string) {
			if viper.GetBool(cliflags.FlagExit) {
				return
			}
			if err := runChat(context.Background()); err != nil {
				fmt.Fprintf(os.Stderr, "%+v\n", err)
				os.Exit(1)
			}
		},
	}
	cliflags.Register(chatCmd, specs)
	return chatCmd
}
