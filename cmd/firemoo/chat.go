package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/firemoo/firemoo-go/chat"
	"github.com/firemoo/firemoo-go/identity"
	"github.com/firemoo/firemoo-go/widget"
)

var errQuit = errors.New("quit")

func newChatCommand() *cobra.Command {
	var (
		storageKind string
		statePath   string
		page        string
	)
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Talk to support from the terminal",
		Long: "Opens the chat widget in the terminal. Commands: /open, /close, " +
			"/new (start a new conversation), /continue, /quit.",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient(cmd)
			if err != nil {
				return err
			}
			storage, closeStorage, err := openStorage(storageKind, statePath)
			if err != nil {
				return err
			}
			defer closeStorage()

			ui := newTerminalUI(cmd.OutOrStdout())
			store := identity.NewStore(storage, identity.WithLogger(log.With().Str("component", "identity").Logger()))
			w := widget.New(client, store, ui,
				widget.WithLogger(log.With().Str("component", "widget").Logger()),
				widget.WithPage(page, ""),
			)

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			if err := w.Init(ctx); err != nil {
				return err
			}
			if err := w.Open(ctx); err != nil {
				return err
			}

			lines := readLines(cmd.InOrStdin())
			eg, ctx := errgroup.WithContext(ctx)
			eg.Go(func() error {
				sigChan := make(chan os.Signal, 1)
				signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
				defer signal.Stop(sigChan)
				select {
				case <-sigChan:
					log.Info().Msg("received interrupt signal, closing chat")
					cancel()
				case <-ctx.Done():
				}
				return nil
			})
			eg.Go(func() error {
				defer cancel()
				in := &inputHandler{w: w, ui: ui}
				for {
					select {
					case <-ctx.Done():
						return nil
					case line, ok := <-lines:
						if !ok {
							return nil
						}
						if err := in.handle(ctx, line); err != nil {
							if errors.Is(err, errQuit) {
								return nil
							}
							if ctx.Err() != nil {
								return nil
							}
							log.Debug().Err(err).Msg("input failed")
						}
					}
				}
			})

			err = eg.Wait()
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			if serr := w.Shutdown(shutdownCtx); serr != nil && err == nil {
				err = serr
			}
			return err
		},
	}
	cmd.Flags().StringVar(&storageKind, "storage", "sqlite", "identity storage: sqlite, file or memory")
	cmd.Flags().StringVar(&statePath, "state", "", "identity storage path (default under the user config dir)")
	cmd.Flags().StringVar(&page, "page", "terminal", "page reported as the conversation origin")
	return cmd
}

// openStorage returns the identity backend and a function releasing it.
func openStorage(kind, path string) (identity.Storage, func(), error) {
	nop := func() {}
	if kind == "memory" {
		return identity.NewMemoryStorage(), nop, nil
	}
	if path == "" {
		dir, err := os.UserConfigDir()
		if err != nil {
			return nil, nop, fmt.Errorf("locate config dir: %w", err)
		}
		dir = filepath.Join(dir, "firemoo")
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, nop, fmt.Errorf("create state dir: %w", err)
		}
		name := "identity.db"
		if kind == "file" {
			name = "identity.json"
		}
		path = filepath.Join(dir, name)
	}

	switch kind {
	case "sqlite":
		s, err := identity.NewSQLiteStorage(path)
		if err != nil {
			return nil, nop, err
		}
		return s, func() {
			if err := s.Close(); err != nil {
				log.Warn().Err(err).Msg("close identity storage")
			}
		}, nil
	case "file":
		s, err := identity.NewFileStorage(path)
		if err != nil {
			return nil, nop, err
		}
		return s, nop, nil
	default:
		return nil, nop, fmt.Errorf("unknown storage %q", kind)
	}
}

// readLines feeds stdin lines into a channel that is closed on EOF.
func readLines(r io.Reader) <-chan string {
	out := make(chan string)
	go func() {
		defer close(out)
		sc := bufio.NewScanner(r)
		for sc.Scan() {
			out <- sc.Text()
		}
	}()
	return out
}

// inputHandler maps terminal lines onto widget operations for the current
// view.
type inputHandler struct {
	w       *widget.Widget
	ui      *terminalUI
	answers []string
}

var profilePrompts = []string{"Name: ", "Email: ", "Phone: "}

func (h *inputHandler) handle(ctx context.Context, line string) error {
	line = strings.TrimSpace(line)
	switch line {
	case "/quit", "/exit":
		return errQuit
	case "/open":
		h.answers = nil
		return h.w.Open(ctx)
	case "/close":
		h.answers = nil
		return h.w.Close(ctx)
	case "/new":
		return h.w.StartNew(ctx)
	case "/continue":
		return h.w.Continue(ctx)
	}

	switch h.ui.View() {
	case widget.ViewClosed:
		h.ui.Printf("The chat is closed. Type /open to open it.\n")
	case widget.ViewProfileForm:
		return h.profileAnswer(ctx, line)
	case widget.ViewResumeChoice:
		switch strings.ToLower(line) {
		case "c", "continue":
			return h.w.Continue(ctx)
		case "n", "new":
			return h.w.StartNew(ctx)
		default:
			h.ui.Printf("Type c to continue or n to start a new conversation.\n")
		}
	case widget.ViewChat:
		err := h.w.Send(ctx, line)
		if errors.Is(err, widget.ErrBusy) {
			h.ui.Printf("Still sending the previous message.\n")
			return nil
		}
		return err
	}
	return nil
}

func (h *inputHandler) profileAnswer(ctx context.Context, line string) error {
	h.answers = append(h.answers, line)
	if len(h.answers) < len(profilePrompts) {
		h.ui.Printf("%s", profilePrompts[len(h.answers)])
		return nil
	}
	p := identity.Profile{Name: h.answers[0], Email: h.answers[1], Phone: h.answers[2]}
	h.answers = nil
	if err := h.w.SubmitProfile(ctx, p); err != nil {
		h.ui.Printf("%s", profilePrompts[0])
		return err
	}
	return nil
}

// terminalUI prints the transcript incrementally along with view prompts
// and notices.
type terminalUI struct {
	out        io.Writer
	transcript *chat.Transcript
	view       atomic.Int32

	mu      sync.Mutex
	printed []string
}

func newTerminalUI(out io.Writer) *terminalUI {
	u := &terminalUI{out: out}
	u.transcript = chat.NewTranscript(nil, u.linesChanged)
	return u
}

func (u *terminalUI) Render(messages []chat.Message) { u.transcript.Render(messages) }

func (u *terminalUI) ShowView(v widget.View) {
	u.view.Store(int32(v))
	switch v {
	case widget.ViewClosed:
		u.Printf("[chat closed]\n")
	case widget.ViewProfileForm:
		u.Printf("Please introduce yourself before we start.\n%s", profilePrompts[0])
	case widget.ViewResumeChoice:
		u.Printf("You have a previous conversation. Continue it (c) or start a new one (n)?\n")
	case widget.ViewChat:
		u.Printf("[chat open, type a message]\n")
	}
}

func (u *terminalUI) Notify(n widget.Notice) {
	prefix := "!"
	if n.Kind == widget.NoticeInfo {
		prefix = "i"
	}
	u.Printf("%s %s\n", prefix, n.Message)
}

// View is the last view the widget showed.
func (u *terminalUI) View() widget.View { return widget.View(u.view.Load()) }

func (u *terminalUI) Printf(format string, args ...any) {
	u.mu.Lock()
	defer u.mu.Unlock()
	fmt.Fprintf(u.out, format, args...)
}

// linesChanged prints only appended lines; any other change reprints the
// whole transcript.
func (u *terminalUI) linesChanged(lines []string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	start := 0
	if len(u.printed) <= len(lines) && slices.Equal(lines[:len(u.printed)], u.printed) {
		start = len(u.printed)
	} else if len(u.printed) > 0 {
		fmt.Fprintln(u.out, "----")
	}
	for _, l := range lines[start:] {
		fmt.Fprintln(u.out, l)
	}
	u.printed = lines
}
