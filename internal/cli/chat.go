package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"shopassist/internal/catalog"
	"shopassist/internal/chat"
	"shopassist/internal/classify"
	"shopassist/internal/history"
	"shopassist/internal/i18n"
	"shopassist/internal/models"
	"shopassist/internal/storage"
	"shopassist/internal/transport"
	"shopassist/internal/uploads"
)

const chatHelp = `commands:
  /stop            stop the response in progress
  /reload          answer the last message again
  /resume          reattach to a response the backend is still producing
  /clear           forget the conversation
  /tools           list the assistant's tools
  /attach <path>   attach a file to the next message
  /recall [n]      show the n-th most recent input
  /quit            leave
Ctrl-C stops a response; pressed twice while idle it exits.`

func newChatCommand(a *app) *cobra.Command {
	var chatID string
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive assistant session",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if chatID != "" {
				a.cfg.Client.ChatID = chatID
			}
			return a.runChat(cmd.Context())
		},
	}
	cmd.Flags().StringVar(&chatID, "chat-id", "", "conversation id (overrides client.chat_id)")
	return cmd
}

func (a *app) runChat(ctx context.Context) error {
	cfg := a.cfg
	log := a.log
	if !debugEnabled(cfg) {
		// Keep the transcript readable; problems still show up as messages.
		log = log.Level(max(log.GetLevel(), zerolog.WarnLevel))
	}

	backend, err := storage.Open(cfg)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer backend.Close()

	inputs, err := history.OpenInputLog(ctx, backend, cfg.Storage.InputsKey, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := inputs.Close(context.Background()); err != nil {
			log.Warn().Err(err).Msg("flush input log")
		}
	}()

	token := cfg.Client.AuthToken
	httpClient := &http.Client{Timeout: cfg.Client.Timeout}
	tc, err := transport.NewClient(cfg.Client.ChatURL(), token, transport.WithLogger(log))
	if err != nil {
		return err
	}
	up, err := uploads.NewClient(cfg.Client.UploadURL(), uploads.WithToken(token), uploads.WithHTTPClient(httpClient), uploads.WithLogger(log))
	if err != nil {
		return err
	}
	tools, err := catalog.NewClient(cfg.Client.ToolsURL(), catalog.WithToken(token), catalog.WithHTTPClient(httpClient), catalog.WithLogger(log))
	if err != nil {
		return err
	}

	loc := i18n.New(cfg.Client.Language)
	m, err := chat.NewManager(ctx, chat.Config{
		ChatID:    cfg.Client.ChatID,
		Transport: tc,
		History:   history.NewAdapter(backend, cfg.Storage.HistoryKey, log),
		Uploader:  up,
		Inputs:    inputs,
		Renderer:  classify.NewRenderer(loc, cfg.Client.ChatURL(), debugEnabled(cfg)),
		Localizer: loc,
		Logger:    log,
	})
	if err != nil {
		return err
	}
	defer m.Close()

	interrupts := make(chan os.Signal, 1)
	signal.Notify(interrupts, os.Interrupt)
	defer signal.Stop(interrupts)

	fmt.Fprintf(a.out, "shopassist: chatting as %q with %s (/help for commands)\n", m.ChatID(), tc.Endpoint())
	s := &session{m: m, inputs: inputs, tools: tools, out: a.out}
	return s.loop(ctx, a.in, interrupts)
}

// session executes REPL input against a manager.
type session struct {
	m       *chat.Manager
	inputs  *history.InputLog
	tools   *catalog.Client
	out     io.Writer
	pending []models.Attachment
}

func (s *session) loop(ctx context.Context, in io.Reader, interrupts <-chan os.Signal) error {
	tr := newTranscript(s.out)
	tr.update(s.m.Snapshot())
	unsubscribe := s.m.Subscribe(tr.update)
	defer func() {
		unsubscribe()
		tr.update(s.m.Snapshot())
	}()

	done := make(chan struct{})
	defer close(done)
	lines, readDone := readLines(in, done)

	armed := false
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-interrupts:
			if s.m.Status().InFlight() {
				s.m.Stop()
				armed = false
				continue
			}
			if armed {
				return nil
			}
			armed = true
			fmt.Fprintln(s.out, "(press Ctrl-C again to exit)")
		case err := <-readDone:
			// Input ended; let the last response finish first.
			if werr := s.m.Wait(ctx); werr != nil && err == nil {
				err = werr
			}
			return err
		case line, ok := <-lines:
			if !ok {
				lines = nil
				continue
			}
			armed = false
			quit, err := s.handle(ctx, line)
			if err != nil {
				fmt.Fprintf(s.out, "error: %v\n", err)
			}
			if quit {
				return nil
			}
		}
	}
}

// readLines scans in on its own goroutine. The lines channel is closed
// when input ends or done is closed; errs carries the scanner result when
// input ended first.
func readLines(in io.Reader, done <-chan struct{}) (<-chan string, <-chan error) {
	lines := make(chan string)
	errs := make(chan error, 1)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		sc.Buffer(make([]byte, 64*1024), 1<<20)
		for sc.Scan() {
			select {
			case <-done:
				return
			default:
			}
			select {
			case lines <- sc.Text():
			case <-done:
				return
			}
		}
		errs <- sc.Err()
	}()
	return lines, errs
}

// handle runs one line of input and reports whether the user asked to quit.
func (s *session) handle(ctx context.Context, line string) (bool, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return false, nil
	}
	if !strings.HasPrefix(line, "/") {
		if err := s.m.SendMessage(ctx, chat.Input{Text: line, Attachments: s.pending}); err != nil {
			return false, err
		}
		s.pending = nil
		return false, nil
	}

	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)
	switch cmd {
	case "/quit", "/exit":
		return true, nil
	case "/help":
		fmt.Fprintln(s.out, chatHelp)
	case "/stop":
		s.m.Stop()
	case "/reload":
		return false, s.m.Reload(ctx)
	case "/resume":
		return false, s.m.ResumeStream(ctx)
	case "/clear":
		s.pending = nil
		s.m.ClearHistory()
	case "/tools":
		s.printTools(ctx)
	case "/attach":
		return false, s.attach(arg)
	case "/recall":
		return false, s.recall(arg)
	default:
		return false, fmt.Errorf("unknown command %s (try /help)", cmd)
	}
	return false, nil
}

func (s *session) attach(path string) error {
	if path == "" {
		return errors.New("usage: /attach <path>")
	}
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("%s is a directory", path)
	}
	s.pending = append(s.pending, models.Attachment{Name: filepath.Base(path), Path: path})
	fmt.Fprintf(s.out, "attached %s (%d pending)\n", filepath.Base(path), len(s.pending))
	return nil
}

func (s *session) recall(arg string) error {
	n := 1
	if arg != "" {
		v, err := strconv.Atoi(arg)
		if err != nil {
			return fmt.Errorf("usage: /recall [n]: %w", err)
		}
		n = v
	}
	if s.inputs == nil {
		fmt.Fprintln(s.out, "nothing to recall")
		return nil
	}
	entry, ok := s.inputs.Recall(n)
	if !ok {
		fmt.Fprintln(s.out, "nothing to recall")
		return nil
	}
	fmt.Fprintln(s.out, entry)
	return nil
}

func (s *session) printTools(ctx context.Context) {
	if s.tools == nil {
		fmt.Fprintln(s.out, "no tool catalog configured")
		return
	}
	cat := s.tools.Fetch(ctx)
	if cat.Degraded {
		fmt.Fprintf(s.out, "tool catalog unavailable: %s\n", cat.Error)
		return
	}
	if len(cat.Tools) == 0 {
		fmt.Fprintln(s.out, "no tools available")
		return
	}
	for _, t := range cat.Tools {
		fmt.Fprintf(s.out, "  %-12s %-10s %s\n", t.Name, t.Category, t.Description)
	}
}
