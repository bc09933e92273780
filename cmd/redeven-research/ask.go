package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"golang.org/x/term"

	"github.com/floegence/redeven-research/internal/events"
	"github.com/floegence/redeven-research/internal/markup"
	"github.com/floegence/redeven-research/internal/research"
	"github.com/floegence/redeven-research/internal/store"
)

func askCmd(args []string) {
	fs := flag.NewFlagSet("ask", flag.ExitOnError)
	cfgPath := fs.String("config", "", "Config file path (default: ~/.redeven-research/config.json)")
	envFile := fs.String("env-file", ".env", "Environment file with provider API keys")
	threadID := fs.String("thread", "", "Continue an existing thread (requires the store)")
	format := fs.String("format", "auto", "Output format: auto|text|ndjson (auto: text on a terminal)")
	persist := fs.Bool("persist", false, "Record the run in the data dir store")
	var images multiFlag
	fs.Var(&images, "image", "Image reference attached to the question (repeatable)")
	_ = fs.Parse(args)

	query := strings.TrimSpace(strings.Join(fs.Args(), " "))
	if query == "" {
		fs.Usage()
		os.Exit(2)
	}
	if err := loadEnv(*envFile, flagSet(fs, "env-file")); err != nil {
		fail("failed to load env file: %v", err)
	}
	cfg, path, err := loadConfig(*cfgPath, strings.TrimSpace(*cfgPath) != "")
	if err != nil {
		fail("%v", err)
	}
	if err := cfg.Validate(); err != nil {
		fail("invalid config: %v", err)
	}
	// stdout carries the answer; logs go to stderr.
	log, err := newLogger(os.Stderr, cfg.EffectiveLogFormat(), cfg.EffectiveLogLevel())
	if err != nil {
		fail("invalid logging config: %v", err)
	}

	opts := research.Options{Log: log, Config: cfg}
	if *persist || strings.TrimSpace(*threadID) != "" {
		st, err := store.Open(cfg.EffectiveDataDir(path))
		if err != nil {
			fail("failed to open store: %v", err)
		}
		defer st.Close()
		opts.Store = st
	}
	svc, err := research.New(opts)
	if err != nil {
		fail("failed to init research service: %v", err)
	}

	var sink events.Sink
	switch resolveFormat(*format, term.IsTerminal(int(os.Stdout.Fd()))) {
	case "text":
		sink = newTextRenderer(os.Stdout, os.Stderr)
	case "ndjson":
		sink = newNDJSONWriter(os.Stdout)
	default:
		fmt.Fprintf(os.Stderr, "invalid --format: %q (want auto|text|ndjson)\n", strings.TrimSpace(*format))
		os.Exit(2)
	}

	h, err := svc.Start(context.Background(), research.AskRequest{
		ThreadID:  *threadID,
		Query:     query,
		ImageRefs: images,
	}, sink)
	if err != nil {
		fail("failed to start run: %v", err)
	}

	// First interrupt asks for an early answer, the second cancels.
	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigs)
	go func() {
		stopped := false
		for {
			select {
			case <-h.Done():
				return
			case <-sigs:
				if !stopped {
					stopped = true
					if ok, _ := svc.SoftStop(h.RunID); ok {
						fmt.Fprintln(os.Stderr, "\nWrapping up with what was found; interrupt again to cancel.")
						continue
					}
				}
				_ = svc.Cancel(h.RunID, "user")
			}
		}
	}()

	out, err := h.Wait()
	if out != nil && opts.Store != nil {
		fmt.Fprintf(os.Stderr, "thread: %s\n", h.ThreadID)
	}
	if err != nil {
		os.Exit(1)
	}
}

type multiFlag []string

func (m *multiFlag) String() string { return strings.Join(*m, ",") }

func (m *multiFlag) Set(v string) error {
	*m = append(*m, strings.TrimSpace(v))
	return nil
}

func resolveFormat(format string, tty bool) string {
	switch f := strings.ToLower(strings.TrimSpace(format)); f {
	case "", "auto":
		if tty {
			return "text"
		}
		return "ndjson"
	default:
		return f
	}
}

type ndjsonWriter struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func newNDJSONWriter(w io.Writer) *ndjsonWriter {
	return &ndjsonWriter{enc: json.NewEncoder(w)}
}

func (n *ndjsonWriter) Emit(ev events.Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	_ = n.enc.Encode(ev)
}

// textRenderer prints the answer as it streams, tool activity on the status
// writer and the numbered sources at the end.
type textRenderer struct {
	mu      sync.Mutex
	out     io.Writer
	status  io.Writer
	sources []events.Document
	wrote   bool
}

func newTextRenderer(out io.Writer, status io.Writer) *textRenderer {
	return &textRenderer{out: out, status: status}
}

func (r *textRenderer) Emit(ev events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch ev.Type {
	case events.TypeResponse:
		if s, ok := ev.Data.(string); ok && s != "" {
			fmt.Fprint(r.out, s)
			r.wrote = true
		}
	case events.TypeToolCallStarted:
		fmt.Fprintf(r.status, "  > %s\n", describeToolCall(ev.ToolCallID, ev.Content))
	case events.TypeToolCallError:
		fmt.Fprintf(r.status, "  ! %s\n", ev.Error)
	case events.TypeSubagentStarted:
		fmt.Fprintf(r.status, "  + %s\n", ev.Name)
	case events.TypeSubagentError:
		fmt.Fprintf(r.status, "  ! subagent: %s\n", ev.Error)
	case events.TypeSources:
		if docs, ok := ev.Data.([]events.Document); ok {
			r.sources = docs
		}
	case events.TypeEnd:
		r.finish()
	case events.TypeError:
		r.finish()
		msg, _ := ev.Data.(string)
		if ev.Code == events.CodeCanceled {
			fmt.Fprintf(r.status, "cancelled: %s\n", msg)
			return
		}
		fmt.Fprintf(r.status, "error: %s\n", msg)
	}
}

func (r *textRenderer) finish() {
	if r.wrote {
		fmt.Fprintln(r.out)
	}
	if len(r.sources) == 0 {
		return
	}
	fmt.Fprintln(r.out, "\nSources:")
	for i, d := range r.sources {
		title := strings.TrimSpace(d.Title)
		if title == "" {
			title = d.URL
		}
		fmt.Fprintf(r.out, "[%d] %s\n    %s\n", i+1, title, d.URL)
	}
}

// describeToolCall turns a started tool-call fragment into "type: query".
func describeToolCall(id string, content string) string {
	doc, err := markup.Parse(content)
	if err != nil {
		return id
	}
	b, ok := doc.Block(id)
	if !ok {
		return id
	}
	name, _ := b.Attr("type")
	for _, key := range []string{"query", "url", "task"} {
		if v, ok := b.Attr(key); ok && strings.TrimSpace(v) != "" {
			return name + ": " + v
		}
	}
	if name == "" {
		return id
	}
	return name
}
