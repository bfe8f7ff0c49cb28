package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/flowsess/internal/bus"
	"github.com/roach88/flowsess/internal/config"
	"github.com/roach88/flowsess/internal/host"
	"github.com/roach88/flowsess/internal/ir"
	applog "github.com/roach88/flowsess/internal/log"
	"github.com/roach88/flowsess/internal/metrics"
	"github.com/roach88/flowsess/internal/store"
)

// pollInterval is how often run checks whether every session finished.
const pollInterval = 20 * time.Millisecond

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	ConfigPath  string
	Messages    int
	Timeout     time.Duration
	MetricsAddr string
}

// RunSession is the outcome of one session of a live run.
type RunSession struct {
	SessionID       string    `json:"session_id"`
	Initiator       string    `json:"initiator"`
	Responder       string    `json:"responder"`
	Replies         int       `json:"replies"`
	InitiatorStatus ir.Status `json:"initiator_status"`
	ResponderStatus ir.Status `json:"responder_status"`
}

// RunResult is the output of the run command.
type RunResult struct {
	Sessions  []RunSession `json:"sessions"`
	Bus       bus.Stats    `json:"bus"`
	Elapsed   string       `json:"elapsed"`
	Completed bool         `json:"completed"`
}

// WriteText renders the result for the text format.
func (r RunResult) WriteText(w io.Writer) error {
	for _, s := range r.Sessions {
		fmt.Fprintf(w, "%s %s -> %s: %d replies, %s/%s\n",
			s.SessionID, s.Initiator, s.Responder, s.Replies, s.InitiatorStatus, s.ResponderStatus)
	}
	fmt.Fprintf(w, "bus: %d published, %d dropped, %d duplicated\n",
		r.Bus.Published, r.Bus.Dropped, r.Bus.Duplicated)
	state := "completed"
	if !r.Completed {
		state = "timed out"
	}
	_, err := fmt.Fprintf(w, "%s in %s\n", state, r.Elapsed)
	return err
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run live nodes exchanging sessions over the in-process bus",
		Long: `Run starts every configured node on a shared bus. The first node opens a
session to each other node and sends --messages data events; the other
nodes echo each one back. Once all replies arrive the initiator closes,
the responders close in turn, and run exits when every session is closed.

Bus faults from the config make delivery lossy, which exercises resends,
deduplication and the close handshake.

Example:
  flowsess run
  flowsess run --config flowsess.cue --messages 100
  flowsess run --config lossy.cue --metrics-addr :9090 --timeout 1m`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runNodes(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.ConfigPath, "config", "", "config file (defaults apply when empty)")
	cmd.Flags().IntVar(&opts.Messages, "messages", 10, "data events per session")
	cmd.Flags().DurationVar(&opts.Timeout, "timeout", 30*time.Second, "give up when sessions have not closed by then")
	cmd.Flags().StringVar(&opts.MetricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address while running")

	return cmd
}

// exchange tracks replies per session on the initiator.
type exchange struct {
	mu       sync.Mutex
	replies  map[string]int
	expected int
}

func (x *exchange) reply(id string) (count int, done bool) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.replies[id]++
	return x.replies[id], x.replies[id] == x.expected
}

func (x *exchange) count(id string) int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.replies[id]
}

func runNodes(opts *RunOptions, cmd *cobra.Command) error {
	f := newFormatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())

	if opts.Messages < 0 {
		_ = f.Error(ErrCodeUsage, "--messages must not be negative", nil)
		return NewExitError(ExitCommandError, "invalid --messages")
	}
	cfg, err := loadConfig(opts.ConfigPath)
	if err != nil {
		_ = f.Error(ErrCodeConfig, err.Error(), nil)
		return WrapExitError(ExitCommandError, "failed to load config", err)
	}
	if len(cfg.Nodes) < 2 {
		_ = f.Error(ErrCodeConfig, "run needs at least two nodes", nil)
		return NewExitError(ExitCommandError, "not enough nodes")
	}
	if opts.LogLevel == "" && !opts.Verbose {
		settings := cfg.LogSettings()
		settings.Output = cmd.ErrOrStderr()
		applog.Configure(settings)
	}
	logger := applog.WithComponent("run")

	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := signal.NotifyContext(parentCtx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	if opts.MetricsAddr != "" {
		srv := &http.Server{
			Addr:              opts.MetricsAddr,
			Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error().Err(err).Str("addr", opts.MetricsAddr).Msg("metrics server failed")
			}
		}()
		defer srv.Close()
		f.VerboseLog("serving metrics on %s", opts.MetricsAddr)
	}

	b := bus.New(append(cfg.BusOptions(), bus.WithLogger(applog.WithComponent("bus")))...)
	defer b.Close()

	nodes, closeStores, err := startNodes(cfg, b, m)
	defer closeStores()
	if err != nil {
		_ = f.Error(ErrCodeStore, err.Error(), nil)
		return WrapExitError(ExitCommandError, "failed to start nodes", err)
	}
	initiator, responders := nodes[0], nodes[1:]

	x := &exchange{replies: make(map[string]int), expected: opts.Messages}
	initiatorFlow := func(ctx context.Context, id string, ev ir.SessionEvent) error {
		if ev.Kind() != ir.KindData {
			return nil
		}
		if _, done := x.reply(id); done {
			return initiator.Close(ctx, id)
		}
		return nil
	}

	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return initiator.Run(gctx, initiatorFlow) })
	for _, r := range responders {
		g.Go(func() error { return r.Run(gctx, echoFlow(r)) })
	}

	started := time.Now()
	sessions := make([]RunSession, 0, len(responders))
	for _, r := range responders {
		id, err := initiator.Open(ctx, r.Name(), ir.Init{Props: map[string]string{"flow": "echo"}})
		if err != nil {
			stop()
			_ = g.Wait()
			return WrapExitError(ExitFailure, fmt.Sprintf("failed to open session to %s", r.Name()), err)
		}
		for i := range opts.Messages {
			if err := initiator.Send(ctx, id, fmt.Appendf(nil, "msg-%d", i)); err != nil {
				stop()
				_ = g.Wait()
				return WrapExitError(ExitFailure, fmt.Sprintf("failed to send on %s", id), err)
			}
		}
		if opts.Messages == 0 {
			if err := initiator.Close(ctx, id); err != nil {
				stop()
				_ = g.Wait()
				return WrapExitError(ExitFailure, fmt.Sprintf("failed to close %s", id), err)
			}
		}
		sessions = append(sessions, RunSession{SessionID: id, Initiator: initiator.Name(), Responder: r.Name()})
		logger.Debug().Str(applog.FieldSessionID, id).Str("peer", r.Name()).Int("messages", opts.Messages).Msg("session started")
	}

	completed := waitClosed(ctx, initiator, responders, sessions, opts.Timeout)
	stop()
	if err := g.Wait(); err != nil {
		return WrapExitError(ExitFailure, "node failed", err)
	}

	for i := range sessions {
		s := &sessions[i]
		s.Replies = x.count(s.SessionID)
		s.InitiatorStatus = statusOn(ctx, initiator, s.SessionID)
		for _, r := range responders {
			if r.Name() == s.Responder {
				s.ResponderStatus = statusOn(ctx, r, s.SessionID)
			}
		}
	}
	result := RunResult{
		Sessions:  sessions,
		Bus:       b.Stats(),
		Elapsed:   time.Since(started).Round(time.Millisecond).String(),
		Completed: completed,
	}
	if !completed && ctx.Err() != nil {
		_ = f.Error(ErrCodeRun, "interrupted before sessions closed", result)
		return NewExitError(ExitFailure, "run interrupted")
	}
	if !completed {
		_ = f.Error(ErrCodeRun, fmt.Sprintf("sessions did not close within %s", opts.Timeout), result)
		return NewExitError(ExitFailure, "run timed out")
	}
	return f.Success(result)
}

// startNodes opens one store per configured node and builds the nodes. The
// returned close function releases every store opened so far, even when
// err is non-nil.
func startNodes(cfg *config.Config, b *bus.Bus, m *metrics.Metrics) ([]*host.Node, func(), error) {
	var backends []store.Backend
	closeAll := func() {
		for _, be := range backends {
			_ = be.Close()
		}
	}

	if cfg.Store.Path != "" && (cfg.Store.Backend == store.BackendSQLite || cfg.Store.Backend == store.BackendBadger) {
		if err := os.MkdirAll(cfg.Store.Path, 0o755); err != nil {
			return nil, closeAll, fmt.Errorf("create store directory: %w", err)
		}
	}

	nodes := make([]*host.Node, 0, len(cfg.Nodes))
	for _, name := range cfg.Nodes {
		backend, err := store.OpenBackend(cfg.StoreFor(name))
		if err != nil {
			return nil, closeAll, fmt.Errorf("node %s: %w", name, err)
		}
		backends = append(backends, backend)

		n, err := host.NewNode(cfg.NodeConfig(name), backend, b,
			host.WithMetrics(m),
			host.WithLogger(applog.WithComponent("host").With().Str(applog.FieldNode, name).Logger()),
		)
		if err != nil {
			return nil, closeAll, fmt.Errorf("node %s: %w", name, err)
		}
		nodes = append(nodes, n)
	}
	return nodes, closeAll, nil
}

// echoFlow answers every data event with "re:" and the same body, and closes
// its side once the peer's Close is consumed.
func echoFlow(n *host.Node) host.FlowFunc {
	return func(ctx context.Context, id string, ev ir.SessionEvent) error {
		switch p := ev.Payload.(type) {
		case ir.Data:
			return n.Send(ctx, id, append([]byte("re:"), p.Body...))
		case ir.Close:
			return n.Close(ctx, id)
		}
		return nil
	}
}

// waitClosed polls until every session is terminal on both sides, the
// timeout passes or ctx is cancelled.
func waitClosed(ctx context.Context, initiator *host.Node, responders []*host.Node, sessions []RunSession, timeout time.Duration) bool {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	byName := make(map[string]*host.Node, len(responders))
	for _, r := range responders {
		byName[r.Name()] = r
	}

	for {
		done := true
		for _, s := range sessions {
			if !finished(ctx, initiator, s.SessionID) || !finished(ctx, byName[s.Responder], s.SessionID) {
				done = false
				break
			}
		}
		if done {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-deadline.C:
			return false
		case <-ticker.C:
		}
	}
}

// finished reports whether the session is terminal on n. A session that
// lingered out of the store counts as finished only when it once existed,
// which the caller guarantees by checking the initiator first.
func finished(ctx context.Context, n *host.Node, id string) bool {
	state, err := n.State(ctx, id)
	if err != nil {
		return false
	}
	return state == nil || state.Status.Terminal()
}

// statusOn returns the status of the session on n. Only terminal sessions
// are deleted, and a run that completes closes every session, so a missing
// state reports CLOSED.
func statusOn(ctx context.Context, n *host.Node, id string) ir.Status {
	state, err := n.State(ctx, id)
	if err != nil || state == nil {
		return ir.StatusClosed
	}
	return state.Status
}
