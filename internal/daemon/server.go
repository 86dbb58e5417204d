// Package daemon implements C7: the loopback-TCP, newline-delimited-JSON
// server every provider daemon binary wraps. One Server instance serves one
// provider's wire-protocol prefix ("cask", "lask", ...), forwarding
// <prov>.request to the per-session worker pool (C6), which in turn invokes
// the request engine (C8) for each task. Grounded on the teacher's
// my-take-dev-myT-x/internal/ipc/pipe_server.go accept-loop and
// connection-slot shape, adapted from Windows Named Pipes to loopback TCP.
package daemon

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wiretap-dev/ccb/internal/ccberr"
	"github.com/wiretap-dev/ccb/internal/engine"
	"github.com/wiretap-dev/ccb/internal/hook"
	"github.com/wiretap-dev/ccb/internal/logging"
	"github.com/wiretap-dev/ccb/internal/runtime"
	"github.com/wiretap-dev/ccb/internal/sessionfile"
	"github.com/wiretap-dev/ccb/internal/worker"
)

// bindingTracker is the capability internal/refresh.Monitor provides;
// declared locally to avoid the daemon package depending on refresh's
// exported types beyond this one call.
type bindingTracker interface {
	Track(workDir string)
	Run(ctx context.Context)
}

const (
	maxRequestBytes    = 1 << 20 // 1 MiB; a message this large is almost certainly malformed
	connAcceptDeadline = 10 * time.Second
	idlePollInterval   = 500 * time.Millisecond
	rotatePollInterval = 1 * time.Second
	serverWaitGrace    = 5 * time.Second
)

// Server is one provider's daemon listener (spec §4.C7).
type Server struct {
	Prefix      string // e.g. "cask"
	Token       string
	IdleTimeout time.Duration
	Deps        engine.Deps
	Pool        *worker.Pool
	Refresher   bindingTracker      // nil unless the provider is Codex
	LogRotator  *runtime.LogRotator // nil if the daemon log sink failed to open

	listener net.Listener
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	inFlight     atomic.Int64
	lastActivity atomic.Int64 // unix nanoseconds
}

// NewServer constructs a Server bound to no socket yet; call Start to listen.
func NewServer(prefix, token string, idleTimeout time.Duration, deps engine.Deps, pool *worker.Pool) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		Prefix:      prefix,
		Token:       token,
		IdleTimeout: idleTimeout,
		Deps:        deps,
		Pool:        pool,
		ctx:         ctx,
		cancel:      cancel,
	}
	s.touch()
	return s
}

// Start binds a kernel-chosen loopback TCP port and writes the discovery
// state file. It does not yet accept connections; call Serve for that.
func (s *Server) Start() (port int, err error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	s.listener = ln
	addr := ln.Addr().(*net.TCPAddr)

	token := s.Token
	sf := StateFile{
		PID:         os.Getpid(),
		Host:        "127.0.0.1",
		ConnectHost: normalizeConnectHost("127.0.0.1"),
		Port:        addr.Port,
		Token:       token,
		StartedAt:   nowUnix(),
	}
	if err := writeState(s.Prefix, sf); err != nil {
		_ = ln.Close()
		return 0, err
	}
	return addr.Port, nil
}

// Serve accepts connections until the idle monitor or an explicit shutdown
// request commits to stopping, then drains in-flight connections and
// unlinks the state file. It blocks until fully stopped.
func (s *Server) Serve() {
	s.wg.Add(1)
	go s.idleMonitor()

	if s.Refresher != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.Refresher.Run(s.ctx)
		}()
	}

	if s.LogRotator != nil {
		s.wg.Add(1)
		go s.rotateLoop()
	}

	acceptDone := make(chan struct{})
	go func() {
		defer close(acceptDone)
		s.acceptLoop()
	}()

	<-s.ctx.Done()
	_ = s.listener.Close()
	<-acceptDone
	s.wg.Wait()
	removeStateIfOwned(s.Prefix)
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
				if errors.Is(err, net.ErrClosed) {
					return
				}
				slog.Warn("daemon accept error", "prefix", s.Prefix, "error", err)
				continue
			}
		}
		s.inFlight.Add(1)
		s.touch()
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.inFlight.Add(-1)
			defer s.touch()
			s.handleConnection(conn)
		}()
	}
}

// handleConnection processes exactly one request line, per spec §6 ("one
// JSON object per line"). A connection that sends nothing is dropped
// silently.
func (s *Server) handleConnection(conn net.Conn) {
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(connAcceptDeadline))

	reader := bufio.NewReaderSize(conn, maxRequestBytes+1)
	line, err := reader.ReadSlice('\n')
	if errors.Is(err, bufio.ErrBufferFull) {
		s.writeResponse(conn, errorResponse(s.Prefix, nil, 1, "request exceeds size limit"))
		return
	}
	if errors.Is(err, io.EOF) && len(line) == 0 {
		return // nothing sent; silently dropped per spec §4.C7
	}
	if err != nil && !errors.Is(err, io.EOF) {
		s.writeResponse(conn, errorResponse(s.Prefix, nil, 1, "read error: "+err.Error()))
		return
	}

	var req request
	if err := json.Unmarshal(line, &req); err != nil {
		s.writeResponse(conn, errorResponse(s.Prefix, nil, 1, "malformed request: "+err.Error()))
		return
	}
	if req.Token != s.Token {
		s.writeResponse(conn, errorResponse(s.Prefix, req.ID, 1, "Unauthorized"))
		return
	}

	switch req.Type {
	case s.Prefix + ".ping":
		s.writeResponse(conn, pongResponse(s.Prefix, req.ID))
	case s.Prefix + ".shutdown":
		s.writeResponse(conn, response{Type: s.Prefix + ".response", V: 1, ID: req.ID, ExitCode: 0, Reply: "shutting down"})
		s.cancel()
	case s.Prefix + ".request":
		s.handleRequest(conn, req)
	default:
		s.writeResponse(conn, errorResponse(s.Prefix, req.ID, 1, "unknown request type: "+req.Type))
	}
}

// handleRequest routes a provider request onto its session worker and waits
// for the result with a grace window past the task's own deadline (spec
// §5: "the server waits for the task's completion signal with a timeout of
// deadline + 5s").
func (s *Server) handleRequest(conn net.Conn, req request) {
	workDir := req.WorkDir
	projectID, err := sessionfile.ProjectID(workDir)
	if err != nil {
		s.writeResponse(conn, errorResponse(s.Prefix, req.ID, 1, logging.Errorf("invalid work_dir: %v", err)))
		return
	}
	sessionKey := s.Deps.Provider + ":" + projectID
	if s.Refresher != nil {
		s.Refresher.Track(workDir)
	}

	engineReq := engine.Request{
		ClientID:    stringifyID(req.ID),
		WorkDir:     workDir,
		SessionName: req.SessionName,
		TimeoutS:    req.TimeoutS,
		Message:     req.Message,
		OutputPath:  req.OutputPath,
		ReqID:       req.ReqID,
		Caller:      req.Caller,
		Quiet:       req.Quiet,
	}

	resultCh := s.Pool.Submit(sessionKey, func(ctx context.Context) (out any) {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("engine panic", "prefix", s.Prefix, "error", r)
				out = engine.Result{
					ExitCode: 1, Reply: logging.Errorf("%v: %v", ccberr.ErrInternal, r),
					ReqID: req.ReqID, SessionKey: sessionKey,
				}
			}
		}()
		return engine.Run(ctx, s.Deps, engineReq)
	})

	var waitTimeout time.Duration
	if req.TimeoutS < 0 {
		waitTimeout = 0 // no deadline: wait indefinitely for the worker
	} else {
		waitTimeout = time.Duration(req.TimeoutS*float64(time.Second)) + serverWaitGrace
	}

	var timer *time.Timer
	var timeoutCh <-chan time.Time
	if waitTimeout > 0 {
		timer = time.NewTimer(waitTimeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case v := <-resultCh:
		result, _ := v.(engine.Result)
		s.writeResponse(conn, toResponse(s.Prefix, req.ID, result))
		hook.Notify(hook.Notification{
			Provider:   s.Deps.Provider,
			Caller:     req.Caller,
			ReqID:      result.ReqID,
			OutputPath: req.OutputPath,
			Reply:      result.Reply,
			DoneSeen:   result.DoneSeen,
		})
	case <-timeoutCh:
		s.writeResponse(conn, response{
			Type: s.Prefix + ".response", V: 1, ID: req.ID,
			ReqID: req.ReqID, ExitCode: 2, Reply: "",
			Meta: &responseMeta{SessionKey: sessionKey},
		})
	}
}

func toResponse(prefix string, id json.RawMessage, result engine.Result) response {
	return response{
		Type:     prefix + ".response",
		V:        1,
		ID:       id,
		ReqID:    result.ReqID,
		ExitCode: result.ExitCode,
		Reply:    result.Reply,
		Meta: &responseMeta{
			SessionKey:   result.SessionKey,
			DoneSeen:     result.DoneSeen,
			DoneMs:       result.DoneMs,
			AnchorSeen:   result.AnchorSeen,
			AnchorMs:     result.AnchorMs,
			FallbackScan: result.FallbackScan,
			LogPath:      result.LogPath,
		},
	}
}

func (s *Server) writeResponse(conn net.Conn, resp response) {
	data, err := json.Marshal(resp)
	if err != nil {
		data = []byte(`{"exit_code":1,"reply":"internal encode error"}`)
	}
	_, _ = conn.Write(data)
	_, _ = conn.Write([]byte{'\n'})
}

// idleMonitor wakes every idlePollInterval and commits to shutdown once the
// server has had zero in-flight connections for IdleTimeout (spec §4.C7).
// Driven off the shared cron.Schedule-based Ticker rather than a raw
// time.Ticker, like every other periodic job in the daemon.
func (s *Server) idleMonitor() {
	defer s.wg.Done()
	t := runtime.Ticker{NextDelay: runtime.FixedDelay(idlePollInterval)}
	t.Run(s.ctx, func() {
		if s.inFlight.Load() > 0 {
			return
		}
		last := time.Unix(0, s.lastActivity.Load())
		if time.Since(last) >= s.IdleTimeout {
			s.cancel()
		}
	})
}

// rotateLoop polls the daemon's own log file for oversize at rotatePollInterval;
// LogRotator itself rate-limits the actual stat+truncate to CheckInterval,
// matching the idle monitor's shared-Ticker pattern (spec §4.C10).
func (s *Server) rotateLoop() {
	defer s.wg.Done()
	t := runtime.Ticker{NextDelay: runtime.FixedDelay(rotatePollInterval)}
	t.Run(s.ctx, func() {
		if err := s.LogRotator.MaybeRotate(); err != nil {
			slog.Warn("daemon log rotation failed", "prefix", s.Prefix, "error", err)
		}
	})
}

// Stop commits the server to shutdown immediately, as if the idle monitor
// had fired. Used by tests.
func (s *Server) Stop() {
	s.cancel()
}

func (s *Server) touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

func stringifyID(id json.RawMessage) string {
	if len(id) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(id, &s); err == nil {
		return s
	}
	return string(id)
}
