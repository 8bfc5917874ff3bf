package proxy

import (
	"net"
	"sync"
	"time"

	"github.com/prlxnet/xhash-proxy/rpc"
)

// Config holds the runtime settings the CLI layer assembles and hands to
// NewProxyServer. It is a plain data holder; it does not load or validate
// anything itself.
type Config struct {
	RPCURL       string
	ListenHost   string
	ListenPort   string
	PollInterval time.Duration
}

// ProxyServer owns the session registry and the job manager, and runs the
// accept loop and the poll loop. It is the only writer of the session
// registry; the Job Manager is the only writer of its own cache.
type ProxyServer struct {
	config *Config
	rpc    *rpc.Client
	jm     *JobManager

	sessionsMu sync.RWMutex
	sessions   map[*Session]struct{}

	pollErrors int64
}

// NewProxyServer wires an RPC client and job manager together; it does not
// start any loops (see ListenAndServe).
func NewProxyServer(cfg *Config, client *rpc.Client) *ProxyServer {
	return &ProxyServer{
		config:   cfg,
		rpc:      client,
		jm:       NewJobManager(client),
		sessions: make(map[*Session]struct{}),
	}
}

// JobManager exposes the proxy's job manager, e.g. for the stats API.
func (s *ProxyServer) JobManager() *JobManager {
	return s.jm
}

// SessionCounts reports total and authorized session counts.
func (s *ProxyServer) SessionCounts() (total, authorized int) {
	s.sessionsMu.RLock()
	defer s.sessionsMu.RUnlock()
	total = len(s.sessions)
	for cs := range s.sessions {
		if cs.authorized {
			authorized++
		}
	}
	return
}

// CurrentJobSummary reports the current job's id and header hash, for the
// stats API. ok is false before the first successful poll.
func (s *ProxyServer) CurrentJobSummary() (jobID, headerHash string, ok bool) {
	job := s.jm.CurrentJob()
	if job == nil {
		return "", "", false
	}
	return job.JobID, job.HeaderHash, true
}

// ListenAndServe opens the miner-facing TCP listener and runs the accept
// loop. It blocks; call it from its own goroutine.
func (s *ProxyServer) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	defer ln.Close()

	infof("proxy: stratum listening on %s", ln.Addr())
	return s.Serve(ln)
}

// Serve runs the accept loop against an already-open listener, letting
// callers (notably tests) bind an ephemeral port and learn its address
// before connections start arriving.
func (s *ProxyServer) Serve(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			errorf("proxy: accept error: %v", err)
			continue
		}
		cs := newSession(conn, s.jm, s.rpc)

		// Registry insertion happens before the first read so a concurrent
		// broadcast can already reach this session.
		s.registerSession(cs)

		go func() {
			cs.serve()
			s.removeSession(cs)
		}()
	}
}

func (s *ProxyServer) registerSession(cs *Session) {
	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()
	s.sessions[cs] = struct{}{}
}

func (s *ProxyServer) removeSession(cs *Session) {
	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()
	delete(s.sessions, cs)
}

// PollLoop polls the job manager on the given interval, broadcasting any
// new job to every authorized, open session. It never returns on error —
// a panic inside a poll is recovered and counted, and those errors are
// logged for the first three and then every 30th rather than allowed to
// kill the loop. A failed getWork is not counted here; the rpc client logs
// it on every attempt and the poll reports no new work.
func (s *ProxyServer) PollLoop(interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.pollOnce()
		}
	}
}

func (s *ProxyServer) pollOnce() {
	defer func() {
		if r := recover(); r != nil {
			s.notePollError()
			errorf("proxy: poll loop panic: %v", r)
		}
	}()

	job := s.jm.PollWork()
	if job == nil {
		return
	}
	s.pollErrors = 0

	total, authorized := s.SessionCounts()
	infof("proxy: new work job=%s header=%s -> %d/%d miner(s)",
		job.JobID, job.HeaderHash, authorized, total)
	s.broadcast(job)
}

func (s *ProxyServer) notePollError() {
	s.pollErrors++
	if s.pollErrors <= 3 || s.pollErrors%30 == 0 {
		errorf("proxy: poll error #%d", s.pollErrors)
	}
}

// broadcast snapshots the session registry and pushes job to every
// authorized, open session concurrently. A single session's write failure
// does not affect the others; the session closes itself on its own error.
func (s *ProxyServer) broadcast(job *Job) {
	s.sessionsMu.RLock()
	snapshot := make([]*Session, 0, len(s.sessions))
	for cs := range s.sessions {
		snapshot = append(snapshot, cs)
	}
	s.sessionsMu.RUnlock()

	var wg sync.WaitGroup
	for _, cs := range snapshot {
		if cs.isClosed() || !cs.authorized {
			continue
		}
		wg.Add(1)
		go func(cs *Session) {
			defer wg.Done()
			if err := cs.sendNewWork(job); err != nil {
				errorf("proxy: broadcast to %s failed: %v", cs.peer, err)
			}
		}(cs)
	}
	wg.Wait()
}
