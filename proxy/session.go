package proxy

import (
	"bufio"
	"encoding/json"
	"net"
	"runtime/debug"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/prlxnet/xhash-proxy/util"
)

// Protocol is the wire dialect a Session has locked onto.
type Protocol int

const (
	ProtocolUnknown Protocol = iota
	ProtocolEthProxy
	ProtocolStratum
)

func (p Protocol) String() string {
	switch p {
	case ProtocolEthProxy:
		return "ethproxy"
	case ProtocolStratum:
		return "stratum"
	default:
		return "unknown"
	}
}

// wireRequest is what a miner sends us.
type wireRequest struct {
	ID     json.RawMessage `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

// wireResponse is a reply to a specific request.
type wireResponse struct {
	ID     json.RawMessage `json:"id"`
	Result interface{}     `json:"result"`
	Error  interface{}     `json:"error"`
}

// wireNotification is an unsolicited push from us to the miner.
type wireNotification struct {
	ID     interface{} `json:"id"`
	Method string      `json:"method"`
	Params interface{} `json:"params"`
}

// Session is the per-connection state for one miner. It is mutated only by
// its own serving goroutine except for the write path, which is guarded by
// a mutex ("cs.Lock(); defer cs.Unlock()" around every cs.enc.Encode call)
// so the broadcaster and the reader never interleave two frames on the
// wire.
type Session struct {
	conn net.Conn
	peer string
	jm   *JobManager
	rpc  rpcHashrateSubmitter

	sync.Mutex
	enc *json.Encoder

	protocol   Protocol
	authorized bool
	workerName string

	sharesAccepted uint64
	sharesRejected uint64

	closedMu sync.Mutex
	closed   bool
}

// rpcHashrateSubmitter is the narrow slice of the rpc.Client the session
// needs for eth_submitHashrate's best-effort forward.
type rpcHashrateSubmitter interface {
	SubmitHashrate(rateHex, clientID string)
}

func newSession(conn net.Conn, jm *JobManager, client rpcHashrateSubmitter) *Session {
	return &Session{
		conn: conn,
		peer: conn.RemoteAddr().String(),
		jm:   jm,
		rpc:  client,
		enc:  json.NewEncoder(conn),
	}
}

// serve reads newline-delimited JSON frames until the connection closes or
// a fatal error occurs. It never panics back to the accept loop; all
// internal errors are logged and end the session cleanly.
func (cs *Session) serve() {
	defer cs.close()
	defer func() {
		if r := recover(); r != nil {
			errorf("session: internal error for %s: %v\n%s", cs.peer, r, debug.Stack())
		}
	}()

	scanner := bufio.NewScanner(cs.conn)
	scanner.Buffer(make([]byte, 4096), 1<<20)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if !utf8.Valid(line) {
			line = []byte(strings.ToValidUTF8(string(line), "�"))
		}

		var req wireRequest
		if err := json.Unmarshal(line, &req); err != nil {
			warnf("session: malformed JSON from %s: %v", cs.peer, err)
			continue
		}

		if err := cs.dispatch(&req); err != nil {
			errorf("session: write error to %s: %v", cs.peer, err)
			return
		}
	}
	if err := scanner.Err(); err != nil {
		errorf("session: read error from %s: %v", cs.peer, err)
	}
}

func (cs *Session) isClosed() bool {
	cs.closedMu.Lock()
	defer cs.closedMu.Unlock()
	return cs.closed
}

func (cs *Session) close() {
	cs.closedMu.Lock()
	if cs.closed {
		cs.closedMu.Unlock()
		return
	}
	cs.closed = true
	cs.closedMu.Unlock()

	cs.conn.Close()
	infof("session: disconnected %s (accepted=%d rejected=%d)", cs.peer, cs.sharesAccepted, cs.sharesRejected)
}

func (cs *Session) write(v interface{}) error {
	if cs.isClosed() {
		return nil
	}
	cs.Lock()
	defer cs.Unlock()
	if b, err := json.Marshal(v); err == nil {
		debugf("session: -> %s %s", cs.peer, b)
	}
	return cs.enc.Encode(v)
}

func (cs *Session) sendResult(id json.RawMessage, result interface{}) error {
	return cs.write(wireResponse{ID: id, Result: result, Error: nil})
}

func (cs *Session) sendError(id json.RawMessage, code int, message string) error {
	return cs.write(wireResponse{ID: id, Result: nil, Error: []interface{}{code, message, nil}})
}

func (cs *Session) sendNotification(method string, params interface{}) error {
	return cs.write(wireNotification{ID: nil, Method: method, Params: params})
}

// dispatch routes one inbound message to the right dialect handler,
// locking the dialect in on the first message that determines it.
func (cs *Session) dispatch(req *wireRequest) error {
	debugf("session: <- %s method=%s from=%s", cs.workerName, req.Method, cs.peer)

	switch req.Method {
	case "eth_submitLogin":
		if cs.protocol == ProtocolUnknown {
			cs.protocol = ProtocolEthProxy
		}
		return cs.handleEthSubmitLogin(req)
	case "eth_getWork":
		return cs.handleEthGetWork(req)
	case "eth_submitWork":
		return cs.handleEthSubmitWork(req)
	case "eth_submitHashrate":
		return cs.handleEthSubmitHashrate(req)

	case "mining.subscribe":
		if cs.protocol == ProtocolUnknown {
			cs.protocol = ProtocolStratum
		}
		return cs.handleMiningSubscribe(req)
	case "mining.authorize":
		if cs.protocol == ProtocolUnknown {
			cs.protocol = ProtocolStratum
		}
		return cs.handleMiningAuthorize(req)
	case "mining.submit":
		return cs.handleMiningSubmit(req)
	case "mining.extranonce.subscribe":
		return cs.sendResult(req.ID, true)

	default:
		debugf("session: unknown method %q from %s", req.Method, cs.peer)
		return cs.sendResult(req.ID, true)
	}
}

func unmarshalParams(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}
	var params []string
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil
	}
	return params
}

// -- EthProxy handlers --

func (cs *Session) handleEthSubmitLogin(req *wireRequest) error {
	params := unmarshalParams(req.Params)
	if len(params) > 0 {
		cs.workerName = params[0]
	}
	cs.authorized = true
	infof("session: ethproxy login %s (%s)", cs.workerName, cs.peer)
	return cs.sendResult(req.ID, true)
}

func (cs *Session) handleEthGetWork(req *wireRequest) error {
	job := cs.jm.CurrentJob()
	if job == nil {
		return cs.sendError(req.ID, -1, "No work available yet")
	}
	return cs.sendResult(req.ID, []string{job.HeaderHash, job.SeedHash, job.Boundary})
}

func (cs *Session) handleEthSubmitWork(req *wireRequest) error {
	params := unmarshalParams(req.Params)
	if len(params) < 3 {
		cs.sharesRejected++
		return cs.sendError(req.ID, -1, "Need [nonce, headerHash, mixDigest]")
	}
	outcome := cs.jm.SubmitSolution(params[0], params[1], params[2])
	if outcome.Result == SubmitAccepted {
		cs.sharesAccepted++
		return cs.sendResult(req.ID, true)
	}
	cs.sharesRejected++
	return cs.sendError(req.ID, -1, "Rejected: "+outcome.Detail)
}

func (cs *Session) handleEthSubmitHashrate(req *wireRequest) error {
	params := unmarshalParams(req.Params)
	if len(params) >= 2 {
		cs.rpc.SubmitHashrate(params[0], params[1])
	}
	return cs.sendResult(req.ID, true)
}

// -- Stratum handlers --

func (cs *Session) handleMiningSubscribe(req *wireRequest) error {
	infof("session: stratum subscribe from %s", cs.peer)
	result := []interface{}{
		[][]string{{"mining.notify", "xhash_proxy"}},
		"",
		"0",
	}
	if err := cs.sendResult(req.ID, result); err != nil {
		return err
	}
	if job := cs.jm.CurrentJob(); job != nil {
		return cs.sendStratumJob(job, true)
	}
	return nil
}

func (cs *Session) handleMiningAuthorize(req *wireRequest) error {
	params := unmarshalParams(req.Params)
	if len(params) > 0 {
		cs.workerName = params[0]
	}
	cs.authorized = true
	infof("session: stratum authorized %s (%s)", cs.workerName, cs.peer)
	if err := cs.sendResult(req.ID, true); err != nil {
		return err
	}
	if job := cs.jm.CurrentJob(); job != nil {
		return cs.sendStratumJob(job, true)
	}
	return nil
}

func (cs *Session) handleMiningSubmit(req *wireRequest) error {
	if !cs.authorized {
		cs.sharesRejected++
		return cs.sendError(req.ID, 24, "Not authorized")
	}

	params := unmarshalParams(req.Params)
	if len(params) < 3 {
		cs.sharesRejected++
		return cs.sendError(req.ID, 21, "Not enough parameters")
	}

	jobID := params[1]
	nonce := params[2]
	job := cs.jm.FindJob(jobID, "")

	var headerHash, mixDigest string
	switch {
	case len(params) >= 5:
		headerHash = params[3]
		mixDigest = params[4]
	case len(params) == 4:
		mixDigest = params[3]
		if job != nil {
			headerHash = job.HeaderHash
		}
	default:
		if job != nil {
			headerHash = job.HeaderHash
		}
	}

	if headerHash == "" || mixDigest == "" {
		if job == nil {
			cs.sharesRejected++
			return cs.sendError(req.ID, 21, "Job not found, can't reconstruct submission")
		}
		warnf("session: incomplete submit params from %s, forwarding anyway", cs.peer)
	}

	outcome := cs.jm.SubmitSolution(nonce, headerHash, mixDigest)
	switch outcome.Result {
	case SubmitAccepted:
		cs.sharesAccepted++
		return cs.sendResult(req.ID, true)
	default:
		cs.sharesRejected++
		return cs.sendError(req.ID, 20, "Rejected: "+outcome.Detail)
	}
}

// -- Work push --

// sendNewWork pushes job to the miner in whichever dialect this session has
// locked onto. Sessions that never completed dialect detection (should not
// happen for an authorized session) default to EthProxy framing.
func (cs *Session) sendNewWork(job *Job) error {
	if cs.protocol == ProtocolStratum {
		return cs.sendStratumJob(job, true)
	}
	return cs.sendEthProxyJob(job)
}

func (cs *Session) sendEthProxyJob(job *Job) error {
	return cs.sendNotification("mining.notify", []string{job.HeaderHash, job.SeedHash, job.Boundary})
}

func (cs *Session) sendStratumJob(job *Job, clean bool) error {
	diff := util.DiffFromBoundary(job.Boundary)
	if err := cs.sendNotification("mining.set_difficulty", []float64{diff}); err != nil {
		return err
	}
	return cs.sendNotification("mining.notify", []interface{}{job.JobID, job.SeedHash, job.HeaderHash, clean})
}
