// Command fixgatewayd is the FIX gateway process: it accepts acceptor-
// role FIX connections, drives their session state machines and (when
// clustered) a Raft node on one cooperative agent loop, and serves
// /healthz and /metrics for operators.
//
// Grounded on the teacher's cmd/server/main.go (linear, flat wiring
// function building each microservice, then starting the API server)
// and internal/api/server.go's gorilla/mux admin surface, generalized
// from the teacher's REST/JSON API to this process's much smaller
// operational HTTP surface.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/ocx/fixgateway/internal/agent"
	"github.com/ocx/fixgateway/internal/completion"
	"github.com/ocx/fixgateway/internal/config"
	"github.com/ocx/fixgateway/internal/fixsession"
	"github.com/ocx/fixgateway/internal/fixwire"
	"github.com/ocx/fixgateway/internal/logging"
	"github.com/ocx/fixgateway/internal/metrics"
	"github.com/ocx/fixgateway/internal/raft"
	"github.com/ocx/fixgateway/internal/raftrpc"
	"github.com/ocx/fixgateway/internal/ringbuf"
	"github.com/ocx/fixgateway/internal/sessionid"
	"github.com/ocx/fixgateway/internal/streams"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file (defaults are used for anything it omits)")
	listenAddr := flag.String("fix-listen-addr", ":5201", "address to accept acceptor-role FIX connections on")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fixgatewayd: config: %v\n", err)
		os.Exit(1)
	}

	log := logging.New(cfg.Logging)
	m := metrics.New(cfg.Metrics.Namespace)

	idStore, err := openSessionStore(cfg)
	if err != nil {
		log.Error("open session id store", "error", err)
		os.Exit(1)
	}
	defer idStore.Close()

	var clusterNode *raft.Node
	var grpcServer *grpc.Server
	var clusterAgents []agent.Agent
	if cfg.Cluster.Enabled {
		clusterNode, grpcServer, err = startCluster(cfg, m, log)
		if err != nil {
			log.Error("start cluster", "error", err)
			os.Exit(1)
		}
		clusterAgents = append(clusterAgents, clusterNode)
	}

	soloBuf := ringbuf.New(1 << 20)
	var clusterable *streams.ClusterableStreams
	if cfg.Cluster.Enabled {
		clusterable = streams.NewClustered(clusterNode, uint64(cfg.Cluster.NodeID))
	} else {
		clusterable = streams.NewSolo(soloBuf)
	}
	publication := streams.NewGatewayPublication(clusterable)

	server := &gatewayServer{
		cfg:         cfg,
		log:         log,
		metrics:     m,
		idStore:     idStore,
		publication: publication,
		completion:  completion.New(),
	}
	runner := agent.New(log, agent.DefaultIdleStrategy(), append(clusterAgents, server)...)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	listener, err := net.Listen("tcp", *listenAddr)
	if err != nil {
		log.Error("listen for FIX connections", "addr", *listenAddr, "error", err)
		os.Exit(1)
	}
	defer listener.Close()
	log.Info("accepting FIX connections", "addr", *listenAddr)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		server.acceptLoop(ctx, listener)
	}()

	adminRouter := adminMux()
	httpServer := &http.Server{Addr: cfg.Server.ListenAddr, Handler: adminRouter}
	go func() {
		log.Info("serving /metrics and /healthz", "addr", cfg.Server.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("admin http server", "error", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		runner.Run(ctx)
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
	log.Info("shutting down")
	cancel()
	listener.Close() // unblocks acceptLoop's Accept so it can publish its completion position

	// CompletionPosition (spec.md §5.7): wait for the connection agent
	// to publish its final stream position before tearing down the
	// resources its sessions depend on (the cluster transport, the
	// admin HTTP server).
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if pos, err := server.completion.Await(shutdownCtx); err != nil {
		log.Warn("shutdown completion position not reached", "error", err)
	} else {
		log.Info("reached shutdown completion position", "position", pos)
	}

	httpServer.Shutdown(shutdownCtx)
	if grpcServer != nil {
		grpcServer.GracefulStop()
	}
	wg.Wait()
}

func adminMux() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")
	return r
}

// openSessionStore builds the SessionIds backend config.Session
// selects: the spec-mandated file store, or a Redis-backed store
// shared across every node in a clustered deployment.
func openSessionStore(cfg *config.Config) (sessionid.Store, error) {
	if cfg.Session.RegistryBackend == "redis" {
		client := redis.NewClient(&redis.Options{Addr: cfg.Session.RedisAddr})
		return sessionid.NewRedisStore(context.Background(), &redisClientAdapter{client: client}, ""), nil
	}

	registryDir := filepath.Dir(cfg.Session.SessionRegistryPath)
	if registryDir != "." {
		if err := os.MkdirAll(registryDir, 0o755); err != nil {
			return nil, fmt.Errorf("create session registry directory: %w", err)
		}
	}
	return sessionid.OpenFileStore(cfg.Session.SessionRegistryPath)
}

// redisClientAdapter narrows *redis.Client to the
// sessionid.RedisClient surface RedisStore needs, per that package's
// own doc comment: cmd/fixgatewayd owns the concrete driver so
// internal/sessionid never imports it directly.
type redisClientAdapter struct {
	client *redis.Client
}

func (a *redisClientAdapter) Get(ctx context.Context, key string) (string, error) {
	return a.client.Get(ctx, key).Result()
}

func (a *redisClientAdapter) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return a.client.Set(ctx, key, value, ttl).Err()
}

func (a *redisClientAdapter) Del(ctx context.Context, keys ...string) error {
	return a.client.Del(ctx, keys...).Err()
}

func (a *redisClientAdapter) Incr(ctx context.Context, key string) (int64, error) {
	return a.client.Incr(ctx, key).Result()
}

func startCluster(cfg *config.Config, m *metrics.Metrics, log *slog.Logger) (*raft.Node, *grpc.Server, error) {
	persist, err := raft.OpenFilePersistentState(fmt.Sprintf("raft-state-%d.dat", cfg.Cluster.NodeID))
	if err != nil {
		return nil, nil, fmt.Errorf("open persistent state: %w", err)
	}

	transport := raftrpc.NewGRPCTransport()
	peerIDs := make([]uint64, len(cfg.Cluster.PeerIDs))
	for i, id := range cfg.Cluster.PeerIDs {
		peerIDs[i] = uint64(id)
	}

	raftCfg := raft.Config{
		NodeID:             uint64(cfg.Cluster.NodeID),
		PeerIDs:            peerIDs,
		ElectionTimeoutMin: time.Duration(cfg.Cluster.ElectionTimeoutMsMin) * time.Millisecond,
		ElectionTimeoutMax: time.Duration(cfg.Cluster.ElectionTimeoutMsMax) * time.Millisecond,
		HeartbeatInterval:  time.Duration(cfg.Cluster.HeartbeatIntervalMs) * time.Millisecond,
	}
	node := raft.NewNode(raftCfg, transport, persist, m)

	for i, id := range peerIDs {
		if i >= len(cfg.Cluster.PeerAddrs) {
			break
		}
		conn, err := grpc.NewClient(cfg.Cluster.PeerAddrs[i],
			grpc.WithTransportCredentials(insecure.NewCredentials()),
			grpc.WithDefaultCallOptions(grpc.CallContentSubtype("raftrpc")),
		)
		if err != nil {
			log.Warn("dial raft peer", "peer_id", id, "error", err)
			continue
		}
		transport.Register(id, raftrpc.NewClient(conn))
	}

	grpcServer := grpc.NewServer()
	grpcServer.RegisterService(&raftrpc.ServiceDesc, node)
	lis, err := net.Listen("tcp", cfg.Cluster.Channel)
	if err != nil {
		return nil, nil, fmt.Errorf("listen for cluster RPC: %w", err)
	}
	go func() {
		if err := grpcServer.Serve(lis); err != nil {
			log.Error("raft grpc server", "error", err)
		}
	}()

	return node, grpcServer, nil
}

// gatewayServer accepts FIX connections and wires each to a new
// Session + SessionAgent; gatewayServer.DoWork polls those agents, and
// the gatewayServer itself is the agent the shared agent.Runner drives.
type gatewayServer struct {
	mu          sync.Mutex
	cfg         *config.Config
	log         *slog.Logger
	metrics     *metrics.Metrics
	idStore     sessionid.Store
	publication *streams.GatewayPublication
	completion  *completion.Position

	nextConnectionID uint64
	liveAgents       []*fixsession.SessionAgent
}

// Name implements agent.Agent.
func (s *gatewayServer) Name() string { return "fix-connections" }

// DoWork polls every live connection's SessionAgent, then drops any
// that have reached a terminal state so the runner stops spending
// cycles on closed connections.
func (s *gatewayServer) DoWork() (int, error) {
	s.mu.Lock()
	live := append([]*fixsession.SessionAgent{}, s.liveAgents...)
	s.mu.Unlock()

	total := 0
	terminal := make(map[*fixsession.SessionAgent]bool, len(live))
	for _, a := range live {
		n, err := a.DoWork()
		if err != nil {
			s.log.Warn("session agent do_work error", "agent", a.Name(), "error", err)
		}
		total += n
		if a.Session().State().IsTerminal() {
			terminal[a] = true
		}
	}

	s.mu.Lock()
	kept := s.liveAgents[:0]
	for _, a := range s.liveAgents {
		if !terminal[a] {
			kept = append(kept, a)
		}
	}
	s.liveAgents = kept
	s.mu.Unlock()
	return total, nil
}

func (s *gatewayServer) acceptLoop(ctx context.Context, listener net.Listener) {
	defer s.completion.Set(s.publication.Position())
	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				s.log.Warn("accept FIX connection", "error", err)
				continue
			}
		}
		go s.handleConnection(ctx, conn)
	}
}

func (s *gatewayServer) handleConnection(ctx context.Context, conn net.Conn) {
	connectionID := s.nextConnectionIDVal()
	requestTag := uuid.New().String()
	s.log.Info("accepted FIX connection", "connection_id", connectionID, "remote_addr", conn.RemoteAddr(), "request_tag", requestTag)

	key := fixsession.Key{SenderCompID: conn.RemoteAddr().String(), TargetCompID: "FIXGW"}
	sessionIDVal, err := s.idStore.LookupOrAllocate(key.String())
	if err != nil {
		s.log.Error("allocate session id", "error", err)
		conn.Close()
		return
	}

	sessCfg := fixsession.Config{
		BeginString:       s.cfg.Session.BeginString,
		HeartbeatInterval: s.cfg.Session.HeartbeatInterval(),
		SendingTimeWindow: s.cfg.Session.SendingTimeWindow(),
		LogoutTimeout:     2 * time.Second,
		ResendChunkSize:   s.cfg.Session.ResendChunkSize,
	}
	session := fixsession.NewSession(connectionID, sessionIDVal, key, fixsession.RoleAcceptor, sessCfg, &connOutbound{conn: conn}, s.publication, s.metrics)
	sessionAgent := fixsession.NewSessionAgent(session)

	s.mu.Lock()
	s.liveAgents = append(s.liveAgents, sessionAgent)
	s.mu.Unlock()

	go readLoop(session, conn, s.log)
}

func (s *gatewayServer) nextConnectionIDVal() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextConnectionID++
	return s.nextConnectionID
}

// connOutbound adapts a net.Conn to fixsession.Outbound.
type connOutbound struct {
	mu   sync.Mutex
	conn net.Conn
}

func (o *connOutbound) Send(msg []byte) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, err := o.conn.Write(msg)
	return err
}

// readLoop splits the inbound byte stream into FIX messages (each
// ending in tag 10=NNN followed by the field's trailing SOH) and
// dispatches them to the session's on_message handlers by MsgType.
func readLoop(session *fixsession.Session, conn net.Conn, log *slog.Logger) {
	defer conn.Close()
	defer session.Disconnect()

	buf := make([]byte, 0, 4096)
	chunk := make([]byte, 4096)
	for {
		n, err := conn.Read(chunk)
		if err != nil {
			return
		}
		buf = append(buf, chunk[:n]...)

		for {
			msgEnd := findMessageEnd(buf)
			if msgEnd < 0 {
				break
			}
			msg := buf[:msgEnd]
			buf = append([]byte{}, buf[msgEnd:]...)
			dispatch(session, msg, log)
		}
	}
}

// findMessageEnd locates the end of the first complete FIX message in
// buf by scanning for a "10=" checksum field terminated by SOH (0x01).
func findMessageEnd(buf []byte) int {
	const soh = 0x01
	for i := 0; i+3 <= len(buf); i++ {
		if buf[i] == soh || i == 0 {
			start := i
			if buf[i] == soh {
				start = i + 1
			}
			if start+3 <= len(buf) && buf[start] == '1' && buf[start+1] == '0' && buf[start+2] == '=' {
				for j := start + 3; j < len(buf); j++ {
					if buf[j] == soh {
						return j + 1
					}
				}
			}
		}
	}
	return -1
}

func dispatch(session *fixsession.Session, msg []byte, log *slog.Logger) {
	fields, err := fixwire.Decode(msg)
	if err != nil {
		log.Warn("discarding unparseable FIX message", "error", err)
		return
	}

	msgType, _ := fixwire.Get(fields, 35)
	seqStr, _ := fixwire.Get(fields, 34)
	seqNo := parseSeq(seqStr)

	switch msgType {
	case "A":
		heartbeatStr, _ := fixwire.Get(fields, 108)
		senderCompID, _ := fixwire.Get(fields, 49)
		targetCompID, _ := fixwire.Get(fields, 56)
		key := fixsession.Key{SenderCompID: senderCompID, TargetCompID: targetCompID}
		_, err := session.OnLogon(int(parseSeq(heartbeatStr)), seqNo, key, time.Time{})
		if err != nil {
			log.Warn("logon rejected", "error", err)
		}
	case "5":
		session.OnLogout(seqNo)
	case "0":
		testReqID, _ := fixwire.Get(fields, 112)
		session.OnHeartbeat(seqNo, testReqID)
	case "1":
		id, _ := fixwire.Get(fields, 112)
		session.OnTestRequest(id, seqNo)
	case "2":
		beginStr, _ := fixwire.Get(fields, 7)
		endStr, _ := fixwire.Get(fields, 16)
		session.OnResendRequest(parseSeq(beginStr), parseSeq(endStr))
	case "3":
		session.OnReject(seqNo)
	case "4":
		newSeqStr, _ := fixwire.Get(fields, 36)
		gapFillStr, _ := fixwire.Get(fields, 123)
		session.OnSequenceReset(parseSeq(newSeqStr), gapFillStr == "Y")
	default:
		possDupStr, _ := fixwire.Get(fields, 43)
		session.OnMessage(seqNo, time.Time{}, possDupStr == "Y", msg)
	}
}

func parseSeq(s string) uint64 {
	v, _ := strconv.ParseUint(s, 10, 64)
	return v
}
