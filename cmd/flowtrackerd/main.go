// Command flowtrackerd runs the cross-chain USDC flow tracker as an HTTP
// service: start/resume/cancel/retry a flow by transaction id, inspect its
// current state, and scrape /metrics.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	dbm "github.com/cometbft/cometbft-db"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/iskay-labs/usdc-flow-tracker/internal/blockheight"
	"github.com/iskay-labs/usdc-flow-tracker/internal/config"
	"github.com/iskay-labs/usdc-flow-tracker/internal/flowstate"
	"github.com/iskay-labs/usdc-flow-tracker/internal/kv"
	"github.com/iskay-labs/usdc-flow-tracker/internal/metrics"
	"github.com/iskay-labs/usdc-flow-tracker/internal/noblelcd"
	"github.com/iskay-labs/usdc-flow-tracker/internal/orchestrator"
	"github.com/iskay-labs/usdc-flow-tracker/internal/poller"
	"github.com/iskay-labs/usdc-flow-tracker/internal/poller/evmpoller"
	"github.com/iskay-labs/usdc-flow-tracker/internal/poller/namadapoller"
	"github.com/iskay-labs/usdc-flow-tracker/internal/poller/noblepoller"
	"github.com/iskay-labs/usdc-flow-tracker/internal/registration"
	"github.com/iskay-labs/usdc-flow-tracker/internal/rpc/evmrpc"
	"github.com/iskay-labs/usdc-flow-tracker/internal/rpc/tendermintrpc"
	"github.com/iskay-labs/usdc-flow-tracker/internal/timeoutcfg"
)

func main() {
	log.SetOutput(os.Stdout)
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	log.Printf("starting flow tracker")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		log.Fatalf("create data dir %s: %v", cfg.DataDir, err)
	}

	store, err := newStore(cfg)
	if err != nil {
		log.Fatalf("open store: %v", err)
	}

	var timeoutConfig *timeoutcfg.Config
	if cfg.TimeoutConfigPath != "" {
		timeoutConfig, err = timeoutcfg.Load(cfg.TimeoutConfigPath)
		if err != nil {
			log.Fatalf("load timeout config: %v", err)
		}
	}

	metricsReg := metrics.New()

	svc, err := newService(cfg, store, timeoutConfig, metricsReg)
	if err != nil {
		log.Fatalf("wire service: %v", err)
	}

	mux := http.NewServeMux()
	svc.registerRoutes(mux)

	apiServer := &http.Server{Addr: cfg.ListenAddr, Handler: mux}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", metricsReg.Handler())
	metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: metricsMux}

	healthMux := http.NewServeMux()
	healthMux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	})
	healthServer := &http.Server{Addr: cfg.HealthAddr, Handler: healthMux}

	go serve("api", apiServer)
	go serve("metrics", metricsServer)
	go serve("health", healthServer)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Printf("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	for name, srv := range map[string]*http.Server{"api": apiServer, "metrics": metricsServer, "health": healthServer} {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("%s server shutdown error: %v", name, err)
		}
	}
	log.Printf("flow tracker stopped")
}

func serve(name string, srv *http.Server) {
	log.Printf("%s server listening on %s", name, srv.Addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("%s server: %v", name, err)
	}
}

func newStore(cfg *config.Config) (*flowstate.Store, error) {
	if cfg.KVBackend == "memory" {
		return flowstate.NewStore(kv.NewMemory()), nil
	}
	db, err := dbm.NewGoLevelDB(cfg.KVName, cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("open goleveldb at %s: %w", cfg.DataDir, err)
	}
	return flowstate.NewStore(kv.NewCometBFTAdapter(db)), nil
}

// service wires the transport clients, pollers, and orchestrator registry
// needed to drive flows end to end, and exposes the HTTP surface over them.
type service struct {
	cfg        *config.Config
	store      *flowstate.Store
	timeoutCfg *timeoutcfg.Config
	metrics    *metrics.Registry
	registry   *orchestrator.Registry

	noblePoller  *noblepoller.Poller
	namadaPoller *namadapoller.Poller
	evmPollers   map[string]*evmpoller.Poller // keyed by evmChainKey

	evmResolvers map[string]*blockheight.EVMResolver // keyed by evmChainKey
	namadaResolv *namadaResolverAdapter
}

func newService(cfg *config.Config, store *flowstate.Store, timeoutConfig *timeoutcfg.Config, metricsReg *metrics.Registry) (*service, error) {
	httpClient := &http.Client{Timeout: 30 * time.Second}

	nobleRPC := tendermintrpc.NewClient(cfg.NobleRPCURL, httpClient)
	namadaRPC := tendermintrpc.NewClient(cfg.NamadaRPCURL, httpClient)
	lcd := noblelcd.NewClient(cfg.NobleLCDURL, httpClient)

	regJob := registration.New(registrarStub{}, lcd, registrarStub{}, lcd)
	regJob.Metrics = metricsReg

	svc := &service{
		cfg:          cfg,
		store:        store,
		timeoutCfg:   timeoutConfig,
		metrics:      metricsReg,
		registry:     orchestrator.NewRegistry(),
		noblePoller:  noblepoller.New(nobleRPC, regJob),
		namadaPoller: namadapoller.New(namadaRPC),
		evmPollers:   make(map[string]*evmpoller.Poller),
		evmResolvers: make(map[string]*blockheight.EVMResolver),
	}

	for key, chainCfg := range cfg.EVMChains {
		eth, err := ethclient.Dial(chainCfg.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("dial evm chain %s: %w", key, err)
		}
		client := evmrpc.NewClient(eth)
		svc.evmPollers[key] = evmpoller.New(client)
		svc.evmResolvers[key] = blockheight.NewEVMResolver(client)
	}

	if cfg.NamadaIndexerURL != "" {
		svc.namadaResolv = &namadaResolverAdapter{
			indexer:        blockheight.NewTendermintIndexer(cfg.NamadaIndexerURL, httpClient),
			backscanWindow: cfg.BackscanFor("namada"),
		}
	}

	return svc, nil
}

// registrarStub is the placeholder for the two registration-job
// collaborators spec.md leaves fully delegated to an external system:
// registration-status checking (an upstream forwarding service, shape
// unspecified) and transaction construction (wallet signing, an explicit
// Non-goal). A real deployment supplies its own implementations of
// registration.StatusChecker and registration.TxBuilder in place of this.
type registrarStub struct{}

func (registrarStub) IsRegistered(ctx context.Context, recipientAddress string) (bool, error) {
	return false, fmt.Errorf("registrarStub: IsRegistered not configured for %s", recipientAddress)
}

func (registrarStub) BuildRegisterForwardingTx(ctx context.Context, params registration.Params) ([]byte, error) {
	return nil, fmt.Errorf("registrarStub: BuildRegisterForwardingTx not configured")
}

// namadaResolverAdapter adapts blockheight.TendermintIndexer's
// (epochSeconds, backscanWindow) signature to orchestrator.HeightResolver's
// (ctx, epochSeconds).
type namadaResolverAdapter struct {
	indexer        *blockheight.TendermintIndexer
	backscanWindow int64
}

func (a *namadaResolverAdapter) HeightAtTimestamp(ctx context.Context, epochSeconds int64) (uint64, error) {
	return a.indexer.HeightAtTimestamp(ctx, epochSeconds, a.backscanWindow)
}

// evmResolverAdapter adapts blockheight.EVMResolver's uint64 timestamp
// parameter to orchestrator.HeightResolver's int64.
type evmResolverAdapter struct {
	resolver *blockheight.EVMResolver
}

func (a *evmResolverAdapter) HeightAtTimestamp(ctx context.Context, epochSeconds int64) (uint64, error) {
	if epochSeconds < 0 {
		epochSeconds = 0
	}
	return a.resolver.HeightAtTimestamp(ctx, uint64(epochSeconds))
}

// startRequest is the POST /flows/{txId}/start body.
type startRequest struct {
	FlowType    string         `json:"flowType"`
	EVMChainKey string         `json:"evmChainKey"`
	Metadata    map[string]any `json:"metadata"`
}

func (s *service) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/flows/", s.handleFlows)
}

func (s *service) handleFlows(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/flows/")
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		http.NotFound(w, r)
		return
	}
	txID := parts[0]

	if len(parts) == 1 {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		s.handleGetFlow(w, r, txID)
		return
	}

	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	switch parts[1] {
	case "start":
		s.handleStart(w, r, txID)
	case "resume":
		s.handleResume(w, r, txID)
	case "cancel":
		s.handleCancel(w, r, txID)
	case "retry":
		s.handleRetry(w, r, txID)
	default:
		http.NotFound(w, r)
	}
}

func (s *service) handleGetFlow(w http.ResponseWriter, r *http.Request, txID string) {
	rec, err := s.store.GetTransactionRecord(txID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *service) handleStart(w http.ResponseWriter, r *http.Request, txID string) {
	var req startRequest
	if r.Body != nil {
		defer r.Body.Close()
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err.Error() != "EOF" {
			http.Error(w, fmt.Sprintf("decode request: %v", err), http.StatusBadRequest)
			return
		}
	}

	flowType := flowstate.FlowType(req.FlowType)
	if flowType != flowstate.FlowTypeDeposit && flowType != flowstate.FlowTypePayment {
		http.Error(w, "flowType must be \"deposit\" or \"payment\"", http.StatusBadRequest)
		return
	}

	o, err := s.buildOrchestrator(txID, flowType, req.EVMChainKey)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.registry.Register(txID, o)

	go s.run(txID, func(ctx context.Context) error {
		return o.Start(ctx, req.Metadata)
	})

	w.WriteHeader(http.StatusAccepted)
}

func (s *service) handleResume(w http.ResponseWriter, r *http.Request, txID string) {
	o, err := s.resolveOrchestrator(txID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	s.registry.Register(txID, o)

	go s.run(txID, o.Resume)

	w.WriteHeader(http.StatusAccepted)
}

func (s *service) handleCancel(w http.ResponseWriter, r *http.Request, txID string) {
	o, ok := s.registry.Get(txID)
	if !ok {
		http.Error(w, fmt.Sprintf("flow %s is not running", txID), http.StatusNotFound)
		return
	}
	if err := o.Cancel(); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *service) handleRetry(w http.ResponseWriter, r *http.Request, txID string) {
	rec, err := s.store.GetTransactionRecord(txID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	evmChainKey, _ := rec.Details["evmChainKey"].(string)

	// Build once up front so a bad evmChainKey surfaces as a 400 rather
	// than being swallowed inside the registry's factory callback.
	if _, err := s.buildOrchestrator(txID, rec.Direction, evmChainKey); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	_, err = s.registry.Retry(context.Background(), txID, func() *orchestrator.Orchestrator {
		o, _ := s.buildOrchestrator(txID, rec.Direction, evmChainKey)
		return o
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// resolveOrchestrator returns the in-registry orchestrator for txID, or
// rebuilds one from persisted state if the process restarted.
func (s *service) resolveOrchestrator(txID string) (*orchestrator.Orchestrator, error) {
	if o, ok := s.registry.Get(txID); ok {
		return o, nil
	}
	rec, err := s.store.GetTransactionRecord(txID)
	if err != nil {
		return nil, err
	}
	evmChainKey, _ := rec.Details["evmChainKey"].(string)
	return s.buildOrchestrator(txID, rec.Direction, evmChainKey)
}

func (s *service) buildOrchestrator(txID string, flowType flowstate.FlowType, evmChainKey string) (*orchestrator.Orchestrator, error) {
	evmP, ok := s.evmPollers[evmChainKey]
	if !ok {
		return nil, fmt.Errorf("unconfigured evmChainKey %q", evmChainKey)
	}

	pollers := map[flowstate.ChainKey]poller.ChainPoller{
		flowstate.ChainEVM:    evmP,
		flowstate.ChainNoble:  s.noblePoller,
		flowstate.ChainNamada: s.namadaPoller,
	}

	o := orchestrator.New(txID, flowType, s.store, pollers, s.timeoutCfg, timeoutcfg.GlobalTimeoutOptions{})
	o.Metrics = s.metrics
	if resolver, ok := s.evmResolvers[evmChainKey]; ok {
		o.EVMHeightResolver = &evmResolverAdapter{resolver: resolver}
	}
	if chainCfg, ok := s.cfg.EVMChains[evmChainKey]; ok {
		o.EVMChain = &orchestrator.EVMChainConfig{
			USDCAddress:               chainCfg.USDCAddress,
			MessageTransmitterAddress: chainCfg.MessageTransmitterAddress,
			SourceDomain:              chainCfg.SourceDomain,
		}
	}
	if s.namadaResolv != nil {
		o.NamadaHeightResolver = s.namadaResolv
	}
	return o, nil
}

func (s *service) run(txID string, fn func(ctx context.Context) error) {
	if err := fn(context.Background()); err != nil {
		log.Printf("flow %s: %v", txID, err)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("encode response: %v", err)
	}
}
