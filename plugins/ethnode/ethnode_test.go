package ethnode

import (
	"context"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
)

// ethService fakes the eth_* namespace of a node.
type ethService struct {
	chainID     *hexutil.Big
	blockNumber hexutil.Uint64
	balances    map[common.Address]*hexutil.Big
	syncing     bool
}

func (s *ethService) ChainId() *hexutil.Big { return s.chainID }

func (s *ethService) BlockNumber() hexutil.Uint64 { return s.blockNumber }

func (s *ethService) GetBalance(ctx context.Context, addr common.Address, blockNrOrHash gethrpc.BlockNumberOrHash) (*hexutil.Big, error) {
	if balance, ok := s.balances[addr]; ok {
		return balance, nil
	}
	return (*hexutil.Big)(big.NewInt(0)), nil
}

func (s *ethService) Syncing() (any, error) {
	if s.syncing {
		return map[string]hexutil.Uint64{
			"startingBlock": 0,
			"currentBlock":  10,
			"highestBlock":  100,
		}, nil
	}
	return false, nil
}

// netService fakes the net_* namespace of a node.
type netService struct {
	peerCount hexutil.Uint
	version   string
}

func (s *netService) PeerCount() hexutil.Uint { return s.peerCount }

func (s *netService) Version() string { return s.version }

func fakeNode(t *testing.T, eth *ethService, net *netService) *gethrpc.Client {
	t.Helper()
	server := gethrpc.NewServer()
	if err := server.RegisterName("eth", eth); err != nil {
		t.Fatalf("register eth namespace: %v", err)
	}
	if err := server.RegisterName("net", net); err != nil {
		t.Fatalf("register net namespace: %v", err)
	}
	client := gethrpc.DialInProc(server)
	t.Cleanup(func() {
		client.Close()
		server.Stop()
	})
	return client
}

func defaultFakes() (*ethService, *netService) {
	eth := &ethService{
		chainID:     (*hexutil.Big)(big.NewInt(1337)),
		blockNumber: hexutil.Uint64(42),
		balances:    map[common.Address]*hexutil.Big{},
	}
	net := &netService{peerCount: hexutil.Uint(5), version: "1337"}
	return eth, net
}

func TestFetchSnapshotBatchesStateReads(t *testing.T) {
	eth, net := defaultFakes()
	client := wrapRPCClient("primary", fakeNode(t, eth, net), "primary validator")

	snapshot, err := client.FetchSnapshot(context.Background())
	if err != nil {
		t.Fatalf("fetch snapshot: %v", err)
	}
	if snapshot.ChainID != "0x539" {
		t.Fatalf("unexpected chain id %s", snapshot.ChainID)
	}
	if snapshot.BlockNumber != "0x2a" {
		t.Fatalf("unexpected block number %s", snapshot.BlockNumber)
	}
	if snapshot.Peers != 5 || snapshot.Network != "1337" {
		t.Fatalf("unexpected peer state: %+v", snapshot)
	}
	if snapshot.Syncing {
		t.Fatal("node should not report syncing")
	}
	if snapshot.Notes != "primary validator" {
		t.Fatalf("notes not carried: %q", snapshot.Notes)
	}
}

func TestFetchSnapshotReportsSyncing(t *testing.T) {
	eth, net := defaultFakes()
	eth.syncing = true
	client := wrapRPCClient("primary", fakeNode(t, eth, net), "")

	snapshot, err := client.FetchSnapshot(context.Background())
	if err != nil {
		t.Fatalf("fetch snapshot: %v", err)
	}
	if !snapshot.Syncing {
		t.Fatal("expected syncing node")
	}
}

func TestBalanceValidatesAddress(t *testing.T) {
	eth, net := defaultFakes()
	addr := common.HexToAddress("0x00000000000000000000000000000000deadbeef")
	eth.balances[addr] = (*hexutil.Big)(big.NewInt(1_000_000_000))
	client := wrapRPCClient("primary", fakeNode(t, eth, net), "")

	if _, err := client.Balance(context.Background(), "not-an-address"); err == nil {
		t.Fatal("expected address validation error")
	}

	balance, err := client.Balance(context.Background(), addr.Hex())
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance != "0x3b9aca00" {
		t.Fatalf("unexpected balance %s", balance)
	}
}

func TestPeersReadsNetworkState(t *testing.T) {
	eth, net := defaultFakes()
	client := wrapRPCClient("primary", fakeNode(t, eth, net), "")

	count, network, err := client.Peers(context.Background())
	if err != nil {
		t.Fatalf("peers: %v", err)
	}
	if count != 5 || network != "1337" {
		t.Fatalf("unexpected peer state: count=%d network=%s", count, network)
	}
}

func TestMonitorRoutesByEndpointName(t *testing.T) {
	ethA, netA := defaultFakes()
	ethB, netB := defaultFakes()
	ethB.blockNumber = hexutil.Uint64(99)

	monitor := New()
	monitor.registry = &registry{
		defaultEndpoint: "primary",
		clients: map[string]*endpointClient{
			"primary": wrapRPCClient("primary", fakeNode(t, ethA, netA), ""),
			"backup":  wrapRPCClient("backup", fakeNode(t, ethB, netB), ""),
		},
	}
	t.Cleanup(func() { _ = monitor.Shutdown(context.Background()) })

	doc, err := monitor.snapshot(context.Background(), map[string]any{"endpoint": "backup"}, nil)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if doc["endpoint"] != "backup" || doc["block_number"] != "0x63" {
		t.Fatalf("routing failed: %v", doc)
	}

	doc, err = monitor.snapshot(context.Background(), map[string]any{}, nil)
	if err != nil {
		t.Fatalf("default snapshot: %v", err)
	}
	if doc["endpoint"] != "primary" {
		t.Fatalf("expected default endpoint, got %v", doc["endpoint"])
	}

	if _, err := monitor.peers(context.Background(), map[string]any{"endpoint": "ghost"}, nil); err == nil {
		t.Fatal("expected error for unknown endpoint")
	}
}

func TestMonitorHealthDegradesOnSecondaryFailure(t *testing.T) {
	eth, net := defaultFakes()
	live := wrapRPCClient("primary", fakeNode(t, eth, net), "")

	ethDead, netDead := defaultFakes()
	dead := wrapRPCClient("backup", fakeNode(t, ethDead, netDead), "")
	dead.Close()

	monitor := New()
	monitor.registry = &registry{
		defaultEndpoint: "primary",
		clients:         map[string]*endpointClient{"primary": live, "backup": dead},
	}

	status := monitor.HealthCheck(context.Background())
	if !status.Healthy || !status.Degraded {
		t.Fatalf("expected healthy-but-degraded, got %+v", status)
	}
	if !strings.Contains(status.Message, "backup") {
		t.Fatalf("message should name the dead endpoint: %q", status.Message)
	}
}

func TestMonitorHealthFailsWhenDefaultDown(t *testing.T) {
	eth, net := defaultFakes()
	dead := wrapRPCClient("primary", fakeNode(t, eth, net), "")
	dead.Close()

	monitor := New()
	monitor.registry = &registry{
		defaultEndpoint: "primary",
		clients:         map[string]*endpointClient{"primary": dead},
	}

	if status := monitor.HealthCheck(context.Background()); status.Healthy {
		t.Fatalf("expected unhealthy status, got %+v", status)
	}
}

func TestInitRequiresEndpoints(t *testing.T) {
	monitor := New()
	if err := monitor.Init(context.Background(), nil); err == nil {
		t.Fatal("expected init failure without endpoints")
	}
}

func TestLoadEndpointDefinitions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "endpoints.yaml")
	payload := `
default: mainnet
endpoints:
  mainnet:
    rpc_url: http://10.0.0.1:8545
    description: primary validator
  testnet:
    rpc_url: http://10.0.0.2:8545
`
	if err := os.WriteFile(path, []byte(payload), 0o600); err != nil {
		t.Fatalf("write endpoints file: %v", err)
	}

	defs, err := LoadEndpointDefinitions(path)
	if err != nil {
		t.Fatalf("load definitions: %v", err)
	}
	if defs.Default != "mainnet" || len(defs.Endpoints) != 2 {
		t.Fatalf("unexpected definitions: %+v", defs)
	}
	if defs.Endpoints["mainnet"].Description != "primary validator" {
		t.Fatalf("description not parsed: %+v", defs.Endpoints["mainnet"])
	}
}

func TestRegistryResolvesDefault(t *testing.T) {
	if _, err := newRegistry(context.Background(), EndpointDefinitions{}); err == nil {
		t.Fatal("expected error for empty registry")
	}

	// HTTP RPC dials are lazy, so unreachable addresses still build clients.
	defs := EndpointDefinitions{
		Endpoints: map[string]EndpointDefinition{
			"beta":  {RPCURL: "http://127.0.0.1:1"},
			"alpha": {RPCURL: "http://127.0.0.1:1"},
		},
	}
	reg, err := newRegistry(context.Background(), defs)
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	defer reg.close()
	if reg.defaultEndpoint != "alpha" {
		t.Fatalf("expected first sorted endpoint as default, got %s", reg.defaultEndpoint)
	}

	defs.Default = "missing"
	if _, err := newRegistry(context.Background(), defs); err == nil {
		t.Fatal("expected error when default endpoint is undefined")
	}
}
