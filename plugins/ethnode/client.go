package ethnode

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
)

// endpointConfig describes how to construct a monitoring client for one
// node endpoint.
type endpointConfig struct {
	Name   string
	RPCURL string
	Notes  string
}

// endpointClient reads operational state from a single EVM node. It only
// performs read calls; transaction submission is out of its scope.
type endpointClient struct {
	name      string
	notes     string
	rpcClient *gethrpc.Client
	eth       *ethclient.Client
	mu        sync.Mutex
}

// Snapshot summarizes the operational state of one node endpoint.
type Snapshot struct {
	Endpoint    string `json:"endpoint"`
	ChainID     string `json:"chainId"`
	BlockNumber string `json:"blockNumber"`
	Peers       uint64 `json:"peers"`
	Network     string `json:"network"`
	Syncing     bool   `json:"syncing"`
	Notes       string `json:"notes,omitempty"`
}

// dialEndpoint connects the configured RPC endpoint and returns a
// ready-to-use client.
func dialEndpoint(ctx context.Context, cfg endpointConfig) (*endpointClient, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, errors.New("未配置节点 RPC 地址")
	}

	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("连接节点失败: %w", err)
	}

	return &endpointClient{
		name:      cfg.Name,
		notes:     cfg.Notes,
		rpcClient: rpcClient,
		eth:       ethclient.NewClient(rpcClient),
	}, nil
}

// wrapRPCClient builds an endpoint client around an existing RPC
// connection. Tests use it with an in-process server.
func wrapRPCClient(name string, rpcClient *gethrpc.Client, notes string) *endpointClient {
	return &endpointClient{
		name:      name,
		notes:     notes,
		rpcClient: rpcClient,
		eth:       ethclient.NewClient(rpcClient),
	}
}

// Close releases the network connection held by the client.
func (c *endpointClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.eth != nil {
		c.eth.Close()
		c.eth = nil
	}
	c.rpcClient = nil
}

// Ping makes the cheapest possible liveness call against the endpoint.
func (c *endpointClient) Ping(ctx context.Context) error {
	if c == nil || c.eth == nil {
		return errors.New("未初始化的节点客户端")
	}
	if _, err := c.eth.ChainID(ctx); err != nil {
		return fmt.Errorf("探测节点失败: %w", err)
	}
	return nil
}

// FetchSnapshot gathers chain id, head block, peer count and network id in
// a single RPC batch, then asks for sync state. One round trip per
// endpoint keeps fleet-wide snapshots cheap.
func (c *endpointClient) FetchSnapshot(ctx context.Context) (Snapshot, error) {
	if c == nil || c.rpcClient == nil {
		return Snapshot{}, errors.New("未初始化的节点客户端")
	}

	var chainID, blockNumber, peerCount, network string
	batch := []gethrpc.BatchElem{
		{Method: "eth_chainId", Result: &chainID},
		{Method: "eth_blockNumber", Result: &blockNumber},
		{Method: "net_peerCount", Result: &peerCount},
		{Method: "net_version", Result: &network},
	}
	if err := c.rpcClient.BatchCallContext(ctx, batch); err != nil {
		return Snapshot{}, fmt.Errorf("批量查询节点状态失败: %w", err)
	}
	for _, elem := range batch {
		if elem.Error != nil {
			return Snapshot{}, fmt.Errorf("查询 %s 失败: %w", elem.Method, elem.Error)
		}
	}

	peers, err := parseHexUint(peerCount)
	if err != nil {
		return Snapshot{}, fmt.Errorf("解析节点连接数失败: %w", err)
	}

	progress, err := c.eth.SyncProgress(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("查询同步状态失败: %w", err)
	}

	return Snapshot{
		Endpoint:    c.name,
		ChainID:     chainID,
		BlockNumber: blockNumber,
		Peers:       peers,
		Network:     network,
		Syncing:     progress != nil,
		Notes:       c.notes,
	}, nil
}

// Balance reads the account balance in wei, hex encoded.
func (c *endpointClient) Balance(ctx context.Context, address string) (string, error) {
	if c == nil || c.eth == nil {
		return "", errors.New("未初始化的节点客户端")
	}
	addr := strings.TrimSpace(address)
	if !common.IsHexAddress(addr) {
		return "", fmt.Errorf("无效的账户地址: %s", address)
	}
	balance, err := c.eth.BalanceAt(ctx, common.HexToAddress(addr), nil)
	if err != nil {
		return "", fmt.Errorf("查询余额失败: %w", err)
	}
	return toHexBig(balance), nil
}

// Peers reads the peer count and network id of the endpoint.
func (c *endpointClient) Peers(ctx context.Context) (uint64, string, error) {
	if c == nil || c.eth == nil {
		return 0, "", errors.New("未初始化的节点客户端")
	}
	count, err := c.eth.PeerCount(ctx)
	if err != nil {
		return 0, "", fmt.Errorf("查询节点连接数失败: %w", err)
	}
	network, err := c.eth.NetworkID(ctx)
	if err != nil {
		return 0, "", fmt.Errorf("查询网络标识失败: %w", err)
	}
	return count, network.String(), nil
}

func toHexBig(n *big.Int) string {
	if n == nil {
		return "0x0"
	}
	return "0x" + n.Text(16)
}

func parseHexUint(s string) (uint64, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(s), "0x")
	if trimmed == "" {
		return 0, fmt.Errorf("空的十六进制数值: %q", s)
	}
	return strconv.ParseUint(trimmed, 16, 64)
}
