// Package forest adapts a Filecoin Forest archive node to the ArchiveNode
// port. Chain queries go over the node's JSON-RPC endpoint; exports and
// state computation shell out to the forest-cli / forest-tool binaries,
// which stream snapshot data far more efficiently than the RPC surface.
package forest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/forest-ops/snapshot-pipeline/internal/domain/entity"
	"github.com/forest-ops/snapshot-pipeline/internal/pkg/retry"
	"github.com/forest-ops/snapshot-pipeline/internal/ports/outbound"
)

// Compile-time check that Node implements outbound.ArchiveNode.
var _ outbound.ArchiveNode = (*Node)(nil)

// secondsPerEpoch is the chain's epoch cadence, used to judge sync freshness
// and to convert epochs to calendar dates.
const secondsPerEpoch = 30

// syncSlack is how far behind the head may lag wall-clock time before the
// node counts as out of sync.
const syncSlack = 4 * secondsPerEpoch * time.Second

// Config holds the forest node adapter configuration.
type Config struct {
	// RPCEndpoint is the node's JSON-RPC URL, e.g. "http://forest:2345/rpc/v1".
	RPCEndpoint string

	// TokenPath is the file holding the node's admin JWT, used both as the
	// RPC bearer token and to build FULLNODE_API_INFO for the CLI tools.
	TokenPath string

	// CLIPath is the forest-cli binary. Default /usr/local/bin/forest-cli.
	CLIPath string

	// ToolPath is the forest-tool binary. Default /usr/local/bin/forest-tool.
	ToolPath string

	// DataDir is the node's data directory.
	DataDir string

	// RequestTimeout bounds each RPC call. Default 30s.
	RequestTimeout time.Duration

	// RateLimit caps RPC calls per second. Default 5.
	RateLimit rate.Limit

	// Retry configures transient RPC failure handling.
	Retry retry.Config

	// Logger is the structured logger.
	Logger *slog.Logger
}

// ConfigDefaults returns a config with default values.
func ConfigDefaults() Config {
	return Config{
		CLIPath:        "/usr/local/bin/forest-cli",
		ToolPath:       "/usr/local/bin/forest-tool",
		RequestTimeout: 30 * time.Second,
		RateLimit:      rate.Limit(5),
		Retry:          retry.DefaultConfig(),
		Logger:         slog.Default(),
	}
}

// Node talks to a Forest archive node.
type Node struct {
	config     Config
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *slog.Logger

	// runCommand is swappable for tests; defaults to exec-ing the binary.
	runCommand commandRunner
}

// NewNode creates a forest node adapter.
func NewNode(config Config) (*Node, error) {
	if config.RPCEndpoint == "" {
		return nil, fmt.Errorf("RPC endpoint is required")
	}
	if config.TokenPath == "" {
		return nil, fmt.Errorf("token path is required")
	}

	defaults := ConfigDefaults()
	if config.CLIPath == "" {
		config.CLIPath = defaults.CLIPath
	}
	if config.ToolPath == "" {
		config.ToolPath = defaults.ToolPath
	}
	if config.RequestTimeout == 0 {
		config.RequestTimeout = defaults.RequestTimeout
	}
	if config.RateLimit == 0 {
		config.RateLimit = defaults.RateLimit
	}
	if config.Retry.MaxRetries == 0 {
		config.Retry = defaults.Retry
	}
	if config.Logger == nil {
		config.Logger = defaults.Logger
	}

	return &Node{
		config:     config,
		httpClient: &http.Client{Timeout: config.RequestTimeout},
		limiter:    rate.NewLimiter(config.RateLimit, 1),
		logger:     config.Logger.With("component", "forest-node"),
		runCommand: execCommand,
	}, nil
}

// token reads the node's JWT from disk. Read per call so token rotation
// does not require a restart.
func (n *Node) token() (string, error) {
	data, err := os.ReadFile(n.config.TokenPath)
	if err != nil {
		return "", fmt.Errorf("failed to read node token: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
	ID      int    `json:"id"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

// call performs one JSON-RPC request with rate limiting and retries.
func (n *Node) call(ctx context.Context, method string, params any, result any) error {
	if err := n.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}

	raw, err := retry.Do(ctx, n.config.Retry, transientRPCError,
		func(attempt int, err error, backoff time.Duration) {
			n.logger.Warn("retrying node RPC", "method", method, "attempt", attempt, "backoff", backoff, "error", err)
		},
		func() (json.RawMessage, error) {
			return n.doCall(ctx, method, params)
		})
	if err != nil {
		return fmt.Errorf("%w: %s: %w", entity.ErrNodeUnavailable, method, err)
	}

	if result != nil {
		if err := json.Unmarshal(raw, result); err != nil {
			return fmt.Errorf("failed to decode %s result: %w", method, err)
		}
	}
	return nil
}

func (n *Node) doCall(ctx context.Context, method string, params any) (json.RawMessage, error) {
	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", Method: method, Params: params, ID: 1})
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.config.RPCEndpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token, err := n.token(); err == nil && token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(data, &rpcResp); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if rpcResp.Error != nil {
		return nil, fmt.Errorf("rpc error %d: %s", rpcResp.Error.Code, rpcResp.Error.Message)
	}
	return rpcResp.Result, nil
}

// transientRPCError treats everything except context cancellation as
// retryable; the node is a single instance that restarts in place.
func transientRPCError(err error) bool {
	return !strings.Contains(err.Error(), "context canceled")
}

// tipset is the subset of a chain tipset the adapter reads.
type tipset struct {
	Height int64 `json:"Height"`
	Blocks []struct {
		Timestamp       int64             `json:"Timestamp"`
		ParentStateRoot map[string]string `json:"ParentStateRoot"`
	} `json:"Blocks"`
}

// CurrentHeight returns the node's chain head epoch.
func (n *Node) CurrentHeight(ctx context.Context) (uint64, error) {
	var head tipset
	if err := n.call(ctx, "Filecoin.ChainHead", []any{}, &head); err != nil {
		return 0, err
	}
	if head.Height < 0 {
		return 0, fmt.Errorf("node reported negative height %d", head.Height)
	}
	return uint64(head.Height), nil
}

// IsSynced reports whether the chain head is fresh: a synced node's head
// timestamp tracks wall-clock time within a few epochs.
func (n *Node) IsSynced(ctx context.Context) (bool, error) {
	var head tipset
	if err := n.call(ctx, "Filecoin.ChainHead", []any{}, &head); err != nil {
		return false, err
	}
	if len(head.Blocks) == 0 {
		return false, nil
	}
	lag := time.Since(time.Unix(head.Blocks[0].Timestamp, 0))
	return lag < syncSlack, nil
}

// GenesisTimestamp returns the unix timestamp of the genesis block.
func (n *Node) GenesisTimestamp(ctx context.Context) (int64, error) {
	var genesis tipset
	if err := n.call(ctx, "Filecoin.ChainGetGenesis", []any{}, &genesis); err != nil {
		return 0, err
	}
	if len(genesis.Blocks) == 0 {
		return 0, fmt.Errorf("genesis tipset has no blocks")
	}
	return genesis.Blocks[0].Timestamp, nil
}

// StateRootAt returns the node's view of the state root at an epoch, or an
// empty string when the node cannot serve that height.
func (n *Node) StateRootAt(ctx context.Context, epoch uint64) (string, error) {
	var ts tipset
	err := n.call(ctx, "Filecoin.ChainGetTipSetByHeight", []any{epoch, nil}, &ts)
	if err != nil {
		return "", err
	}
	if len(ts.Blocks) == 0 {
		return "", nil
	}
	return ts.Blocks[0].ParentStateRoot["/"], nil
}

// DataDir returns the node's data directory path.
func (n *Node) DataDir() string { return n.config.DataDir }
