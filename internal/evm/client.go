package evm

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/gagliardetto/solana-go"

	xerrors "OpenProof-Chain/internal/errors"
)

// ProverABI describes the single view function used to validate Solana logs.
const ProverABI = `[{
  "inputs": [{"internalType": "bytes", "name": "proof", "type": "bytes"}],
  "name": "validateSolLogs",
  "outputs": [
    {"internalType": "uint32", "name": "chainId", "type": "uint32"},
    {"internalType": "bytes32", "name": "programID", "type": "bytes32"},
    {"internalType": "string[]", "name": "logMessages", "type": "string[]"}
  ],
  "stateMutability": "view",
  "type": "function"
}]`

const methodValidateSolLogs = "validateSolLogs"

// CodeProofReverted marks a proof the prover contract refused.
const CodeProofReverted xerrors.Code = "EVM_PROOF_REVERTED"

// ErrProofReverted is matched with errors.Is when the prover contract reverts.
var ErrProofReverted = xerrors.New(CodeProofReverted, "prover contract reverted")

func init() {
	xerrors.Register(CodeProofReverted, xerrors.Attributes{
		Message:  "prover contract reverted",
		Severity: xerrors.SeverityWarning,
		Alert:    true,
	})
}

var proverABI = mustParseABI(ProverABI)

func mustParseABI(definition string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(definition))
	if err != nil {
		panic(fmt.Sprintf("解析 ABI 失败: %v", err))
	}
	return parsed
}

// Config describes how to reach the prover contract.
type Config struct {
	RPCURL        string
	ProverAddress string
	Timeout       time.Duration
}

// SolLogs is the decoded return value of validateSolLogs.
type SolLogs struct {
	ChainID   uint32
	ProgramID [32]byte
	Logs      []string
}

// ProgramKey renders the proven program id as a Solana public key.
func (s *SolLogs) ProgramKey() solana.PublicKey {
	return solana.PublicKeyFromBytes(s.ProgramID[:])
}

// ProgramIDHex renders the proven program id as 0x-prefixed hex.
func (s *SolLogs) ProgramIDHex() string {
	return hexutil.Encode(s.ProgramID[:])
}

// KeyValues extracts the key/value records carried in the proven logs.
func (s *SolLogs) KeyValues() []KeyValue {
	return ExtractKeyValues(s.Logs)
}

// Client calls validateSolLogs on the prover contract.
type Client struct {
	caller  gethcore.ContractCaller
	prover  common.Address
	timeout time.Duration
	closeFn func()
	mu      sync.Mutex
}

// Dial connects to the configured RPC endpoint.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "未配置 EVM RPC 地址")
	}
	prover, err := parseAddress(cfg.ProverAddress)
	if err != nil {
		return nil, err
	}
	eth, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeUpstreamFailure, err, "连接 EVM 节点失败")
	}
	client := NewClient(eth, prover, cfg.Timeout)
	client.closeFn = eth.Close
	return client, nil
}

// NewClient wraps an existing contract caller.
func NewClient(caller gethcore.ContractCaller, prover common.Address, timeout time.Duration) *Client {
	return &Client{caller: caller, prover: prover, timeout: timeout}
}

func parseAddress(raw string) (common.Address, error) {
	raw = strings.TrimSpace(raw)
	if !common.IsHexAddress(raw) {
		return common.Address{}, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("无效的证明合约地址: %q", raw))
	}
	return common.HexToAddress(raw), nil
}

// Prover returns the contract address being called.
func (c *Client) Prover() common.Address {
	return c.prover
}

// Close releases the RPC connection.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closeFn != nil {
		c.closeFn()
		c.closeFn = nil
	}
}

// ValidateSolLogs submits proof to the prover contract as a read-only call.
func (c *Client) ValidateSolLogs(ctx context.Context, proof []byte) (*SolLogs, error) {
	if c == nil || c.caller == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未初始化的 EVM 客户端")
	}
	if len(proof) == 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "proof is empty")
	}
	input, err := proverABI.Pack(methodValidateSolLogs, proof)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "encode validateSolLogs call")
	}
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	prover := c.prover
	output, err := c.caller.CallContract(ctx, gethcore.CallMsg{To: &prover, Data: input}, nil)
	if err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "revert") {
			return nil, xerrors.Wrap(CodeProofReverted, err, "prover contract reverted")
		}
		return nil, xerrors.Wrap(xerrors.CodeUpstreamFailure, err, "call validateSolLogs")
	}
	return decodeSolLogs(output)
}

func decodeSolLogs(output []byte) (*SolLogs, error) {
	values, err := proverABI.Unpack(methodValidateSolLogs, output)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeUpstreamFailure, err, "decode validateSolLogs output")
	}
	if len(values) != 3 {
		return nil, xerrors.New(xerrors.CodeUpstreamFailure, fmt.Sprintf("validateSolLogs returned %d values", len(values)))
	}
	chainID, ok1 := values[0].(uint32)
	programID, ok2 := values[1].([32]byte)
	logs, ok3 := values[2].([]string)
	if !ok1 || !ok2 || !ok3 {
		return nil, xerrors.New(xerrors.CodeUpstreamFailure, "validateSolLogs returned unexpected types")
	}
	return &SolLogs{ChainID: chainID, ProgramID: programID, Logs: logs}, nil
}
