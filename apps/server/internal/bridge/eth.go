package bridge

import (
	"context"
	"fmt"
	"log"
	"math/big"
	"os"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

// ABI fragment of the PlayGame escrow contract.
const playGameABI = `[
  {"type":"function","name":"createMatch","stateMutability":"nonpayable","inputs":[
    {"name":"matchId","type":"bytes32"},
    {"name":"p1","type":"address"},
    {"name":"p2","type":"address"},
    {"name":"stake","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"commitResult","stateMutability":"nonpayable","inputs":[
    {"name":"matchId","type":"bytes32"},
    {"name":"winner","type":"address"}],"outputs":[]}
]`

// The game token has 18 decimals; stakes arrive in whole tokens.
var weiPerToken = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

// EthService submits escrow transactions from the operator key and blocks
// until inclusion.
type EthService struct {
	client   *ethclient.Client
	contract *bind.BoundContract
	opts     *bind.TransactOpts

	// One operator key means one nonce sequence: transaction submission is
	// serialized, waiting for inclusion is not.
	mu sync.Mutex
}

// NewEthServiceFromEnv reads RPC_URL, OPERATOR_PRIVATE_KEY and
// PLAY_GAME_ADDRESS.
func NewEthServiceFromEnv() (*EthService, error) {
	rpcURL := strings.TrimSpace(os.Getenv("RPC_URL"))
	keyHex := strings.TrimPrefix(strings.TrimSpace(os.Getenv("OPERATOR_PRIVATE_KEY")), "0x")
	contractAddr := strings.TrimSpace(os.Getenv("PLAY_GAME_ADDRESS"))
	if rpcURL == "" || keyHex == "" || contractAddr == "" {
		return nil, fmt.Errorf("eth bridge needs RPC_URL, OPERATOR_PRIVATE_KEY and PLAY_GAME_ADDRESS")
	}
	return NewEthService(rpcURL, keyHex, contractAddr)
}

// NewEthService connects to the RPC endpoint and binds the escrow contract.
func NewEthService(rpcURL, operatorKeyHex, contractAddr string) (*EthService, error) {
	if !common.IsHexAddress(contractAddr) {
		return nil, fmt.Errorf("malformed contract address %q", contractAddr)
	}
	key, err := crypto.HexToECDSA(operatorKeyHex)
	if err != nil {
		return nil, fmt.Errorf("parse operator key: %w", err)
	}

	client, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", rpcURL, err)
	}
	chainID, err := client.ChainID(context.Background())
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("query chain id: %w", err)
	}
	opts, err := bind.NewKeyedTransactorWithChainID(key, chainID)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("build transactor: %w", err)
	}

	parsed, err := abi.JSON(strings.NewReader(playGameABI))
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("parse contract abi: %w", err)
	}
	contract := bind.NewBoundContract(common.HexToAddress(contractAddr), parsed, client, client, client)

	log.Printf("[Bridge] eth: operator %s, contract %s, chain %s",
		crypto.PubkeyToAddress(key.PublicKey).Hex(), contractAddr, chainID)

	return &EthService{
		client:   client,
		contract: contract,
		opts:     opts,
	}, nil
}

func (s *EthService) Close() error {
	s.client.Close()
	return nil
}

func (s *EthService) CreateMatch(ctx context.Context, matchID, p1, p2 string, stake int64) (string, error) {
	if !common.IsHexAddress(p1) || !common.IsHexAddress(p2) {
		return "", ErrInvalidAddress
	}
	amount := new(big.Int).Mul(big.NewInt(stake), weiPerToken)
	return s.transact(ctx, "createMatch",
		chainMatchID(matchID), common.HexToAddress(p1), common.HexToAddress(p2), amount)
}

func (s *EthService) CommitResult(ctx context.Context, matchID, winner string) (string, error) {
	if !common.IsHexAddress(winner) {
		return "", ErrInvalidAddress
	}
	return s.transact(ctx, "commitResult", chainMatchID(matchID), common.HexToAddress(winner))
}

func (s *EthService) transact(ctx context.Context, method string, args ...interface{}) (string, error) {
	s.mu.Lock()
	opts := *s.opts
	opts.Context = ctx
	tx, err := s.contract.Transact(&opts, method, args...)
	s.mu.Unlock()
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrChain, method, err)
	}

	receipt, err := bind.WaitMined(ctx, s.client, tx)
	if err != nil {
		return "", fmt.Errorf("%w: waiting for %s (%s): %v", ErrChain, method, tx.Hash().Hex(), err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return "", fmt.Errorf("%w: %s reverted in %s", ErrChain, method, tx.Hash().Hex())
	}
	return tx.Hash().Hex(), nil
}

// chainMatchID maps the process-level match id to the contract's bytes32
// key.
func chainMatchID(matchID string) [32]byte {
	return crypto.Keccak256Hash([]byte(matchID))
}
