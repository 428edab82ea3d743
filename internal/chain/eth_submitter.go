package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"relieffund/internal/contracts"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

var ErrReverted = errors.New("transaction reverted")

// EthSubmitter sends transactions to the relief fund contract.
type EthSubmitter struct {
	client       *ethclient.Client
	contract     *bind.BoundContract
	address      common.Address
	chainID      *big.Int
	transacts    *bind.TransactOpts
	pollInterval time.Duration
}

type EthSubmitterConfig struct {
	RPCURL          string
	PrivateKeyHex   string
	ContractAddress string
	// SenderAddress, when set, must match the address derived from the key.
	SenderAddress string
	PollInterval  time.Duration
}

func NewEthSubmitter(ctx context.Context, cfg EthSubmitterConfig) (*EthSubmitter, error) {
	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("rpc url is required")
	}
	if !common.IsHexAddress(cfg.ContractAddress) {
		return nil, fmt.Errorf("relief fund contract address is required")
	}
	if cfg.PrivateKeyHex == "" {
		return nil, fmt.Errorf("private key is required for submitting transactions")
	}

	pk, err := parsePrivateKey(cfg.PrivateKeyHex)
	if err != nil {
		return nil, err
	}
	from := crypto.PubkeyToAddress(pk.PublicKey)
	if cfg.SenderAddress != "" && common.HexToAddress(cfg.SenderAddress) != from {
		return nil, fmt.Errorf("sender address %s does not match private key address %s", cfg.SenderAddress, from.Hex())
	}

	cli, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}

	parsedABI, err := abi.JSON(strings.NewReader(contracts.ReliefFundABI))
	if err != nil {
		cli.Close()
		return nil, fmt.Errorf("parse abi: %w", err)
	}

	address := common.HexToAddress(cfg.ContractAddress)
	bound := bind.NewBoundContract(address, parsedABI, cli, cli, cli)

	chainID, err := cli.ChainID(ctx)
	if err != nil {
		cli.Close()
		return nil, fmt.Errorf("fetch chain id: %w", err)
	}

	txOpts, err := bind.NewKeyedTransactorWithChainID(pk, chainID)
	if err != nil {
		cli.Close()
		return nil, fmt.Errorf("transactor: %w", err)
	}

	poll := cfg.PollInterval
	if poll <= 0 {
		poll = 2 * time.Second
	}

	return &EthSubmitter{
		client:       cli,
		contract:     bound,
		address:      address,
		chainID:      chainID,
		transacts:    txOpts,
		pollInterval: poll,
	}, nil
}

func parsePrivateKey(hexKey string) (*ecdsa.PrivateKey, error) {
	hexKey = strings.TrimPrefix(hexKey, "0x")
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return key, nil
}

// Sender is the address transactions are sent from.
func (s *EthSubmitter) Sender() string {
	return s.transacts.From.Hex()
}

func (s *EthSubmitter) ChainID() *big.Int {
	return new(big.Int).Set(s.chainID)
}

func (s *EthSubmitter) Submit(ctx context.Context, call Call) <-chan Event {
	events := make(chan Event, 3)
	go s.run(ctx, call, events)
	return events
}

func (s *EthSubmitter) run(ctx context.Context, call Call, events chan<- Event) {
	defer close(events)

	opts := *s.transacts
	opts.Context = ctx
	opts.Value = call.Value
	opts.GasLimit = call.GasLimit
	opts.GasPrice = call.GasPrice

	tx, err := s.contract.Transact(&opts, call.Method, call.Args...)
	if err != nil {
		events <- Event{Kind: EventFailed, Err: fmt.Errorf("send %s tx: %w", call.Method, err)}
		return
	}
	hash := tx.Hash()
	events <- Event{Kind: EventSubmitted, Hash: hash.Hex()}

	mined, err := WaitForReceipt(ctx, s.client, hash, s.pollInterval)
	if err != nil {
		events <- Event{Kind: EventFailed, Hash: hash.Hex(), Err: fmt.Errorf("wait for %s receipt: %w", hash.Hex(), err)}
		return
	}

	receipt := toReceipt(mined, opts.From, s.address)
	if mined.Status != types.ReceiptStatusSuccessful {
		events <- Event{Kind: EventFailed, Hash: hash.Hex(), Receipt: receipt, Err: ErrReverted}
		return
	}
	events <- Event{Kind: EventConfirmed, Hash: hash.Hex(), Receipt: receipt}
}

func (s *EthSubmitter) Ping(ctx context.Context) error {
	if s.client == nil {
		return fmt.Errorf("rpc client not configured")
	}
	_, err := s.client.BlockNumber(ctx)
	return err
}

func (s *EthSubmitter) Close() {
	if s.client != nil {
		s.client.Close()
	}
}

type receiptReader interface {
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// WaitForReceipt polls until the transaction is mined or ctx is done.
func WaitForReceipt(ctx context.Context, client receiptReader, hash common.Hash, every time.Duration) (*types.Receipt, error) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		receipt, err := client.TransactionReceipt(ctx, hash)
		if receipt != nil {
			return receipt, nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func toReceipt(r *types.Receipt, from, to common.Address) *Receipt {
	out := &Receipt{
		TxHash:    r.TxHash.Hex(),
		BlockHash: r.BlockHash.Hex(),
		GasUsed:   r.GasUsed,
		From:      from.Hex(),
		To:        to.Hex(),
		Status:    r.Status,
	}
	if r.BlockNumber != nil {
		out.BlockNumber = r.BlockNumber.Uint64()
	}
	return out
}
