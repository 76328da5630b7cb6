package ledger

import (
	"context"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"golang.org/x/time/rate"

	"github.com/forkmeter/forkrisk/internal/contracts"
	"github.com/forkmeter/forkrisk/internal/logger"
	"github.com/forkmeter/forkrisk/internal/models"
)

// eventNames maps each kind to its event on the dispute registry.
var eventNames = map[models.EventKind]string{
	models.KindCreated:      "DisputeCrowdsourcerCreated",
	models.KindContribution: "DisputeCrowdsourcerContribution",
	models.KindCompleted:    "DisputeCrowdsourcerCompleted",
}

const marketABIJSON = `[{"constant":true,"inputs":[],"name":"isFinalized","outputs":[{"name":"","type":"bool"}],"stateMutability":"view","type":"function"}]`

// backend is the subset of *ethclient.Client the adapter uses.
type backend interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	Close()
}

// EthLedger implements Ledger over an Ethereum JSON-RPC endpoint.
type EthLedger struct {
	client      backend
	universe    contracts.Contract
	registry    contracts.Contract
	marketABI   abi.ABI
	callTimeout time.Duration
	limiter     *rate.Limiter
}

// NewEthDialer returns a Dialer that opens EthLedgers bound to set. Each connection issues
// at most requestsPerSecond calls per second; zero means unlimited.
func NewEthDialer(set contracts.Set, callTimeout time.Duration, requestsPerSecond float64) Dialer {
	return func(ctx context.Context, endpoint string) (Ledger, error) {
		client, err := ethclient.DialContext(ctx, endpoint)
		if err != nil {
			return nil, err
		}
		l, err := newEthLedger(client, set, callTimeout)
		if err != nil {
			client.Close()
			return nil, err
		}
		l.limiter = newLimiter(requestsPerSecond)
		return l, nil
	}
}

func newEthLedger(client backend, set contracts.Set, callTimeout time.Duration) (*EthLedger, error) {
	universe, ok := set[contracts.RoleUniverse]
	if !ok {
		return nil, fmt.Errorf("contracts: missing %s", contracts.RoleUniverse)
	}
	registry, ok := set[contracts.RoleDisputeRegistry]
	if !ok {
		return nil, fmt.Errorf("contracts: missing %s", contracts.RoleDisputeRegistry)
	}
	for kind, name := range eventNames {
		if _, ok := registry.ABI.Events[name]; !ok {
			return nil, fmt.Errorf("contracts: %s abi has no %s event (%s)", contracts.RoleDisputeRegistry, name, kind)
		}
	}
	marketABI, err := abi.JSON(strings.NewReader(marketABIJSON))
	if err != nil {
		return nil, err
	}
	return &EthLedger{
		client:      client,
		universe:    universe,
		registry:    registry,
		marketABI:   marketABI,
		callTimeout: callTimeout,
		limiter:     newLimiter(0),
	}, nil
}

func newLimiter(requestsPerSecond float64) *rate.Limiter {
	if requestsPerSecond <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Limit(requestsPerSecond), 1)
}

// begin waits for a request slot and bounds the call by the call timeout. The wait does
// not count against the timeout.
func (l *EthLedger) begin(ctx context.Context) (context.Context, context.CancelFunc, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		return nil, nil, err
	}
	if l.callTimeout <= 0 {
		ctx, cancel := context.WithCancel(ctx)
		return ctx, cancel, nil
	}
	ctx, cancel := context.WithTimeout(ctx, l.callTimeout)
	return ctx, cancel, nil
}

func (l *EthLedger) CurrentHeight(ctx context.Context) (uint64, error) {
	ctx, cancel, err := l.begin(ctx)
	if err != nil {
		return 0, err
	}
	defer cancel()
	return l.client.BlockNumber(ctx)
}

func (l *EthLedger) QueryEvents(ctx context.Context, kind models.EventKind, from, to uint64) ([]models.Event, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("unknown event kind %q", kind)
	}
	ev := l.registry.ABI.Events[eventNames[kind]]

	ctx, cancel, err := l.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()
	logs, err := l.client.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []common.Address{l.registry.Address},
		Topics:    [][]common.Hash{{ev.ID}},
	})
	if err != nil {
		return nil, err
	}

	events := make([]models.Event, 0, len(logs))
	for i := range logs {
		log := &logs[i]
		if log.Removed {
			continue
		}
		args, err := decodeLog(l.registry.ABI, ev, log)
		if err != nil {
			logger.Warn("Skipping undecodable %s log in tx %s: %v", ev.Name, log.TxHash.Hex(), err)
			continue
		}
		e, err := models.NewEvent(kind, log.BlockNumber, log.TxHash.Hex(), log.Index, args)
		if err != nil {
			logger.Warn("Skipping malformed %s log in tx %s: %v", ev.Name, log.TxHash.Hex(), err)
			continue
		}
		events = append(events, e)
	}
	return events, nil
}

func (l *EthLedger) IsForking(ctx context.Context) (bool, error) {
	return l.callBool(ctx, l.universe.ABI, l.universe.Address, "isForking")
}

func (l *EthLedger) IsMarketFinalized(ctx context.Context, market string) (bool, error) {
	if !common.IsHexAddress(market) {
		return false, fmt.Errorf("invalid market address %q", market)
	}
	return l.callBool(ctx, l.marketABI, common.HexToAddress(market), "isFinalized")
}

func (l *EthLedger) Close() {
	l.client.Close()
}

func (l *EthLedger) callBool(ctx context.Context, contract abi.ABI, to common.Address, method string) (bool, error) {
	data, err := contract.Pack(method)
	if err != nil {
		return false, fmt.Errorf("pack %s: %w", method, err)
	}
	ctx, cancel, err := l.begin(ctx)
	if err != nil {
		return false, err
	}
	defer cancel()
	out, err := l.client.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return false, fmt.Errorf("call %s: %w", method, err)
	}
	values, err := contract.Unpack(method, out)
	if err != nil {
		return false, fmt.Errorf("unpack %s: %w", method, err)
	}
	if len(values) != 1 {
		return false, fmt.Errorf("%s returned %d values", method, len(values))
	}
	b, ok := values[0].(bool)
	if !ok {
		return false, fmt.Errorf("%s returned %T, want bool", method, values[0])
	}
	return b, nil
}

// decodeLog returns the event's arguments, indexed and non-indexed, in declaration order.
func decodeLog(contract abi.ABI, ev abi.Event, log *types.Log) ([]string, error) {
	values := make(map[string]interface{}, len(ev.Inputs))
	if len(log.Data) > 0 {
		if err := contract.UnpackIntoMap(values, ev.Name, log.Data); err != nil {
			return nil, fmt.Errorf("unpack data: %w", err)
		}
	}

	var indexed abi.Arguments
	for _, in := range ev.Inputs {
		if in.Indexed {
			indexed = append(indexed, in)
		}
	}
	if len(log.Topics) != len(indexed)+1 {
		return nil, fmt.Errorf("log has %d topics, want %d", len(log.Topics), len(indexed)+1)
	}
	if err := abi.ParseTopicsIntoMap(values, indexed, log.Topics[1:]); err != nil {
		return nil, fmt.Errorf("parse topics: %w", err)
	}

	args := make([]string, len(ev.Inputs))
	for i, in := range ev.Inputs {
		args[i] = formatArg(values[in.Name])
	}
	return args, nil
}

func formatArg(v interface{}) string {
	switch x := v.(type) {
	case common.Address:
		return x.Hex()
	case *big.Int:
		return x.String()
	case bool:
		return strconv.FormatBool(x)
	case string:
		return x
	case []*big.Int:
		parts := make([]string, len(x))
		for i, n := range x {
			parts[i] = n.String()
		}
		return "[" + strings.Join(parts, " ") + "]"
	default:
		return fmt.Sprint(x)
	}
}
