// Package contract provides ABI bindings and event decoding for the 0xElite vault contracts.
package contract

import (
	"errors"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// USDCDecimals is the number of decimals of the settlement token.
const USDCDecimals = 6

// Call packing errors
var (
	ErrInvalidProjectID = errors.New("invalid contract project id")
	ErrInvalidAmount    = errors.New("amount must be positive")
	ErrInvalidRecipient = errors.New("invalid recipient address")
)

// EscrowVaultABI is the ABI of the EscrowVault contract.
//
//	function release(uint256 projectId, address developer, uint256 amount) external;
//	function releaseFee(uint256 projectId, uint256 feeAmount) external;
//	event Deposited(uint256 indexed projectId, address indexed client, uint256 amount, uint256 timestamp);
//	event Released(uint256 indexed projectId, address indexed developer, uint256 amount, uint256 timestamp);
//	event FeesCollected(uint256 indexed projectId, address indexed treasury, uint256 feeAmount, uint256 timestamp);
//	event Frozen(uint256 indexed projectId, address indexed frozenBy, uint256 timestamp);
//	event Unfrozen(uint256 indexed projectId, uint256 timestamp);
//	event DisputeResolved(uint256 indexed projectId, uint256 clientShare, uint256 developerShare, uint256 timestamp);
const EscrowVaultABI = `[
	{
		"type": "function",
		"name": "release",
		"inputs": [
			{"name": "projectId", "type": "uint256"},
			{"name": "developer", "type": "address"},
			{"name": "amount", "type": "uint256"}
		],
		"outputs": [],
		"stateMutability": "nonpayable"
	},
	{
		"type": "function",
		"name": "releaseFee",
		"inputs": [
			{"name": "projectId", "type": "uint256"},
			{"name": "feeAmount", "type": "uint256"}
		],
		"outputs": [],
		"stateMutability": "nonpayable"
	},
	{
		"type": "event",
		"name": "Deposited",
		"inputs": [
			{"name": "projectId", "type": "uint256", "indexed": true},
			{"name": "client", "type": "address", "indexed": true},
			{"name": "amount", "type": "uint256", "indexed": false},
			{"name": "timestamp", "type": "uint256", "indexed": false}
		]
	},
	{
		"type": "event",
		"name": "Released",
		"inputs": [
			{"name": "projectId", "type": "uint256", "indexed": true},
			{"name": "developer", "type": "address", "indexed": true},
			{"name": "amount", "type": "uint256", "indexed": false},
			{"name": "timestamp", "type": "uint256", "indexed": false}
		]
	},
	{
		"type": "event",
		"name": "FeesCollected",
		"inputs": [
			{"name": "projectId", "type": "uint256", "indexed": true},
			{"name": "treasury", "type": "address", "indexed": true},
			{"name": "feeAmount", "type": "uint256", "indexed": false},
			{"name": "timestamp", "type": "uint256", "indexed": false}
		]
	},
	{
		"type": "event",
		"name": "Frozen",
		"inputs": [
			{"name": "projectId", "type": "uint256", "indexed": true},
			{"name": "frozenBy", "type": "address", "indexed": true},
			{"name": "timestamp", "type": "uint256", "indexed": false}
		]
	},
	{
		"type": "event",
		"name": "Unfrozen",
		"inputs": [
			{"name": "projectId", "type": "uint256", "indexed": true},
			{"name": "timestamp", "type": "uint256", "indexed": false}
		]
	},
	{
		"type": "event",
		"name": "DisputeResolved",
		"inputs": [
			{"name": "projectId", "type": "uint256", "indexed": true},
			{"name": "clientShare", "type": "uint256", "indexed": false},
			{"name": "developerShare", "type": "uint256", "indexed": false},
			{"name": "timestamp", "type": "uint256", "indexed": false}
		]
	}
]`

// EscrowVaultContract packs calls to the EscrowVault contract.
type EscrowVaultContract struct {
	address common.Address
	abi     abi.ABI
}

// NewEscrowVaultContract creates a new EscrowVault binding.
func NewEscrowVaultContract(address common.Address) (*EscrowVaultContract, error) {
	parsed, err := abi.JSON(strings.NewReader(EscrowVaultABI))
	if err != nil {
		return nil, err
	}
	return &EscrowVaultContract{
		address: address,
		abi:     parsed,
	}, nil
}

// Address returns the contract address.
func (c *EscrowVaultContract) Address() common.Address {
	return c.address
}

// ABI returns the contract ABI.
func (c *EscrowVaultContract) ABI() abi.ABI {
	return c.abi
}

// PackRelease packs the release function call data.
func (c *EscrowVaultContract) PackRelease(projectID *big.Int, developer common.Address, amount decimal.Decimal) ([]byte, error) {
	if projectID == nil || projectID.Sign() < 0 {
		return nil, ErrInvalidProjectID
	}
	if developer == (common.Address{}) {
		return nil, ErrInvalidRecipient
	}
	units, err := ToTokenUnits(amount)
	if err != nil {
		return nil, err
	}
	return c.abi.Pack("release", projectID, developer, units)
}

// PackReleaseFee packs the releaseFee function call data.
func (c *EscrowVaultContract) PackReleaseFee(projectID *big.Int, fee decimal.Decimal) ([]byte, error) {
	if projectID == nil || projectID.Sign() < 0 {
		return nil, ErrInvalidProjectID
	}
	units, err := ToTokenUnits(fee)
	if err != nil {
		return nil, err
	}
	return c.abi.Pack("releaseFee", projectID, units)
}

// ToTokenUnits converts a USDC amount into integer token units.
func ToTokenUnits(amount decimal.Decimal) (*big.Int, error) {
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	scaled := amount.Shift(USDCDecimals)
	if !scaled.Equal(scaled.Truncate(0)) {
		return nil, ErrInvalidAmount
	}
	return scaled.BigInt(), nil
}

// FromTokenUnits converts integer token units into a USDC amount.
func FromTokenUnits(units *big.Int) decimal.Decimal {
	if units == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(units, -USDCDecimals)
}
