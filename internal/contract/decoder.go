package contract

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/Njuhobby/0xElite/internal/model"
)

// Decode errors
var (
	ErrUnknownTopic     = errors.New("unknown event topic")
	ErrMalformedPayload = errors.New("malformed event payload")
)

// DecodeReason classifies a decode failure.
type DecodeReason string

const (
	ReasonUnknownTopic     DecodeReason = "UnknownTopic"
	ReasonMalformedPayload DecodeReason = "MalformedPayload"
)

// DecodeError is returned when a raw log cannot be turned into a domain event.
// Unknown topics are routine; malformed payloads on a known topic mean an ABI mismatch.
type DecodeError struct {
	Reason DecodeReason
	Topic  common.Hash
	Event  string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Event != "" {
		return fmt.Sprintf("decode %s (%s): %s: %v", e.Event, e.Topic.Hex(), e.Reason, e.Err)
	}
	return fmt.Sprintf("decode topic %s: %s: %v", e.Topic.Hex(), e.Reason, e.Err)
}

// Unwrap exposes both the reason sentinel and the underlying cause.
func (e *DecodeError) Unwrap() []error {
	sentinel := ErrMalformedPayload
	if e.Reason == ReasonUnknownTopic {
		sentinel = ErrUnknownTopic
	}
	if e.Err == nil {
		return []error{sentinel}
	}
	return []error{sentinel, e.Err}
}

// IsUnknownTopic reports whether err is an unknown-topic decode error.
func IsUnknownTopic(err error) bool {
	return errors.Is(err, ErrUnknownTopic)
}

// IsMalformedPayload reports whether err is a malformed-payload decode error.
func IsMalformedPayload(err error) bool {
	return errors.Is(err, ErrMalformedPayload)
}

// Decoder turns raw logs of one contract into typed domain events.
type Decoder struct {
	address common.Address
	abi     abi.ABI
	events  map[common.Hash]abi.Event
}

// NewDecoder creates a decoder for the contract at address described by abiJSON.
func NewDecoder(address common.Address, abiJSON string) (*Decoder, error) {
	parsed, err := abi.JSON(strings.NewReader(abiJSON))
	if err != nil {
		return nil, fmt.Errorf("parse abi: %w", err)
	}
	events := make(map[common.Hash]abi.Event, len(parsed.Events))
	for _, ev := range parsed.Events {
		events[ev.ID] = ev
	}
	return &Decoder{
		address: address,
		abi:     parsed,
		events:  events,
	}, nil
}

// NewEscrowVaultDecoder creates a decoder bound to an EscrowVault deployment.
func NewEscrowVaultDecoder(address common.Address) (*Decoder, error) {
	return NewDecoder(address, EscrowVaultABI)
}

// NewStakeVaultDecoder creates a decoder bound to a StakeVault deployment.
func NewStakeVaultDecoder(address common.Address) (*Decoder, error) {
	return NewDecoder(address, StakeVaultABI)
}

// Address returns the contract address the decoder is bound to.
func (d *Decoder) Address() common.Address {
	return d.address
}

// Topic returns the topic id of the named event.
func (d *Decoder) Topic(name model.EventType) (common.Hash, bool) {
	ev, ok := d.abi.Events[string(name)]
	return ev.ID, ok
}

// Decode decodes a raw log into a domain event.
func (d *Decoder) Decode(raw model.RawEvent) (model.DomainEvent, error) {
	if len(raw.Topics) == 0 {
		return nil, &DecodeError{Reason: ReasonUnknownTopic, Err: errors.New("log has no topics")}
	}
	topic := raw.Topics[0]
	if raw.Address != d.address {
		return nil, &DecodeError{Reason: ReasonUnknownTopic, Topic: topic, Err: fmt.Errorf("log emitted by %s", raw.Address.Hex())}
	}
	ev, ok := d.events[topic]
	if !ok {
		return nil, &DecodeError{Reason: ReasonUnknownTopic, Topic: topic}
	}

	values, err := d.unpack(ev, raw)
	if err != nil {
		return nil, &DecodeError{Reason: ReasonMalformedPayload, Topic: topic, Event: ev.Name, Err: err}
	}

	event, err := buildEvent(model.EventType(ev.Name), model.MetaFromRaw(raw), values)
	if err != nil {
		return nil, &DecodeError{Reason: ReasonMalformedPayload, Topic: topic, Event: ev.Name, Err: err}
	}
	return event, nil
}

func (d *Decoder) unpack(ev abi.Event, raw model.RawEvent) (map[string]interface{}, error) {
	var indexed abi.Arguments
	for _, arg := range ev.Inputs {
		if arg.Indexed {
			indexed = append(indexed, arg)
		}
	}
	if len(raw.Topics)-1 != len(indexed) {
		return nil, fmt.Errorf("expected %d indexed topics, got %d", len(indexed), len(raw.Topics)-1)
	}

	values := make(map[string]interface{}, len(ev.Inputs))
	if err := d.abi.UnpackIntoMap(values, ev.Name, raw.Data); err != nil {
		return nil, err
	}
	if err := abi.ParseTopicsIntoMap(values, indexed, raw.Topics[1:]); err != nil {
		return nil, err
	}
	return values, nil
}

func buildEvent(typ model.EventType, meta model.EventMeta, v map[string]interface{}) (model.DomainEvent, error) {
	f := fields{values: v}
	switch typ {
	case model.EventDeposited:
		e := model.DepositedEvent{
			EventMeta:         meta,
			ContractProjectID: f.bigIntArg("projectId"),
			Client:            f.addressArg("client"),
			Amount:            FromTokenUnits(f.bigIntArg("amount")),
			Timestamp:         f.uintArg("timestamp"),
		}
		return e, f.err
	case model.EventReleased:
		e := model.ReleasedEvent{
			EventMeta:         meta,
			ContractProjectID: f.bigIntArg("projectId"),
			Developer:         f.addressArg("developer"),
			Amount:            FromTokenUnits(f.bigIntArg("amount")),
			Timestamp:         f.uintArg("timestamp"),
		}
		return e, f.err
	case model.EventFeesCollected:
		e := model.FeesCollectedEvent{
			EventMeta:         meta,
			ContractProjectID: f.bigIntArg("projectId"),
			Treasury:          f.addressArg("treasury"),
			FeeAmount:         FromTokenUnits(f.bigIntArg("feeAmount")),
			Timestamp:         f.uintArg("timestamp"),
		}
		return e, f.err
	case model.EventFrozen:
		e := model.FrozenEvent{
			EventMeta:         meta,
			ContractProjectID: f.bigIntArg("projectId"),
			FrozenBy:          f.addressArg("frozenBy"),
			Timestamp:         f.uintArg("timestamp"),
		}
		return e, f.err
	case model.EventUnfrozen:
		e := model.UnfrozenEvent{
			EventMeta:         meta,
			ContractProjectID: f.bigIntArg("projectId"),
			Timestamp:         f.uintArg("timestamp"),
		}
		return e, f.err
	case model.EventDisputeResolved:
		e := model.DisputeResolvedEvent{
			EventMeta:         meta,
			ContractProjectID: f.bigIntArg("projectId"),
			ClientShare:       FromTokenUnits(f.bigIntArg("clientShare")),
			DeveloperShare:    FromTokenUnits(f.bigIntArg("developerShare")),
			Timestamp:         f.uintArg("timestamp"),
		}
		return e, f.err
	case model.EventStaked:
		e := model.StakedEvent{
			EventMeta: meta,
			Developer: f.addressArg("developer"),
			Amount:    FromTokenUnits(f.bigIntArg("amount")),
		}
		return e, f.err
	case model.EventUnstaked:
		e := model.UnstakedEvent{
			EventMeta: meta,
			Developer: f.addressArg("developer"),
			Amount:    FromTokenUnits(f.bigIntArg("amount")),
		}
		return e, f.err
	}
	return nil, fmt.Errorf("no domain mapping for event %s", typ)
}

// fields reads typed values out of an unpacked map, keeping the first error.
type fields struct {
	values map[string]interface{}
	err    error
}

func (f *fields) bigIntArg(name string) *big.Int {
	v, ok := f.values[name].(*big.Int)
	if !ok {
		f.fail(name)
		return new(big.Int)
	}
	return v
}

func (f *fields) addressArg(name string) common.Address {
	v, ok := f.values[name].(common.Address)
	if !ok {
		f.fail(name)
	}
	return v
}

func (f *fields) uintArg(name string) uint64 {
	v := f.bigIntArg(name)
	if !v.IsUint64() {
		f.fail(name)
		return 0
	}
	return v.Uint64()
}

func (f *fields) fail(name string) {
	if f.err == nil {
		f.err = fmt.Errorf("field %s missing or mistyped", name)
	}
}
