// Package emitter decodes GMX EventEmitter EventLog1 records.
//
// Every event the emitter contract publishes shares a single log signature;
// the payload is a generic bag of typed key/value groups plus the event name.
// This package loads the event ABI from an artifact on disk, verifies it
// against the known signature, unpacks raw logs into typed Go structures and
// flattens the key/value groups into a single document for storage.
package emitter

import (
	"bytes"
	"fmt"
	"math/big"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
)

// Signature is keccak256 of the canonical EventLog1 signature. It is both
// the topic the indexer filters logs by and the checksum the loaded ABI
// artifact must hash to.
const Signature = "0x137a44067c8961cd7e1d876f4754a5a3a75989b4552f1843fc69c3b372def160"

const eventLogName = "EventLog1"

// ————————————————————————————————————————————————————————————————————————
// Payload structures
// ————————————————————————————————————————————————————————————————————————
// These mirror the EventUtils structs of the emitter contract. Field order
// matters: nested tuples are copied positionally during unpacking.

// AddressKeyValue is one named address in the payload.
type AddressKeyValue struct {
	Key   string
	Value common.Address
}

// AddressArrayKeyValue is one named address list in the payload.
type AddressArrayKeyValue struct {
	Key   string
	Value []common.Address
}

// UintKeyValue is one named uint256 in the payload.
type UintKeyValue struct {
	Key   string
	Value *big.Int
}

// UintArrayKeyValue is one named uint256 list in the payload.
type UintArrayKeyValue struct {
	Key   string
	Value []*big.Int
}

// IntKeyValue is one named int256 in the payload.
type IntKeyValue struct {
	Key   string
	Value *big.Int
}

// IntArrayKeyValue is one named int256 list in the payload.
type IntArrayKeyValue struct {
	Key   string
	Value []*big.Int
}

// BoolKeyValue is one named bool in the payload.
type BoolKeyValue struct {
	Key   string
	Value bool
}

// BoolArrayKeyValue is one named bool list in the payload.
type BoolArrayKeyValue struct {
	Key   string
	Value []bool
}

// Bytes32KeyValue is one named bytes32 in the payload.
type Bytes32KeyValue struct {
	Key   string
	Value [32]byte
}

// Bytes32ArrayKeyValue is one named bytes32 list in the payload.
type Bytes32ArrayKeyValue struct {
	Key   string
	Value [][32]byte
}

// BytesKeyValue is one named byte blob in the payload.
type BytesKeyValue struct {
	Key   string
	Value []byte
}

// BytesArrayKeyValue is one named byte blob list in the payload.
type BytesArrayKeyValue struct {
	Key   string
	Value [][]byte
}

// StringKeyValue is one named string in the payload.
type StringKeyValue struct {
	Key   string
	Value string
}

// StringArrayKeyValue is one named string list in the payload.
type StringArrayKeyValue struct {
	Key   string
	Value []string
}

// AddressItems groups the address-typed entries of a payload.
type AddressItems struct {
	Items      []AddressKeyValue
	ArrayItems []AddressArrayKeyValue
}

// UintItems groups the uint256-typed entries of a payload.
type UintItems struct {
	Items      []UintKeyValue
	ArrayItems []UintArrayKeyValue
}

// IntItems groups the int256-typed entries of a payload.
type IntItems struct {
	Items      []IntKeyValue
	ArrayItems []IntArrayKeyValue
}

// BoolItems groups the bool-typed entries of a payload.
type BoolItems struct {
	Items      []BoolKeyValue
	ArrayItems []BoolArrayKeyValue
}

// Bytes32Items groups the bytes32-typed entries of a payload.
type Bytes32Items struct {
	Items      []Bytes32KeyValue
	ArrayItems []Bytes32ArrayKeyValue
}

// BytesItems groups the bytes-typed entries of a payload.
type BytesItems struct {
	Items      []BytesKeyValue
	ArrayItems []BytesArrayKeyValue
}

// StringItems groups the string-typed entries of a payload.
type StringItems struct {
	Items      []StringKeyValue
	ArrayItems []StringArrayKeyValue
}

// EventLogData is the full typed payload of one EventLog1 record, seven
// key/value groups in the contract's declaration order.
type EventLogData struct {
	AddressItems AddressItems
	UintItems    UintItems
	IntItems     IntItems
	BoolItems    BoolItems
	Bytes32Items Bytes32Items
	BytesItems   BytesItems
	StringItems  StringItems
}

// Event is one decoded EventLog1 emission.
type Event struct {
	BlockNumber uint64
	TxHash      string // 0x-prefixed transaction hash
	MsgSender   common.Address
	Name        string // e.g. "PositionIncrease"
	Topic1      string // second indexed parameter, 0x-prefixed; empty when the log has no third topic
	Data        EventLogData
}

// ————————————————————————————————————————————————————————————————————————
// Decoder
// ————————————————————————————————————————————————————————————————————————

// Decoder unpacks raw EventEmitter logs using the ABI loaded from disk.
type Decoder struct {
	abi   abi.ABI
	event abi.Event
}

// LoadDecoder reads the EventLog1 artifact at path and builds a Decoder.
// The artifact may be a single event object or a full contract ABI array.
// Loading fails when the file is missing, malformed, lacks the EventLog1
// event, or parses to an event whose topic hash differs from Signature.
func LoadDecoder(path string) (*Decoder, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read abi artifact: %w", err)
	}
	doc := bytes.TrimSpace(raw)
	if len(doc) > 0 && doc[0] == '{' {
		wrapped := make([]byte, 0, len(doc)+2)
		wrapped = append(wrapped, '[')
		wrapped = append(wrapped, doc...)
		wrapped = append(wrapped, ']')
		doc = wrapped
	}
	parsed, err := abi.JSON(bytes.NewReader(doc))
	if err != nil {
		return nil, fmt.Errorf("parse abi artifact %s: %w", path, err)
	}
	event, ok := parsed.Events[eventLogName]
	if !ok {
		return nil, fmt.Errorf("abi artifact %s does not define %s", path, eventLogName)
	}
	if event.ID != common.HexToHash(Signature) {
		return nil, fmt.Errorf("abi artifact %s hashes to %s, want %s", path, event.ID, Signature)
	}
	return &Decoder{abi: parsed, event: event}, nil
}

// Decode unpacks one raw log into an Event. The log is assumed to have been
// fetched with the Signature topic filter; decoding an unrelated log returns
// an error from the ABI layer.
func (d *Decoder) Decode(lg ethtypes.Log) (*Event, error) {
	var payload struct {
		MsgSender common.Address
		EventName string
		EventData EventLogData
	}
	if err := d.abi.UnpackIntoInterface(&payload, eventLogName, lg.Data); err != nil {
		return nil, fmt.Errorf("unpack %s at tx %s: %w", eventLogName, lg.TxHash.Hex(), err)
	}
	ev := &Event{
		BlockNumber: lg.BlockNumber,
		TxHash:      lg.TxHash.Hex(),
		MsgSender:   payload.MsgSender,
		Name:        payload.EventName,
		Data:        payload.EventData,
	}
	// topics[0] is the signature, topics[1] the event name hash. The
	// market-scoped topic1 parameter sits third when present.
	if len(lg.Topics) > 2 {
		ev.Topic1 = lg.Topics[2].Hex()
	}
	return ev, nil
}

// ————————————————————————————————————————————————————————————————————————
// Flattening
// ————————————————————————————————————————————————————————————————————————

// Flatten merges the seven key/value groups of a payload into one document,
// in group order, so a later group wins a key collision. Addresses become
// lowercase hex strings, byte blobs 0x-prefixed hex, booleans stay booleans
// and numeric values stay *big.Int for the normalizer to scale. Empty
// strings and empty arrays are dropped.
func Flatten(d EventLogData) map[string]any {
	flat := make(map[string]any)

	for _, kv := range d.AddressItems.Items {
		flat[kv.Key] = strings.ToLower(kv.Value.Hex())
	}
	for _, kv := range d.AddressItems.ArrayItems {
		if len(kv.Value) == 0 {
			continue
		}
		vals := make([]any, 0, len(kv.Value))
		for _, v := range kv.Value {
			vals = append(vals, strings.ToLower(v.Hex()))
		}
		flat[kv.Key] = vals
	}

	for _, kv := range d.UintItems.Items {
		flat[kv.Key] = kv.Value
	}
	for _, kv := range d.UintItems.ArrayItems {
		if len(kv.Value) == 0 {
			continue
		}
		vals := make([]any, 0, len(kv.Value))
		for _, v := range kv.Value {
			vals = append(vals, v)
		}
		flat[kv.Key] = vals
	}

	for _, kv := range d.IntItems.Items {
		flat[kv.Key] = kv.Value
	}
	for _, kv := range d.IntItems.ArrayItems {
		if len(kv.Value) == 0 {
			continue
		}
		vals := make([]any, 0, len(kv.Value))
		for _, v := range kv.Value {
			vals = append(vals, v)
		}
		flat[kv.Key] = vals
	}

	for _, kv := range d.BoolItems.Items {
		flat[kv.Key] = kv.Value
	}
	for _, kv := range d.BoolItems.ArrayItems {
		if len(kv.Value) == 0 {
			continue
		}
		vals := make([]any, 0, len(kv.Value))
		for _, v := range kv.Value {
			vals = append(vals, v)
		}
		flat[kv.Key] = vals
	}

	for _, kv := range d.Bytes32Items.Items {
		flat[kv.Key] = hexutil.Encode(kv.Value[:])
	}
	for _, kv := range d.Bytes32Items.ArrayItems {
		if len(kv.Value) == 0 {
			continue
		}
		vals := make([]any, 0, len(kv.Value))
		for _, v := range kv.Value {
			vals = append(vals, hexutil.Encode(v[:]))
		}
		flat[kv.Key] = vals
	}

	for _, kv := range d.BytesItems.Items {
		flat[kv.Key] = hexutil.Encode(kv.Value)
	}
	for _, kv := range d.BytesItems.ArrayItems {
		if len(kv.Value) == 0 {
			continue
		}
		vals := make([]any, 0, len(kv.Value))
		for _, v := range kv.Value {
			vals = append(vals, hexutil.Encode(v))
		}
		flat[kv.Key] = vals
	}

	for _, kv := range d.StringItems.Items {
		if kv.Value == "" {
			continue
		}
		flat[kv.Key] = kv.Value
	}
	for _, kv := range d.StringItems.ArrayItems {
		if len(kv.Value) == 0 {
			continue
		}
		vals := make([]any, 0, len(kv.Value))
		for _, v := range kv.Value {
			vals = append(vals, v)
		}
		flat[kv.Key] = vals
	}

	return flat
}
