package indexer

import (
	"encoding/base64"
	"fmt"
	"regexp"
	"strings"

	"github.com/gagliardetto/solana-go"

	"OpenProof-Chain/internal/evm"
	"OpenProof-Chain/internal/ledger"
	"OpenProof-Chain/internal/program/anchor"
	"OpenProof-Chain/internal/program/kvlogger"
)

const (
	VariantSingle  = "single"
	VariantSwapped = "swapped"
	VariantTagged  = "tagged"
)

var (
	invokePattern = regexp.MustCompile(`^Program (\S+) invoke \[(\d+)\]$`)
	exitPattern   = regexp.MustCompile(`^Program (\S+) (success|failed: .*)$`)
)

const (
	logPrefix  = "Program log: "
	dataPrefix = "Program data: "
)

// Observation is one key/value entry found in a receipt, together with the
// binary representations emitted next to it.
type Observation struct {
	InstructionIndex int
	LogIndex         int
	Variant          string
	Key              string
	Value            string
	Nonce            uint64
	Record           *kvlogger.KeyValueLog
	Event            *kvlogger.KeyValueEvent
}

// Consistent reports whether the text line, the record and the event agree.
func (o Observation) Consistent() bool {
	return o.Mismatch() == ""
}

// Mismatch describes every disagreement between the three representations.
func (o Observation) Mismatch() string {
	var problems []string
	if o.Record == nil {
		problems = append(problems, "missing record")
	} else if o.Record.Key != o.Key || o.Record.Value != o.Value || o.Record.Nonce != o.Nonce {
		problems = append(problems, fmt.Sprintf("record=%s/%s/%d", o.Record.Key, o.Record.Value, o.Record.Nonce))
	}
	if o.Event == nil {
		problems = append(problems, "missing event")
	} else if o.Event.Key != o.Key || o.Event.Value != o.Value || o.Event.Nonce != o.Nonce {
		problems = append(problems, fmt.Sprintf("event=%s/%s/%d", o.Event.Key, o.Event.Value, o.Event.Nonce))
	}
	return strings.Join(problems, "; ")
}

// Extract scans the logs of receipt for entries written by programID.
func Extract(receipt *ledger.Receipt, programID solana.PublicKey) []Observation {
	target := programID.String()
	var (
		out         []Observation
		stack       []string
		instruction = -1
		inLogCall   bool
		current     *Observation
	)
	flush := func() {
		if current != nil {
			out = append(out, *current)
			current = nil
		}
	}

	for i, line := range receipt.Logs {
		if m := invokePattern.FindStringSubmatch(line); m != nil {
			if m[2] == "1" {
				instruction++
			}
			stack = append(stack, m[1])
			continue
		}
		if m := exitPattern.FindStringSubmatch(line); m != nil {
			if len(stack) > 0 {
				if stack[len(stack)-1] == target {
					flush()
					inLogCall = false
				}
				stack = stack[:len(stack)-1]
			}
			continue
		}
		if len(stack) == 0 || stack[len(stack)-1] != target {
			continue
		}

		switch {
		case strings.HasPrefix(line, logPrefix):
			text := strings.TrimPrefix(line, logPrefix)
			if strings.HasPrefix(text, "Instruction: ") {
				name := strings.TrimPrefix(text, "Instruction: ")
				inLogCall = name == "LogKeyValue" || name == "SwapAndLog"
				continue
			}
			if !inLogCall {
				continue
			}
			kv, ok := evm.ParseKeyValue(text)
			if !ok {
				continue
			}
			flush()
			current = &Observation{
				InstructionIndex: instruction,
				LogIndex:         i,
				Variant:          variantOf(text),
				Key:              kv.Key,
				Value:            kv.Value,
				Nonce:            kv.Nonce,
			}
		case strings.HasPrefix(line, dataPrefix) && current != nil:
			attach(current, strings.TrimPrefix(line, dataPrefix))
		}
	}
	flush()
	return out
}

func variantOf(text string) string {
	switch {
	case strings.HasPrefix(text, "Swapped - "):
		return VariantSwapped
	case strings.HasPrefix(text, "Prove: "):
		return VariantTagged
	default:
		return VariantSingle
	}
}

func attach(obs *Observation, fields string) {
	for _, field := range strings.Fields(fields) {
		raw, err := base64.StdEncoding.DecodeString(field)
		if err != nil {
			continue
		}
		if obs.Event == nil {
			var event kvlogger.KeyValueEvent
			name := kvlogger.EventKeyValue
			if obs.Variant == VariantSwapped {
				name = kvlogger.EventKeyValueSwapped
			}
			if matched, err := anchor.DecodeEvent(name, raw, &event); matched {
				if err == nil {
					obs.Event = &event
				}
				continue
			}
		}
		if obs.Record == nil {
			if record, err := kvlogger.DecodeRecord(raw); err == nil {
				obs.Record = &record
			}
		}
	}
}
