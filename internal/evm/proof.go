package evm

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"

	xerrors "OpenProof-Chain/internal/errors"
)

var (
	base64Pattern   = regexp.MustCompile(`^[A-Za-z0-9+/=]+$`)
	keyValuePattern = regexp.MustCompile(`Key: (.+), Value: (.+), Nonce: (\d+)`)
)

// ParseProof turns user supplied proof text into bytes. Accepted forms, tried
// in order: well-formed 0x hex, base64, a JSON byte array, a JSON "0x" string,
// any other JSON value (its canonical encoding), and finally the raw text.
func ParseProof(input string) ([]byte, error) {
	data := strings.TrimSpace(input)
	if data == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "proof is empty")
	}
	// 0x hex is also valid base64 alphabet
	if strings.HasPrefix(data, "0x") {
		if raw, err := hexutil.Decode(data); err == nil {
			return raw, nil
		}
	}
	if base64Pattern.MatchString(data) {
		return decodeBase64(data)
	}

	var parsed any
	if err := json.Unmarshal([]byte(data), &parsed); err == nil {
		switch v := parsed.(type) {
		case []any:
			return bytesFromJSON(v)
		case string:
			if strings.HasPrefix(v, "0x") {
				return decodeHex(v)
			}
		}
		canonical, err := json.Marshal(parsed)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "encode proof json")
		}
		return canonical, nil
	}

	if strings.HasPrefix(data, "0x") {
		return decodeHex(data)
	}
	return []byte(data), nil
}

func decodeBase64(data string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(data)
	if err == nil {
		return raw, nil
	}
	if raw, rawErr := base64.RawStdEncoding.DecodeString(strings.TrimRight(data, "=")); rawErr == nil {
		return raw, nil
	}
	return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "decode base64 proof")
}

func decodeHex(data string) ([]byte, error) {
	raw, err := hexutil.Decode(data)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "decode hex proof")
	}
	return raw, nil
}

func bytesFromJSON(values []any) ([]byte, error) {
	out := make([]byte, len(values))
	for i, v := range values {
		n, ok := v.(float64)
		if !ok || n < 0 || n > 255 || n != float64(int(n)) {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("proof byte %d is not in 0..255: %v", i, v))
		}
		out[i] = byte(n)
	}
	return out, nil
}

// KeyValue is one "Key: k, Value: v, Nonce: n" record found in a log line.
type KeyValue struct {
	Key      string `json:"key"`
	Value    string `json:"value"`
	Nonce    uint64 `json:"nonce"`
	LogIndex int    `json:"log_index"`
}

// ExtractKeyValues returns every key/value record in logs, in log order.
func ExtractKeyValues(logs []string) []KeyValue {
	var out []KeyValue
	for i, line := range logs {
		if kv, ok := ParseKeyValue(line); ok {
			kv.LogIndex = i
			out = append(out, kv)
		}
	}
	return out
}

// ParseKeyValue matches a single log line.
func ParseKeyValue(line string) (KeyValue, bool) {
	if !strings.Contains(line, "Key:") || !strings.Contains(line, "Value:") || !strings.Contains(line, "Nonce:") {
		return KeyValue{}, false
	}
	m := keyValuePattern.FindStringSubmatch(line)
	if m == nil {
		return KeyValue{}, false
	}
	nonce, err := strconv.ParseUint(m[3], 10, 64)
	if err != nil {
		return KeyValue{}, false
	}
	return KeyValue{Key: m[1], Value: m[2], Nonce: nonce}, true
}
