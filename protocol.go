package loom

import (
	"encoding/base64"
	"encoding/json"
)

// The agent wire format is line-delimited JSON. A request is one object;
// the agent answers with zero or more data messages followed by exactly
// one terminal message carrying result or error, all correlated by id.

// agentRequest is one outgoing request line.
type agentRequest struct {
	ID     uint64          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// agentResponse is one incoming response line. Data appears on zero or
// more messages preceding the terminal result/error for the same id.
type agentResponse struct {
	ID     uint64          `json:"id"`
	Data   json.RawMessage `json:"data,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

func (r agentRequest) toJSONLine() ([]byte, error) {
	line, err := json.Marshal(r)
	if err != nil {
		return nil, err
	}
	return append(line, '\n'), nil
}

// isTerminal reports whether the message completes its request.
func (r agentResponse) isTerminal() bool {
	return r.Result != nil || r.Error != ""
}

// EncodeBase64 encodes binary payloads for JSON transport.
func EncodeBase64(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

// DecodeBase64 reverses EncodeBase64.
func DecodeBase64(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(s)
}

// Param builders for the file methods. Kept as plain structs so the
// in-process test agent and the filesystem client share one shape.

type readParams struct {
	Path   string `json:"path"`
	Offset *int64 `json:"offset,omitempty"`
	Len    *int64 `json:"len,omitempty"`
}

type writeParams struct {
	Path string `json:"path"`
	Data string `json:"data"` // base64
}

type appendParams struct {
	Path string `json:"path"`
	Data string `json:"data"` // base64
}

type setLenParams struct {
	Path string `json:"path"`
	Len  int64  `json:"len"`
}

type patchOp struct {
	// Copy form
	Offset int64 `json:"offset,omitempty"`
	Len    int64 `json:"len,omitempty"`
	// Insert form; non-empty Data selects it. Base64.
	Data string `json:"data,omitempty"`
	// Distinguishes an Insert of empty data from a Copy.
	Insert bool `json:"insert,omitempty"`
}

type patchParams struct {
	Src string    `json:"src"`
	Dst string    `json:"dst"`
	Ops []patchOp `json:"ops"`
}

type statParams struct {
	Path string `json:"path"`
}

type lsParams struct {
	Path string `json:"path"`
}

type cancelParams struct {
	RequestID uint64 `json:"request_id"`
}

type statResult struct {
	Size    int64 `json:"size"`
	Mtime   int64 `json:"mtime"`
	IsDir   bool  `json:"is_dir"`
	Exists  bool  `json:"exists"`
}

type lsEntry struct {
	Name  string `json:"name"`
	IsDir bool   `json:"is_dir"`
	Size  int64  `json:"size"`
}

type lsResult struct {
	Entries []lsEntry `json:"entries"`
}

type readResult struct {
	Size int64 `json:"size"`
}

// dataChunk is the payload of one streamed data message for read methods.
type dataChunk struct {
	Data string `json:"data"` // base64
}

func marshalParams(v any) (json.RawMessage, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return raw, nil
}

func encodePatchOps(ops []WriteOp) []patchOp {
	encoded := make([]patchOp, 0, len(ops))
	for _, op := range ops {
		if op.IsInsert() {
			encoded = append(encoded, patchOp{Insert: true, Data: EncodeBase64(op.Data)})
		} else {
			encoded = append(encoded, patchOp{Offset: op.Offset, Len: op.Len})
		}
	}
	return encoded
}

func decodePatchOps(ops []patchOp) ([]WriteOp, error) {
	decoded := make([]WriteOp, 0, len(ops))
	for _, op := range ops {
		if op.Insert {
			data, err := DecodeBase64(op.Data)
			if err != nil {
				return nil, err
			}
			if data == nil {
				data = []byte{}
			}
			decoded = append(decoded, InsertOp(data))
		} else {
			decoded = append(decoded, CopyOp(op.Offset, op.Len))
		}
	}
	return decoded, nil
}
