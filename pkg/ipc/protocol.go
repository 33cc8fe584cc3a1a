// Package ipc defines the wire contract between the server and its worker
// processes: length-framed JSON messages over a dedicated channel per
// worker (the child's stdin and stdout pipes).
package ipc

import (
	"encoding/json"

	"github.com/sema4ai/actionserver/pkg/types"
)

// MessageKind enumerates the frame kinds of the worker protocol
type MessageKind string

const (
	// KindReady is sent once by a worker after it has imported its
	// packages and can accept requests
	KindReady MessageKind = "ready"
	// KindRequest dispatches one action execution to a worker
	KindRequest MessageKind = "request"
	// KindResult reports the outcome of a request
	KindResult MessageKind = "result"
	// KindPing and KindPong probe worker liveness
	KindPing MessageKind = "ping"
	KindPong MessageKind = "pong"
	// KindCancel asks a worker to cooperatively interrupt its current run
	KindCancel MessageKind = "cancel"
	// KindShutdown asks a worker to exit after its current request
	KindShutdown MessageKind = "shutdown"
	// KindEnumerate asks a transient worker to report its actions
	KindEnumerate MessageKind = "enumerate"
	// KindActions is the enumerate reply
	KindActions MessageKind = "actions"
)

// ResultStatus is a worker's verdict for one request
type ResultStatus string

const (
	ResultPass ResultStatus = "pass"
	ResultFail ResultStatus = "fail"
)

// ManagedValues carries the resolved managed parameters of one request
type ManagedValues struct {
	Secrets    map[string]string `json:"secrets,omitempty"`
	OAuth2     map[string]string `json:"oauth2,omitempty"`
	DataServer json.RawMessage   `json:"data_server,omitempty"`
}

// ActionMetadata is one enumerated action as reported by a transient
// worker
type ActionMetadata struct {
	Name          string            `json:"name"`
	DisplayName   string            `json:"display_name,omitempty"`
	InputSchema   json.RawMessage   `json:"input_schema,omitempty"`
	OutputSchema  json.RawMessage   `json:"output_schema,omitempty"`
	ManagedParams map[string]string `json:"managed_params,omitempty"` // name -> kind
	Consequential bool              `json:"consequential,omitempty"`
	File          string            `json:"file,omitempty"`
	Line          int               `json:"line,omitempty"`
	Kind          string            `json:"kind,omitempty"`
}

// ManagedParamKinds converts the wire map into typed kinds, dropping
// unknown values
func (m *ActionMetadata) ManagedParamKinds() map[string]types.ManagedParamKind {
	if len(m.ManagedParams) == 0 {
		return nil
	}
	out := make(map[string]types.ManagedParamKind, len(m.ManagedParams))
	for name, kind := range m.ManagedParams {
		switch k := types.ManagedParamKind(kind); k {
		case types.ManagedParamSecret, types.ManagedParamOAuth2,
			types.ManagedParamRequest, types.ManagedParamDataSource:
			out[name] = k
		}
	}
	return out
}

// Message is one protocol frame. Fields are populated per kind; absent
// fields are omitted on the wire.
type Message struct {
	Kind MessageKind `json:"kind"`

	// Request / result / cancel
	RunID string `json:"run_id,omitempty"`

	// Request
	ActionName    string            `json:"action_name,omitempty"` // Qualified in the worker's loaded packages
	Payload       json.RawMessage   `json:"payload,omitempty"`
	ManagedParams *ManagedValues    `json:"managed_params,omitempty"`
	Headers       map[string]string `json:"headers,omitempty"`
	ArtifactDir   string            `json:"artifact_dir,omitempty"`

	// Result
	Status ResultStatus    `json:"status,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`

	// Enumerate reply
	Actions []ActionMetadata `json:"actions,omitempty"`
}
