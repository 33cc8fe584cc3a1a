package envelope

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sema4ai/actionserver/pkg/types"
)

// Headers consumed by the codec. Names are part of the public API.
const (
	HeaderActionContext     = "x-action-context"
	HeaderDataContext       = "x-data-context"
	HeaderInvocationContext = "x-action-invocation-context"
	HeaderAsyncTimeout      = "x-actions-async-timeout"
	HeaderAsyncCallback     = "x-actions-async-callback"
	HeaderRequestID         = "x-actions-request-id"
	// HeaderComposite signals that contexts travel in the request body
	// instead of headers
	HeaderComposite = "x-actions-composite"
)

// Codec decodes the per-request invocation envelope: contexts from
// headers or the composite body, AEAD decryption, and managed-parameter
// resolution. The codec never logs secret material.
type Codec struct {
	keys [][]byte

	// env abstracts the process environment for tests
	env func(string) string
}

// NewCodec creates a codec with the configured decrypt keys, tried in order
func NewCodec(keys [][]byte) *Codec {
	return &Codec{keys: keys, env: os.Getenv}
}

// actionContext is the plaintext payload of x-action-context
type actionContext struct {
	Secrets map[string]string `json:"secrets"`
	OAuth2  map[string]string `json:"oauth2,omitempty"`
}

// compositeBody is the body shape used when HeaderComposite is set
type compositeBody struct {
	ActionContext json.RawMessage `json:"action-context"`
	DataContext   json.RawMessage `json:"data-context"`
	Body          json.RawMessage `json:"body"`
}

// Decode produces the typed envelope for one invocation. The action's
// managed-parameter table drives secret resolution; overrides carries
// side-channel secrets set through the API, which lose to per-request
// envelope values but win over the process environment.
func (c *Codec) Decode(headers http.Header, body []byte, action *types.Action, overrides map[string]string) (*types.InvocationEnvelope, error) {
	env := &types.InvocationEnvelope{
		Secrets:      map[string]string{},
		OAuth2Tokens: map[string]string{},
		Headers:      forwardedHeaders(headers),
		RequestID:    headers.Get(HeaderRequestID),
	}

	var actionCtxRaw, dataCtxRaw []byte
	if headers.Get(HeaderComposite) != "" {
		var composite compositeBody
		dec := json.NewDecoder(bytes.NewReader(body))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&composite); err != nil {
			return nil, types.NewError(types.ErrBadEnvelope, "malformed composite body: %v", err)
		}
		env.Input = composite.Body
		actionCtxRaw = trimQuoted(composite.ActionContext)
		dataCtxRaw = trimQuoted(composite.DataContext)
	} else {
		env.Input = body
		if v := headers.Get(HeaderActionContext); v != "" {
			actionCtxRaw = []byte(v)
		}
		if v := headers.Get(HeaderDataContext); v != "" {
			dataCtxRaw = []byte(v)
		}
	}

	if len(actionCtxRaw) > 0 {
		plain, err := c.decodePayload(string(actionCtxRaw))
		if err != nil {
			return nil, err
		}
		var actx actionContext
		dec := json.NewDecoder(bytes.NewReader(plain))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&actx); err != nil {
			return nil, types.NewError(types.ErrBadEnvelope, "malformed action context: %v", err)
		}
		for k, v := range actx.Secrets {
			env.Secrets[k] = v
		}
		for k, v := range actx.OAuth2 {
			env.OAuth2Tokens[k] = v
		}
	}

	if len(dataCtxRaw) > 0 {
		plain, err := c.decodePayload(string(dataCtxRaw))
		if err != nil {
			return nil, err
		}
		env.DataContext = plain
	}

	if v := headers.Get(HeaderInvocationContext); v != "" {
		plain, err := c.decodePayload(v)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(plain, &env.InvocationContext); err != nil {
			return nil, types.NewError(types.ErrBadEnvelope, "malformed invocation context: %v", err)
		}
	}

	if v := headers.Get(HeaderAsyncTimeout); v != "" {
		secs, err := strconv.Atoi(v)
		if err != nil || secs < 0 {
			return nil, types.NewError(types.ErrBadEnvelope, "%s must be a non-negative integer", HeaderAsyncTimeout)
		}
		env.AsyncTimeout = time.Duration(secs) * time.Second
	}

	if v := headers.Get(HeaderAsyncCallback); v != "" {
		u, err := url.Parse(v)
		if err != nil || !u.IsAbs() {
			return nil, types.NewError(types.ErrBadEnvelope, "%s must be an absolute URL", HeaderAsyncCallback)
		}
		env.CallbackURL = v
	}

	if action != nil {
		if err := c.resolveManagedParams(env, headers, action, overrides); err != nil {
			return nil, err
		}
	}
	return env, nil
}

// resolveManagedParams fills in every declared Secret and OAuth2Secret
// parameter. Precedence per value: envelope, X-<name> header,
// side-channel override, process environment.
func (c *Codec) resolveManagedParams(env *types.InvocationEnvelope, headers http.Header, action *types.Action, overrides map[string]string) error {
	for name, kind := range action.ManagedParams {
		if kind != types.ManagedParamSecret && kind != types.ManagedParamOAuth2 {
			continue
		}

		target := env.Secrets
		if kind == types.ManagedParamOAuth2 {
			target = env.OAuth2Tokens
		}
		if _, ok := target[name]; ok {
			continue // Envelope already delivered it
		}

		var raw string
		if v := headers.Get("x-" + strings.ReplaceAll(name, "_", "-")); v != "" {
			raw = v
		} else if v, ok := overrides[name]; ok {
			raw = v
		} else if v := c.env(strings.ToUpper(name)); v != "" {
			raw = v
		} else {
			continue
		}

		value, err := c.decodeValue(raw)
		if err != nil {
			return err
		}
		target[name] = value
	}
	return nil
}

// decodePayload decodes a base64 context payload: either the AEAD cipher
// envelope or plain JSON
func (c *Codec) decodePayload(raw string) ([]byte, error) {
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(raw))
	if err != nil {
		return nil, types.NewError(types.ErrBadEnvelope, "context payload is not valid base64")
	}

	if cenv, ok := parseCipherEnvelope(decoded); ok {
		return open(c.keys, cenv)
	}
	if !json.Valid(decoded) {
		return nil, types.NewError(types.ErrBadEnvelope, "context payload is neither a cipher envelope nor JSON")
	}
	return decoded, nil
}

// decodeValue decodes an individual secret value, which may itself be an
// encrypted envelope. Plain strings pass through verbatim.
func (c *Codec) decodeValue(raw string) (string, error) {
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(raw))
	if err != nil {
		return raw, nil
	}
	cenv, ok := parseCipherEnvelope(decoded)
	if !ok {
		return raw, nil
	}
	plain, err := open(c.keys, cenv)
	if err != nil {
		return "", err
	}
	// The plaintext may be a JSON string or bare bytes
	var s string
	if json.Unmarshal(plain, &s) == nil {
		return s, nil
	}
	return string(plain), nil
}

// parseCipherEnvelope reports whether data is the encrypted envelope
// grammar. Unknown fields at this level are rejected, which is what
// distinguishes the grammar from arbitrary JSON payloads.
func parseCipherEnvelope(data []byte) (*cipherEnvelope, bool) {
	var cenv cipherEnvelope
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cenv); err != nil {
		return nil, false
	}
	if cenv.Cipher == "" || cenv.Algorithm == "" {
		return nil, false
	}
	return &cenv, true
}

// forwardedHeaders selects the request headers handed through to the
// worker. Context and control headers stay with the server.
func forwardedHeaders(headers http.Header) map[string]string {
	skip := map[string]bool{
		HeaderActionContext:     true,
		HeaderDataContext:       true,
		HeaderInvocationContext: true,
		HeaderComposite:         true,
		"authorization":         true,
	}
	out := map[string]string{}
	for k, vs := range headers {
		lower := strings.ToLower(k)
		if skip[lower] || len(vs) == 0 {
			continue
		}
		out[lower] = vs[0]
	}
	return out
}

// trimQuoted unwraps a JSON string value into its raw content; non-string
// raw messages pass through untouched
func trimQuoted(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return nil
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return []byte(s)
	}
	return raw
}
