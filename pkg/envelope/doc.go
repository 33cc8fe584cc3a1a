/*
Package envelope decodes the composite per-request invocation envelope.

Every invocation may carry context from four independent sources, decoded
in a fixed precedence:

 1. Composite body mode: when x-actions-composite is set, the body is a
    map with action-context, data-context, and the action input under
    "body". Otherwise the input is the body itself and contexts arrive
    as headers.
 2. x-action-context: base64 of either an AES-256-GCM cipher envelope
    {cipher, algorithm, iv, auth-tag} or plain JSON. Ciphered payloads
    are tried against each configured decrypt key in order; exhaustion
    fails the request with ErrDecryptFailed.
 3. Per-secret fallbacks: for each declared Secret or OAuth2Secret
    parameter the codec consults, in order, the decoded envelope, the
    X-<name-with-dashes> request header, side-channel overrides set via
    the API, and finally <NAME_UPPER> in the process environment.
    Individual values may themselves be cipher envelopes.
 4. x-action-invocation-context: the free-form string map consumed by
    the post-run hook.

Unknown fields are rejected only at the top level of each envelope;
inner payloads pass through verbatim for forward compatibility.

The codec emits a typed InvocationEnvelope and never logs secret
material.
*/
package envelope
