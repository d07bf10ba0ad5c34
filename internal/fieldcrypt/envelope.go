// Package fieldcrypt seals sensitive row fields with AES-256-GCM using a versioned string envelope.
package fieldcrypt

import (
	"encoding/base64"
	"errors"
	"strings"
)

const (
	// PrefixServerV1 marks values sealed by this package.
	PrefixServerV1 = "enc:v1:"
	// PrefixE2E marks end-to-end protected values that the server never touches.
	PrefixE2E = "enc:e2e:v1:"

	ivSize  = 12
	tagSize = 16
)

var errMalformedEnvelope = errors.New("fieldcrypt: malformed envelope")

// Kind enumerates the envelope variants.
type Kind int

const (
	// KindPlaintext is an unsealed value (including legacy values).
	KindPlaintext Kind = iota
	// KindServerV1 is a value sealed with the deployment data key.
	KindServerV1
	// KindE2E is an opaque end-to-end encrypted value.
	KindE2E
)

// Envelope is the decoded form of a field value.
type Envelope struct {
	Kind       Kind
	Raw        string
	IV         []byte
	Tag        []byte
	Ciphertext []byte
}

// Parse decodes a field value into its envelope variant. Values carrying the v1 prefix but an
// invalid layout are reported as plaintext so that they pass through unchanged.
func Parse(value string) Envelope {
	if strings.HasPrefix(value, PrefixE2E) {
		return Envelope{Kind: KindE2E, Raw: value}
	}
	if !strings.HasPrefix(value, PrefixServerV1) {
		return Envelope{Kind: KindPlaintext, Raw: value}
	}
	envelope, err := parseServerV1(value)
	if err != nil {
		return Envelope{Kind: KindPlaintext, Raw: value}
	}
	return envelope
}

func parseServerV1(value string) (Envelope, error) {
	parts := strings.Split(strings.TrimPrefix(value, PrefixServerV1), ":")
	if len(parts) != 3 {
		return Envelope{}, errMalformedEnvelope
	}
	iv, err := base64.StdEncoding.DecodeString(parts[0])
	if err != nil || len(iv) != ivSize {
		return Envelope{}, errMalformedEnvelope
	}
	tag, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil || len(tag) != tagSize {
		return Envelope{}, errMalformedEnvelope
	}
	ciphertext, err := base64.StdEncoding.DecodeString(parts[2])
	if err != nil {
		return Envelope{}, errMalformedEnvelope
	}
	return Envelope{Kind: KindServerV1, Raw: value, IV: iv, Tag: tag, Ciphertext: ciphertext}, nil
}

// String renders the envelope in its wire format.
func (e Envelope) String() string {
	if e.Kind != KindServerV1 {
		return e.Raw
	}
	return PrefixServerV1 +
		base64.StdEncoding.EncodeToString(e.IV) + ":" +
		base64.StdEncoding.EncodeToString(e.Tag) + ":" +
		base64.StdEncoding.EncodeToString(e.Ciphertext)
}
