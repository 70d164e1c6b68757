// Package l402 mints and verifies payment-bound macaroons and issues HTTP 402 challenges.
package l402

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

// Caveat names understood by the verifier. A token carrying any other key is rejected.
const (
	CaveatAction  = "action"
	CaveatAmount  = "amount"
	CaveatExpires = "expires"
)

// Caveat is a single key=value restriction.
type Caveat struct {
	Key   string
	Value string
}

func (c Caveat) String() string {
	return c.Key + "=" + c.Value
}

// ParseCaveat splits "key=value".
func ParseCaveat(s string) (Caveat, error) {
	key, value, ok := strings.Cut(s, "=")
	key = strings.TrimSpace(key)
	if !ok || key == "" {
		return Caveat{}, fmt.Errorf("%w: caveat %q", ErrInvalidMacaroon, s)
	}
	return Caveat{Key: key, Value: strings.TrimSpace(value)}, nil
}

// Macaroon is a bearer token whose signature chains an HMAC over the identifier and
// every caveat in order. Appending a caveat only narrows what the token allows.
type Macaroon struct {
	Location   string
	Identifier string
	Caveats    []Caveat
	Signature  []byte
}

// NewMacaroon creates a macaroon signed with key.
func NewMacaroon(key []byte, location, identifier string) *Macaroon {
	return &Macaroon{
		Location:   location,
		Identifier: identifier,
		Signature:  hmacSum(key, []byte(identifier)),
	}
}

// AddCaveat appends a caveat and advances the signature chain.
func (m *Macaroon) AddCaveat(c Caveat) {
	m.Caveats = append(m.Caveats, c)
	m.Signature = hmacSum(m.Signature, []byte(c.String()))
}

// Caveat returns the value of the first caveat with the given key.
func (m *Macaroon) Caveat(key string) (string, bool) {
	for _, c := range m.Caveats {
		if c.Key == key {
			return c.Value, true
		}
	}
	return "", false
}

// VerifySignature recomputes the signature chain under key.
func (m *Macaroon) VerifySignature(key []byte) bool {
	sig := hmacSum(key, []byte(m.Identifier))
	for _, c := range m.Caveats {
		sig = hmacSum(sig, []byte(c.String()))
	}
	return hmac.Equal(sig, m.Signature)
}

type wireMacaroon struct {
	Version    int      `json:"v"`
	Location   string   `json:"l"`
	Identifier string   `json:"i"`
	Caveats    []string `json:"c"`
	Signature  string   `json:"s"`
}

const wireVersion = 2

// Encode serializes the macaroon as unpadded URL-safe base64 of its JSON form.
func (m *Macaroon) Encode() string {
	w := wireMacaroon{
		Version:    wireVersion,
		Location:   m.Location,
		Identifier: m.Identifier,
		Caveats:    make([]string, 0, len(m.Caveats)),
		Signature:  base64.RawURLEncoding.EncodeToString(m.Signature),
	}
	for _, c := range m.Caveats {
		w.Caveats = append(w.Caveats, c.String())
	}
	data, _ := json.Marshal(w)
	return base64.RawURLEncoding.EncodeToString(data)
}

// DecodeMacaroon parses a macaroon in either URL-safe or standard base64.
func DecodeMacaroon(s string) (*Macaroon, error) {
	s = strings.TrimSpace(s)
	data, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(s, "="))
	if err != nil {
		data, err = base64.StdEncoding.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("%w: bad base64", ErrInvalidMacaroon)
		}
	}

	var w wireMacaroon
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("%w: bad encoding", ErrInvalidMacaroon)
	}
	if w.Version != wireVersion || w.Identifier == "" {
		return nil, fmt.Errorf("%w: unsupported version or empty identifier", ErrInvalidMacaroon)
	}
	sig, err := base64.RawURLEncoding.DecodeString(w.Signature)
	if err != nil || len(sig) != sha256.Size {
		return nil, fmt.Errorf("%w: bad signature encoding", ErrInvalidMacaroon)
	}

	m := &Macaroon{Location: w.Location, Identifier: w.Identifier, Signature: sig}
	for _, raw := range w.Caveats {
		c, err := ParseCaveat(raw)
		if err != nil {
			return nil, err
		}
		m.Caveats = append(m.Caveats, c)
	}
	return m, nil
}

func hmacSum(key, data []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return mac.Sum(nil)
}
