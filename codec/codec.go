// Package codec translates between raw x402 HTTP header values and the
// payment documents they carry (base64 encoded JSON).
package codec

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"strings"
	"unicode"
	"unicode/utf8"

	json "github.com/goccy/go-json"
	"github.com/vitwit/x402-checkout/types"
)

// Header names, matched case-insensitively by net/http.
const (
	HeaderPaymentRequired    = "Payment-Required"
	HeaderAuthorization      = "Authorization"
	HeaderAuthenticationInfo = "Authentication-Info"
)

// Document is a decoded header value. Numbers are kept as json.Number so
// large integers are not rounded.
type Document map[string]interface{}

// EncodeHeader serializes doc to JSON and base64-encodes it.
func EncodeHeader(doc any) (string, error) {
	data, err := json.Marshal(doc)
	if err != nil {
		return "", types.NewError(types.ErrMalformedHeader, err, "failed to marshal header document")
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// DecodeHeader decodes a header value of the form "<Scheme> <base64>" or
// "<base64>" into a generic Document.
func DecodeHeader(raw string) (Document, error) {
	var doc Document
	if _, err := DecodeInto(raw, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// DecodeInto decodes raw into v and returns the scheme token, if any.
func DecodeInto(raw string, v any) (string, error) {
	scheme, payload := SplitScheme(raw)
	if payload == "" {
		return "", types.NewError(types.ErrMalformedHeader, nil, "header is empty")
	}

	data, err := decodeBase64(payload)
	if err != nil {
		return "", types.NewError(types.ErrMalformedHeader, err, "header is not valid base64")
	}

	// Payment documents are always JSON objects.
	if trimmed := bytes.TrimSpace(data); len(trimmed) == 0 || trimmed[0] != '{' {
		return "", types.NewError(types.ErrMalformedHeader, nil, "header is not a JSON object")
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return "", types.NewError(types.ErrMalformedHeader, err, "header is not valid JSON")
	}
	var trailing json.RawMessage
	if err := dec.Decode(&trailing); err != io.EOF {
		return "", types.NewError(types.ErrMalformedHeader, err, "header has data after the JSON document")
	}

	return scheme, nil
}

// SplitScheme separates an optional leading scheme token from the payload.
// Base64 never contains spaces so the first space is unambiguous.
func SplitScheme(raw string) (scheme, payload string) {
	raw = strings.TrimSpace(raw)
	if i := strings.IndexByte(raw, ' '); i >= 0 {
		return raw[:i], strings.TrimSpace(raw[i+1:])
	}
	return "", raw
}

// SchemeToken renders a scheme name as an Authorization scheme token,
// "exact" -> "Exact".
func SchemeToken(scheme string) string {
	r, size := utf8.DecodeRuneInString(scheme)
	if r == utf8.RuneError {
		return scheme
	}
	return string(unicode.ToUpper(r)) + scheme[size:]
}

func decodeBase64(s string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(s)
	if err == nil {
		return data, nil
	}
	// some producers strip the padding
	if raw, rawErr := base64.RawStdEncoding.DecodeString(s); rawErr == nil {
		return raw, nil
	}
	return nil, err
}

// EncodePaymentRequired encodes the value of a Payment-Required header.
func EncodePaymentRequired(pr *types.PaymentRequired) (string, error) {
	return EncodeHeader(pr)
}

// DecodePaymentRequired decodes a Payment-Required header value.
func DecodePaymentRequired(raw string) (*types.PaymentRequired, error) {
	var pr types.PaymentRequired
	if _, err := DecodeInto(raw, &pr); err != nil {
		return nil, err
	}
	return &pr, nil
}

// EncodeAuthorization renders proof as "<SchemeToken> <base64>".
func EncodeAuthorization(proof *types.PaymentProof) (string, error) {
	if proof.Scheme == "" {
		return "", types.NewError(types.ErrMalformedHeader, nil, "proof has no scheme")
	}
	encoded, err := EncodeHeader(proof)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s %s", SchemeToken(proof.Scheme), encoded), nil
}

// DecodeProof decodes an Authorization header value. When the header has a
// scheme token it must agree with the proof's scheme.
func DecodeProof(raw string) (*types.PaymentProof, error) {
	var proof types.PaymentProof
	scheme, err := DecodeInto(raw, &proof)
	if err != nil {
		return nil, err
	}
	if scheme != "" && proof.Scheme != "" && !strings.EqualFold(scheme, proof.Scheme) {
		return nil, types.NewError(types.ErrMalformedHeader, nil,
			"authorization scheme %q does not match proof scheme %q", scheme, proof.Scheme)
	}
	return &proof, nil
}

// EncodeReceipt encodes the value of an Authentication-Info header.
func EncodeReceipt(receipt *types.SettlementReceipt) (string, error) {
	return EncodeHeader(receipt)
}

// DecodeReceipt decodes an Authentication-Info header value.
func DecodeReceipt(raw string) (*types.SettlementReceipt, error) {
	var receipt types.SettlementReceipt
	if _, err := DecodeInto(raw, &receipt); err != nil {
		return nil, err
	}
	return &receipt, nil
}
