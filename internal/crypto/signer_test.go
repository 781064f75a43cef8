package crypto

import (
	"encoding/hex"
	"strings"
	"testing"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSignerDerivesAddress(t *testing.T) {
	s, err := NewSigner("0x"+testKeyHex, 1)
	require.NoError(t, err)

	// Well-known address for this test vector key.
	assert.Equal(t, "0x2c7536E3605D9C16a7a3D7b1898e529396a65c23", s.Address().Hex())
}

func TestNewSignerRejectsGarbage(t *testing.T) {
	_, err := NewSigner("not-hex", 1)
	require.Error(t, err)
}

func TestSignExecutionProducesRecoverableSignature(t *testing.T) {
	s, err := NewSigner(testKeyHex, 137)
	require.NoError(t, err)

	payload := ExecutionPayload{
		RouteHash: "0x" + strings.Repeat("ab", 32),
		AmountIn:  "1000000000000000000",
		MinProfit: "5000000000000000",
		Deadline:  "1773500000",
		Nonce:     "42",
		Strategy:  1,
	}
	sig, err := s.SignExecution(payload)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(sig, "0x"))

	raw, err := hex.DecodeString(strings.TrimPrefix(sig, "0x"))
	require.NoError(t, err)
	require.Len(t, raw, 65)
	assert.Contains(t, []byte{27, 28}, raw[64])

	// Recover the public key from the digest and check it matches the signer.
	structHash, err := executionStructHash(payload)
	require.NoError(t, err)
	digest := typedDataDigest(s.domainSep, structHash)

	recoverable := make([]byte, 65)
	copy(recoverable, raw)
	recoverable[64] -= 27
	pub, err := ethcrypto.SigToPub(digest, recoverable)
	require.NoError(t, err)
	assert.Equal(t, s.Address(), ethcrypto.PubkeyToAddress(*pub))
}

func TestSignExecutionRejectsMalformedFields(t *testing.T) {
	s, err := NewSigner(testKeyHex, 1)
	require.NoError(t, err)

	bad := ExecutionPayload{
		RouteHash: "0x1234", // not 32 bytes
		AmountIn:  "1",
		MinProfit: "0",
		Deadline:  "1",
		Nonce:     "1",
	}
	_, err = s.SignExecution(bad)
	require.ErrorContains(t, err, "routeHash")

	bad.RouteHash = "0x" + strings.Repeat("00", 32)
	bad.AmountIn = "one"
	_, err = s.SignExecution(bad)
	require.ErrorContains(t, err, "amountIn")
}

func TestDomainSeparatorVariesByChain(t *testing.T) {
	s1, err := NewSigner(testKeyHex, 1)
	require.NoError(t, err)
	s137, err := NewSigner(testKeyHex, 137)
	require.NoError(t, err)

	payload := ExecutionPayload{
		RouteHash: "0x" + strings.Repeat("cd", 32),
		AmountIn:  "1",
		MinProfit: "0",
		Deadline:  "1",
		Nonce:     "1",
	}
	sig1, err := s1.SignExecution(payload)
	require.NoError(t, err)
	sig137, err := s137.SignExecution(payload)
	require.NoError(t, err)
	assert.NotEqual(t, sig1, sig137)
}

func TestHMACHeadersDeterministic(t *testing.T) {
	auth := &HMACAuth{Key: "k", Secret: "c2VjcmV0", Passphrase: "p"}

	h1 := auth.HeadersAt("0xabc", "POST", "/v1/executions", `{"x":1}`, 1700000000)
	h2 := auth.HeadersAt("0xabc", "POST", "/v1/executions", `{"x":1}`, 1700000000)
	assert.Equal(t, h1, h2)

	assert.Equal(t, "k", h1["RELAY_API_KEY"])
	assert.Equal(t, "p", h1["RELAY_PASSPHRASE"])
	assert.Equal(t, "1700000000", h1["RELAY_TIMESTAMP"])
	assert.NotEmpty(t, h1["RELAY_SIGNATURE"])

	// Any input change moves the signature.
	h3 := auth.HeadersAt("0xabc", "POST", "/v1/executions", `{"x":2}`, 1700000000)
	assert.NotEqual(t, h1["RELAY_SIGNATURE"], h3["RELAY_SIGNATURE"])
}

func TestHMACAuthStringRedacts(t *testing.T) {
	auth := &HMACAuth{Key: "supersecretkey", Secret: "alsosecret"}
	s := auth.String()
	assert.NotContains(t, s, "supersecretkey")
	assert.NotContains(t, s, "alsosecret")
	assert.Contains(t, s, "supe****")
}
