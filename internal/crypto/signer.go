package crypto

import (
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"math/big"
	"slices"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// Pre-computed keccak256 hashes of the canonical EIP-712 type strings.
var (
	eip712DomainTypeHash = ethcrypto.Keccak256(
		[]byte("EIP712Domain(string name,string version,uint256 chainId)"),
	)
	relayAuthTypeHash = ethcrypto.Keccak256(
		[]byte("RelayAuth(address address,uint256 timestamp,uint256 nonce)"),
	)
	executionTypeHash = ethcrypto.Keccak256(
		[]byte("ExecutionAuthorization(bytes32 routeHash,uint256 amountIn,uint256 minProfit,uint256 deadline,uint256 nonce,uint8 strategy)"),
	)
)

// ExecutionPayload is the EIP-712 struct the execution relay verifies before
// it will submit a route on-chain. Large numbers travel as decimal strings
// so JSON cannot truncate them.
type ExecutionPayload struct {
	RouteHash string `json:"routeHash"` // 0x-prefixed 32-byte hex
	AmountIn  string `json:"amountIn"`
	MinProfit string `json:"minProfit"`
	Deadline  string `json:"deadline"` // unix seconds
	Nonce     string `json:"nonce"`
	Strategy  int    `json:"strategy"` // 0 = simple swap, 1 = flash loan
}

// Signer produces the EIP-712 signatures the execution relay API expects.
type Signer struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
	chainID    int
	domainSep  []byte
}

// NewSigner builds a Signer from a hex-encoded secp256k1 key. The domain
// separator is fixed at construction since the chain ID never changes at
// runtime.
func NewSigner(privateKeyHex string, chainID int) (*Signer, error) {
	pk, err := ethcrypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("crypto/signer: invalid private key: %w", err)
	}

	s := &Signer{
		privateKey: pk,
		address:    ethcrypto.PubkeyToAddress(pk.PublicKey),
		chainID:    chainID,
	}
	s.domainSep = ethcrypto.Keccak256(slices.Concat(
		eip712DomainTypeHash,
		ethcrypto.Keccak256([]byte("RouteGateRelay")),
		ethcrypto.Keccak256([]byte("1")),
		uint256Bytes(big.NewInt(int64(chainID))),
	))
	return s, nil
}

// Address returns the address derived from the signing key.
func (s *Signer) Address() common.Address {
	return s.address
}

// SignAuthMessage signs the RelayAuth message used to obtain an API key from
// the execution relay. The result is a hex-encoded 65-byte signature.
func (s *Signer) SignAuthMessage(address string, timestamp, nonce int64) (string, error) {
	structHash := ethcrypto.Keccak256(slices.Concat(
		relayAuthTypeHash,
		common.LeftPadBytes(common.HexToAddress(address).Bytes(), 32),
		uint256Bytes(big.NewInt(timestamp)),
		uint256Bytes(big.NewInt(nonce)),
	))
	return s.signDigest(typedDataDigest(s.domainSep, structHash))
}

// SignExecution signs an ExecutionAuthorization struct. The relay recovers
// the signer address from this signature and checks it against the account
// the API key belongs to.
func (s *Signer) SignExecution(p ExecutionPayload) (string, error) {
	structHash, err := executionStructHash(p)
	if err != nil {
		return "", err
	}
	return s.signDigest(typedDataDigest(s.domainSep, structHash))
}

// typedDataDigest is keccak256("\x19\x01" || domainSeparator || structHash).
func typedDataDigest(domainSep, structHash []byte) []byte {
	return ethcrypto.Keccak256(slices.Concat([]byte{0x19, 0x01}, domainSep, structHash))
}

// signDigest signs a 32-byte digest and returns r || s || v hex-encoded,
// with v shifted to the {27,28} range EIP-712 verifiers expect.
func (s *Signer) signDigest(digest []byte) (string, error) {
	sig, err := ethcrypto.Sign(digest, s.privateKey)
	if err != nil {
		return "", fmt.Errorf("crypto/signer: sign: %w", err)
	}
	if sig[64] < 27 {
		sig[64] += 27
	}
	return "0x" + hex.EncodeToString(sig), nil
}

func executionStructHash(p ExecutionPayload) ([]byte, error) {
	routeHash, err := hex.DecodeString(strings.TrimPrefix(p.RouteHash, "0x"))
	if err != nil || len(routeHash) != 32 {
		return nil, fmt.Errorf("crypto/signer: invalid routeHash %q", p.RouteHash)
	}

	nums := make([]*big.Int, 0, 4)
	for _, field := range []struct{ name, value string }{
		{"amountIn", p.AmountIn},
		{"minProfit", p.MinProfit},
		{"deadline", p.Deadline},
		{"nonce", p.Nonce},
	} {
		n, ok := new(big.Int).SetString(field.value, 10)
		if !ok {
			return nil, fmt.Errorf("crypto/signer: invalid %s %q", field.name, field.value)
		}
		nums = append(nums, n)
	}

	return ethcrypto.Keccak256(slices.Concat(
		executionTypeHash,
		routeHash,
		uint256Bytes(nums[0]),
		uint256Bytes(nums[1]),
		uint256Bytes(nums[2]),
		uint256Bytes(nums[3]),
		uint256Bytes(big.NewInt(int64(p.Strategy))),
	)), nil
}

// uint256Bytes encodes n as a 32-byte big-endian word.
func uint256Bytes(n *big.Int) []byte {
	return common.LeftPadBytes(n.Bytes(), 32)
}
