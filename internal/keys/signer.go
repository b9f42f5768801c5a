// Package keys holds the keeper identity: the address it calls the
// controller as and the EIP-712 signatures it attaches to each call intent.
package keys

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

var (
	ErrMissingKey      = errors.New("private key is required")
	ErrMissingAction   = errors.New("intent action is required")
	ErrSignatureLength = errors.New("unexpected signature length")
	ErrSignatureV      = errors.New("unexpected signature v")
	ErrSignerMismatch  = errors.New("signature does not match signer")
)

// Intent is one controller call the keeper is about to make.
type Intent struct {
	Action   string `json:"action"`
	Venue    string `json:"venue"`
	Nonce    uint64 `json:"nonce"`
	Deadline uint64 `json:"deadline"`
}

type Signature struct {
	R string `json:"r"`
	S string `json:"s"`
	V int    `json:"v"`
}

type Signer struct {
	privKey  *ecdsa.PrivateKey
	address  common.Address
	chainID  int64
	contract common.Address
}

// NewSigner parses a hex private key, with or without 0x. Signatures are
// domain-separated by chainID and the strategy contract address.
func NewSigner(hexKey string, chainID int64, contract common.Address) (*Signer, error) {
	clean := strings.TrimSpace(hexKey)
	if clean == "" {
		return nil, ErrMissingKey
	}
	clean = strings.TrimPrefix(clean, "0x")
	key, err := crypto.HexToECDSA(clean)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return &Signer{
		privKey:  key,
		address:  crypto.PubkeyToAddress(key.PublicKey),
		chainID:  chainID,
		contract: contract,
	}, nil
}

func (s *Signer) Address() common.Address {
	return s.address
}

func (s *Signer) SignIntent(intent Intent) (Signature, error) {
	digest, err := intentDigest(intent, s.chainID, s.contract)
	if err != nil {
		return Signature{}, err
	}
	sig, err := crypto.Sign(digest, s.privKey)
	if err != nil {
		return Signature{}, err
	}
	return signatureFromBytes(sig)
}

// Recover returns the address that produced sig over intent.
func (s *Signer) Recover(intent Intent, sig Signature) (common.Address, error) {
	digest, err := intentDigest(intent, s.chainID, s.contract)
	if err != nil {
		return common.Address{}, err
	}
	raw, err := signatureBytes(sig)
	if err != nil {
		return common.Address{}, err
	}
	pub, err := crypto.SigToPub(digest, raw)
	if err != nil {
		return common.Address{}, err
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// Verify checks that sig over intent was produced by this signer.
func (s *Signer) Verify(intent Intent, sig Signature) error {
	addr, err := s.Recover(intent, sig)
	if err != nil {
		return err
	}
	if addr != s.address {
		return fmt.Errorf("%w: got %s", ErrSignerMismatch, addr.Hex())
	}
	return nil
}

func intentDigest(intent Intent, chainID int64, contract common.Address) ([]byte, error) {
	if strings.TrimSpace(intent.Action) == "" {
		return nil, ErrMissingAction
	}
	typedData := apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": {
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"KeeperCall": {
				{Name: "action", Type: "string"},
				{Name: "venue", Type: "string"},
				{Name: "nonce", Type: "uint64"},
				{Name: "deadline", Type: "uint64"},
			},
		},
		PrimaryType: "KeeperCall",
		Domain: apitypes.TypedDataDomain{
			Name:              "FlexLevKeeper",
			Version:           "1",
			ChainId:           math.NewHexOrDecimal256(chainID),
			VerifyingContract: contract.Hex(),
		},
		Message: apitypes.TypedDataMessage{
			"action":   intent.Action,
			"venue":    intent.Venue,
			"nonce":    strconv.FormatUint(intent.Nonce, 10),
			"deadline": strconv.FormatUint(intent.Deadline, 10),
		},
	}
	domainHash, err := typedData.HashStruct("EIP712Domain", typedData.Domain.Map())
	if err != nil {
		return nil, err
	}
	messageHash, err := typedData.HashStruct(typedData.PrimaryType, typedData.Message)
	if err != nil {
		return nil, err
	}
	return crypto.Keccak256([]byte("\x19\x01"), domainHash, messageHash), nil
}

func signatureFromBytes(sig []byte) (Signature, error) {
	if len(sig) != 65 {
		return Signature{}, fmt.Errorf("%w: %d", ErrSignatureLength, len(sig))
	}
	return Signature{
		R: hexutil.Encode(sig[:32]),
		S: hexutil.Encode(sig[32:64]),
		V: int(sig[64]) + 27,
	}, nil
}

func signatureBytes(sig Signature) ([]byte, error) {
	r, err := hexutil.Decode(sig.R)
	if err != nil {
		return nil, err
	}
	s, err := hexutil.Decode(sig.S)
	if err != nil {
		return nil, err
	}
	if len(r) != 32 || len(s) != 32 {
		return nil, ErrSignatureLength
	}
	v := sig.V - 27
	if v < 0 || v > 1 {
		return nil, ErrSignatureV
	}
	out := append(append([]byte{}, r...), s...)
	return append(out, byte(v)), nil
}
