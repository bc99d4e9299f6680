package web

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/vitos/copy_trade_ledger/internal/domain"
)

var (
	errMissingTimestamp = errors.New("missing or invalid " + HeaderTimestamp + " header")
	errExpiredSignature = errors.New("signature timestamp outside the accepted window")
	errSignerMismatch   = errors.New("signature does not match caller address")
	errMissingNonce     = errors.New("missing or invalid " + HeaderNonce + " header")
	errReplayedNonce    = errors.New("nonce already used")
	errBodyTooLarge     = errors.New("request body too large to verify")
)

const maxNonceLen = 128

// SigningMessage is the text a caller signs for one request:
//
//	<METHOD> <path> <unix timestamp> <nonce> <keccak256(body) hex>
func SigningMessage(method, path string, timestamp int64, nonce string, body []byte) string {
	return fmt.Sprintf("%s %s %d %s %s", strings.ToUpper(method), path, timestamp, nonce, crypto.Keccak256Hash(body).Hex())
}

// nonceCache remembers accepted (caller, nonce) pairs until the signature
// window they were accepted in has passed.
type nonceCache struct {
	mu        sync.Mutex
	seen      map[string]time.Time
	lastSweep time.Time
	window    time.Duration
}

func newNonceCache(window time.Duration) *nonceCache {
	return &nonceCache{seen: make(map[string]time.Time), window: window}
}

// use records key until expires and reports false if it is still recorded.
func (n *nonceCache) use(key string, now, expires time.Time) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if now.Sub(n.lastSweep) >= n.window {
		for k, exp := range n.seen {
			if !now.Before(exp) {
				delete(n.seen, k)
			}
		}
		n.lastSweep = now
	}
	if exp, ok := n.seen[key]; ok && now.Before(exp) {
		return false
	}
	n.seen[key] = expires
	return true
}

func (n *nonceCache) size() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.seen)
}

// VerifySignature checks an EIP-191 personal_sign signature over msg.
func VerifySignature(caller domain.Address, msg, sigHex string) error {
	sig, err := hexutil.Decode(sigHex)
	if err != nil {
		return fmt.Errorf("decode signature: %w", err)
	}
	if len(sig) != crypto.SignatureLength {
		return fmt.Errorf("signature must be %d bytes", crypto.SignatureLength)
	}
	// Wallets return v as 27/28.
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}
	pub, err := crypto.SigToPub(accounts.TextHash([]byte(msg)), sig)
	if err != nil {
		return fmt.Errorf("recover signer: %w", err)
	}
	if crypto.PubkeyToAddress(*pub) != caller {
		return errSignerMismatch
	}
	return nil
}

// SignMessage produces the signature VerifySignature accepts.
func SignMessage(key *ecdsa.PrivateKey, msg string) (string, error) {
	sig, err := crypto.Sign(accounts.TextHash([]byte(msg)), key)
	if err != nil {
		return "", err
	}
	sig[crypto.RecoveryIDOffset] += 27
	return hexutil.Encode(sig), nil
}
