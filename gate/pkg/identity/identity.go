// Package identity extracts who is calling from an inbound request: a wallet, a payment proof,
// and the client IP used when no wallet is presented.
package identity

import (
	"net"
	"net/http"
	"regexp"
	"strings"

	"github.com/mr-tron/base58"
)

const (
	HeaderPaymentTxHash = "X-Payment-TxHash"
	HeaderWalletAddress = "X-Wallet-Address"
)

// Kind names the identifier a rate-limit bucket is keyed by.
type Kind string

const (
	KindWallet Kind = "wallet"
	KindIP     Kind = "ip"
)

var evmAddressRE = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)

// Identity is everything the gate needs to know about a caller.
type Identity struct {
	// Wallet is the normalized wallet address, empty when none was presented or it was malformed.
	Wallet string
	// PaymentTxHash is the raw payment proof header value.
	PaymentTxHash string
	IP            string
}

func (id Identity) HasWallet() bool  { return id.Wallet != "" }
func (id Identity) HasPayment() bool { return id.PaymentTxHash != "" }

// Kind is KindWallet when a wallet is present and KindIP otherwise.
func (id Identity) Kind() Kind {
	if id.HasWallet() {
		return KindWallet
	}
	return KindIP
}

// Value is the wallet or the IP, matching Kind.
func (id Identity) Value() string {
	if id.HasWallet() {
		return id.Wallet
	}
	return id.IP
}

// RateLimitKey is "wallet:<addr>" or "ip:<addr>"; never both.
func (id Identity) RateLimitKey() string {
	return string(id.Kind()) + ":" + id.Value()
}

// FromRequest reads the payment header, the wallet header (falling back to the bearer
// credential), and the client IP.
func FromRequest(r *http.Request) Identity {
	id := Identity{
		PaymentTxHash: strings.TrimSpace(r.Header.Get(HeaderPaymentTxHash)),
		IP:            ClientIP(r),
	}
	raw := strings.TrimSpace(r.Header.Get(HeaderWalletAddress))
	if raw == "" {
		raw = BearerWallet(r)
	}
	if w, ok := NormalizeWallet(raw); ok {
		id.Wallet = w
	}
	return id
}

// BearerWallet returns <wallet> from "Authorization: Bearer <wallet>:<signature>". The signature
// is not verified here.
func BearerWallet(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return ""
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	wallet, _, _ := strings.Cut(strings.TrimSpace(parts[1]), ":")
	return wallet
}

// NormalizeWallet lower-cases 0x addresses and accepts base58 32-byte keys verbatim, since base58
// is case sensitive. Anything else is rejected.
func NormalizeWallet(s string) (string, bool) {
	if s == "" {
		return "", false
	}
	if evmAddressRE.MatchString(s) {
		return strings.ToLower(s), true
	}
	if len(s) >= 32 && len(s) <= 44 {
		if b, err := base58.Decode(s); err == nil && len(b) == 32 {
			return s, true
		}
	}
	return "", false
}

// IsEVM reports whether a normalized wallet is an EVM address.
func IsEVM(wallet string) bool {
	return evmAddressRE.MatchString(wallet)
}

// ClientIP prefers the first X-Forwarded-For hop, then X-Real-IP, then RemoteAddr.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if xrip := strings.TrimSpace(r.Header.Get("X-Real-IP")); xrip != "" {
		return xrip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
