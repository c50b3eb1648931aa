package dkim

import (
	"bufio"
	"bytes"
	"crypto"
	"crypto/x509"
	"encoding/pem"
	"os"
	"strings"

	"github.com/emersion/go-message/textproto"
	msgauthdkim "github.com/emersion/go-msgauth/dkim"
	"xorkevin.dev/kerrors"

	"mailpipe/internal/email"
)

var (
	// ErrConfig is returned for an unusable signing configuration
	ErrConfig errConfig
	// ErrSign is returned when a payload cannot be signed
	ErrSign errSign
)

type (
	errConfig struct{}
	errSign   struct{}
)

func (e errConfig) Error() string {
	return "Invalid DKIM config"
}

func (e errSign) Error() string {
	return "Failed to sign message"
}

// Headers covered by the signature. Compose always writes all of them.
var signedHeaders = []string{
	"from",
	"to",
	"subject",
	"date",
	"message-id",
	"mime-version",
	"content-type",
}

// Signer adds a DKIM-Signature header to composed messages. A nil Signer
// returns payloads unchanged.
type Signer struct {
	domain   string
	selector string
	key      crypto.Signer
}

// Options configures DKIM signing. All fields empty disables signing.
type Options struct {
	Selector string
	// KeyPath or PrivateKey supply the PEM encoded private key; PrivateKey wins.
	KeyPath    string
	PrivateKey string
	// Domain overrides the sender's domain as the d= tag.
	Domain string
}

func (o Options) empty() bool {
	return o.Selector == "" && o.KeyPath == "" && o.PrivateKey == "" && o.Domain == ""
}

// New returns nil, nil when opts is empty.
func New(opts Options) (*Signer, error) {
	opts.Selector = strings.TrimSpace(opts.Selector)
	opts.KeyPath = strings.TrimSpace(opts.KeyPath)
	opts.Domain = strings.ToLower(strings.TrimSpace(opts.Domain))
	if opts.empty() {
		return nil, nil
	}
	if opts.Selector == "" {
		return nil, kerrors.WithKind(nil, ErrConfig, "SMTP_DKIM_SELECTOR is required when enabling DKIM")
	}

	pemData := []byte(opts.PrivateKey)
	if len(pemData) == 0 {
		if opts.KeyPath == "" {
			return nil, kerrors.WithKind(nil, ErrConfig, "Provide SMTP_DKIM_KEY_PATH or SMTP_DKIM_PRIVATE_KEY")
		}
		b, err := os.ReadFile(opts.KeyPath)
		if err != nil {
			return nil, kerrors.WithKind(err, ErrConfig, "Failed to read private key")
		}
		pemData = b
	}
	key, err := parsePrivateKey(pemData)
	if err != nil {
		return nil, kerrors.WithKind(err, ErrConfig, "Failed to parse private key")
	}
	return &Signer{
		domain:   opts.Domain,
		selector: opts.Selector,
		key:      key,
	}, nil
}

// Selector returns the s= tag.
func (s *Signer) Selector() string {
	if s == nil {
		return ""
	}
	return s.selector
}

// Domain returns the configured d= tag, empty when it follows the sender.
func (s *Signer) Domain() string {
	if s == nil {
		return ""
	}
	return s.domain
}

// Sign signs message on behalf of from. A message that already carries a
// DKIM-Signature is returned as is.
func (s *Signer) Sign(message []byte, from string) ([]byte, error) {
	if s == nil {
		return message, nil
	}
	signed, err := hasSignature(message)
	if err != nil {
		return nil, kerrors.WithKind(err, ErrSign, "Malformed message header")
	}
	if signed {
		return message, nil
	}

	domain := s.domain
	if domain == "" {
		d, err := email.Domain(from)
		if err != nil {
			return nil, kerrors.WithKind(err, ErrSign, "No signing domain")
		}
		domain = d
	}

	var b bytes.Buffer
	if err := msgauthdkim.Sign(&b, bytes.NewReader(crlf(message)), &msgauthdkim.SignOptions{
		Domain:                 domain,
		Selector:               s.selector,
		Signer:                 s.key,
		HeaderCanonicalization: msgauthdkim.CanonicalizationRelaxed,
		BodyCanonicalization:   msgauthdkim.CanonicalizationRelaxed,
		HeaderKeys:             signedHeaders,
	}); err != nil {
		return nil, kerrors.WithKind(err, ErrSign, "DKIM signing failed")
	}
	return b.Bytes(), nil
}

func parsePrivateKey(pemData []byte) (crypto.Signer, error) {
	for {
		block, rest := pem.Decode(pemData)
		if block == nil {
			return nil, kerrors.WithMsg(nil, "No private key in PEM data")
		}
		switch block.Type {
		case "RSA PRIVATE KEY":
			key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
			if err != nil {
				return nil, err
			}
			return key, nil
		case "PRIVATE KEY":
			key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
			if err != nil {
				return nil, err
			}
			signer, ok := key.(crypto.Signer)
			if !ok {
				return nil, kerrors.WithMsg(nil, "Unsupported PKCS#8 key type")
			}
			return signer, nil
		}
		pemData = rest
	}
}

func hasSignature(message []byte) (bool, error) {
	h, err := textproto.ReadHeader(bufio.NewReader(bytes.NewReader(message)))
	if err != nil {
		return false, err
	}
	return h.Has("Dkim-Signature"), nil
}

// crlf converts bare LF line endings.
func crlf(data []byte) []byte {
	if bytes.Contains(data, []byte("\r\n")) || !bytes.Contains(data, []byte("\n")) {
		return data
	}
	return bytes.ReplaceAll(data, []byte("\n"), []byte("\r\n"))
}
