/*
listd - Mailing list manager.
Copyright © 2019-2020 Max Mazurov <fox.cpp@disroot.org>, Maddy Mail Server contributors
Copyright © 2024 listd contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package outgoing

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/emersion/go-message/textproto"
	"github.com/emersion/go-msgauth/dkim"
	"github.com/foxcpp/listd/framework/log"
	"github.com/foxcpp/listd/internal/mailmsg"
)

var (
	oversignFields = []string{
		"Subject", "Sender", "To", "Cc", "From", "Date",
		"MIME-Version", "Content-Type", "Content-Transfer-Encoding",
		"Reply-To", "In-Reply-To", "Message-Id", "References",
	}
	signFields = []string{
		"List-Id", "List-Help", "List-Unsubscribe", "List-Subscribe",
		"List-Post", "List-Owner", "List-Archive", "Archived-At",
		"Precedence",
	}
)

// Signer adds DKIM signatures for the list domain to outgoing messages.
type Signer struct {
	Domain   string
	Selector string
	Key      crypto.Signer
	Expiry   time.Duration
}

// LoadSigner reads the private key from keyPath, generating an Ed25519 key
// (and the .dns file with the record to publish) if it does not exist.
func LoadSigner(domain, selector, keyPath string, logger log.Logger) (*Signer, error) {
	key, err := loadOrGenerateKey(keyPath, logger)
	if err != nil {
		return nil, err
	}
	return &Signer{Domain: domain, Selector: selector, Key: key, Expiry: 5 * 24 * time.Hour}, nil
}

func loadOrGenerateKey(keyPath string, logger log.Logger) (crypto.Signer, error) {
	pemBlob, err := os.ReadFile(keyPath)
	if err != nil {
		if os.IsNotExist(err) {
			return generateKey(keyPath, logger)
		}
		return nil, err
	}

	block, _ := pem.Decode(pemBlob)
	if block == nil {
		return nil, fmt.Errorf("dkim: %s: invalid PEM block", keyPath)
	}

	var key interface{}
	switch block.Type {
	case "PRIVATE KEY":
		key, err = x509.ParsePKCS8PrivateKey(block.Bytes)
	case "RSA PRIVATE KEY":
		key, err = x509.ParsePKCS1PrivateKey(block.Bytes)
	case "EC PRIVATE KEY":
		key, err = x509.ParseECPrivateKey(block.Bytes)
	default:
		return nil, fmt.Errorf("dkim: %s: not a private key or unsupported format", keyPath)
	}
	if err != nil {
		return nil, fmt.Errorf("dkim: %s: %w", keyPath, err)
	}

	switch key := key.(type) {
	case *rsa.PrivateKey:
		if err := key.Validate(); err != nil {
			return nil, err
		}
		key.Precompute()
		return key, nil
	case ed25519.PrivateKey:
		return key, nil
	case *ecdsa.PrivateKey:
		return nil, fmt.Errorf("dkim: %s: ECDSA keys are not supported", keyPath)
	default:
		return nil, fmt.Errorf("dkim: %s: unknown key type: %T", keyPath, key)
	}
}

func generateKey(keyPath string, logger log.Logger) (crypto.Signer, error) {
	logger.Printf("generating a new ed25519 DKIM key at %s", keyPath)

	_, pkey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	keyBlob, err := x509.MarshalPKCS8PrivateKey(pkey)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(keyPath), 0o755); err != nil {
		return nil, err
	}

	record := fmt.Sprintf("v=DKIM1; k=ed25519; p=%s", base64.StdEncoding.EncodeToString(pkey.Public().(ed25519.PublicKey)))
	dnsPath := strings.TrimSuffix(keyPath, ".key") + ".dns"
	if err := os.WriteFile(dnsPath, []byte(record), 0o644); err != nil {
		return nil, err
	}

	f, err := os.OpenFile(keyPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	if err := pem.Encode(f, &pem.Block{Type: "PRIVATE KEY", Bytes: keyBlob}); err != nil {
		return nil, err
	}
	return pkey, nil
}

func fieldsToSign(h *textproto.Header) []string {
	res := make([]string, 0, len(oversignFields)*2+len(signFields))
	for _, key := range oversignFields {
		for field := h.FieldsByKey(key); field.Next(); {
			res = append(res, key)
		}
		res = append(res, key)
	}
	for _, key := range signFields {
		for field := h.FieldsByKey(key); field.Next(); {
			res = append(res, key)
		}
	}
	return res
}

// Sign adds the DKIM-Signature field to msg.
func (s *Signer) Sign(msg *mailmsg.Message, now time.Time) error {
	opts := dkim.SignOptions{
		Domain:                 s.Domain,
		Selector:               s.Selector,
		Identifier:             "@" + s.Domain,
		Signer:                 s.Key,
		Hash:                   crypto.SHA256,
		HeaderCanonicalization: dkim.CanonicalizationRelaxed,
		BodyCanonicalization:   dkim.CanonicalizationRelaxed,
		HeaderKeys:             fieldsToSign(&msg.Header),
	}
	if s.Expiry != 0 {
		opts.Expiration = now.Add(s.Expiry)
	}
	signer, err := dkim.NewSigner(&opts)
	if err != nil {
		return fmt.Errorf("dkim: %w", err)
	}
	if err := textproto.WriteHeader(signer, msg.Header); err != nil {
		signer.Close()
		return fmt.Errorf("dkim: %w", err)
	}
	if _, err := signer.Write(msg.Body); err != nil {
		signer.Close()
		return fmt.Errorf("dkim: %w", err)
	}
	if err := signer.Close(); err != nil {
		return fmt.Errorf("dkim: %w", err)
	}
	msg.Header.AddRaw([]byte(signer.Signature()))
	return nil
}

// signed returns a signed copy of msg, or msg itself if s is nil.
func (s *Signer) signed(msg *mailmsg.Message, now time.Time) (*mailmsg.Message, error) {
	if s == nil {
		return msg, nil
	}
	c := msg.Copy()
	if err := s.Sign(c, now); err != nil {
		return nil, err
	}
	return c, nil
}
