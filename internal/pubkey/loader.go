package pubkey

import (
	"context"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
)

// Source describes where to load keys from.
type Source struct {
	ID                string
	Type              KeyType
	Location          string
	Issuer            string
	RefreshInterval   time.Duration
	UseProviderPrefix bool
	// Kid names the key of a PEM source. Defaults to DefaultKid.
	Kid string
}

// CacheID returns the cache key for kid under this source.
func (s Source) CacheID(kid string) string {
	if s.UseProviderPrefix {
		return s.ID + "_" + kid
	}
	return kid
}

// Loader loads every key a source currently offers.
type Loader interface {
	Load(ctx context.Context, src Source) ([]*Info, error)
}

// PEMLoader reads a PEM public key or certificate from a file or from inline
// PEM text.
type PEMLoader struct{}

func (PEMLoader) Load(_ context.Context, src Source) ([]*Info, error) {
	data := []byte(src.Location)
	if !strings.HasPrefix(strings.TrimSpace(src.Location), "-----BEGIN") {
		var err error
		data, err = os.ReadFile(src.Location)
		if err != nil {
			return nil, fmt.Errorf("read PEM %s: %w", src.Location, err)
		}
	}

	key, err := parsePEMPublicKey(data)
	if err != nil {
		return nil, err
	}

	kid := src.Kid
	if kid == "" {
		kid = DefaultKid
	}
	return []*Info{{
		Kid:      kid,
		SourceID: src.ID,
		Issuer:   src.Issuer,
		Type:     KeyTypePEM,
		Key:      key,
	}}, nil
}

func parsePEMPublicKey(data []byte) (any, error) {
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			return nil, fmt.Errorf("no public key PEM block found")
		}
		switch block.Type {
		case "PUBLIC KEY":
			return x509.ParsePKIXPublicKey(block.Bytes)
		case "RSA PUBLIC KEY":
			return x509.ParsePKCS1PublicKey(block.Bytes)
		case "CERTIFICATE":
			cert, err := x509.ParseCertificate(block.Bytes)
			if err != nil {
				return nil, fmt.Errorf("parse certificate: %w", err)
			}
			return cert.PublicKey, nil
		}
	}
}

// JWKSLoader fetches a JSON Web Key Set over HTTP.
type JWKSLoader struct {
	Client *http.Client
}

// NewJWKSLoader creates a loader whose fetches time out after timeout.
func NewJWKSLoader(timeout time.Duration) *JWKSLoader {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &JWKSLoader{Client: &http.Client{Timeout: timeout}}
}

func (l *JWKSLoader) Load(ctx context.Context, src Source) ([]*Info, error) {
	client := l.Client
	if client == nil {
		client = http.DefaultClient
	}
	set, err := jwk.Fetch(ctx, src.Location, jwk.WithHTTPClient(client))
	if err != nil {
		return nil, fmt.Errorf("fetch JWKS %s: %w", src.Location, err)
	}

	keys := make([]*Info, 0, set.Len())
	for i := 0; i < set.Len(); i++ {
		key, ok := set.Key(i)
		if !ok {
			continue
		}
		if key.KeyUsage() == string(jwk.ForEncryption) {
			continue
		}
		pub, err := jwk.PublicKeyOf(key)
		if err != nil {
			return nil, fmt.Errorf("JWKS %s: key %q: %w", src.Location, key.KeyID(), err)
		}
		var raw any
		if err := pub.Raw(&raw); err != nil {
			return nil, fmt.Errorf("JWKS %s: key %q: %w", src.Location, key.KeyID(), err)
		}
		kid := key.KeyID()
		if kid == "" {
			kid = DefaultKid
		}
		keys = append(keys, &Info{
			Kid:      kid,
			SourceID: src.ID,
			Issuer:   src.Issuer,
			Type:     KeyTypeJWKS,
			Key:      raw,
		})
	}
	return keys, nil
}
