package protocol_test

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/LLIEPJIOK/service-mesh/requests/pkg/protocol"
)

func TestCertificate_Validate(t *testing.T) {
	ec := generateCertificate(t, "ec")
	other := generateCertificate(t, "other")
	rsaCert := generateRSACertificate(t)

	tests := []struct {
		name    string
		cert    protocol.Certificate
		wantErr error
	}{
		{"ec key", ec, nil},
		{"rsa pkcs1 key", rsaCert, nil},
		{"empty", protocol.Certificate{}, protocol.ErrInvalidCert},
		{
			"key block is not a certificate",
			protocol.Certificate{CertificatePEM: ec.PrivateKeyPEM, PrivateKeyPEM: ec.PrivateKeyPEM},
			protocol.ErrInvalidCert,
		},
		{
			"missing key",
			protocol.Certificate{CertificatePEM: ec.CertificatePEM},
			protocol.ErrInvalidKey,
		},
		{
			"foreign key",
			protocol.Certificate{CertificatePEM: ec.CertificatePEM, PrivateKeyPEM: other.PrivateKeyPEM},
			protocol.ErrKeyMismatch,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cert.Validate()
			if tt.wantErr == nil {
				require.NoError(t, err)
				return
			}

			require.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func generateRSACertificate(t *testing.T) protocol.Certificate {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	template := &x509.Certificate{
		SerialNumber: big.NewInt(2),
		Subject:      pkix.Name{CommonName: "rsa"},
		NotBefore:    time.Now(),
		NotAfter:     time.Now().Add(time.Hour),
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	require.NoError(t, err)

	return protocol.Certificate{
		CertificatePEM: pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
		PrivateKeyPEM: pem.EncodeToMemory(&pem.Block{
			Type:  "RSA PRIVATE KEY",
			Bytes: x509.MarshalPKCS1PrivateKey(key),
		}),
	}
}
