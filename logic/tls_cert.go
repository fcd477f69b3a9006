package logic

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"time"
)

// GenerateSelfSignedCert lädt das Broker-Zertifikat aus dem Konfigurationsverzeichnis oder
// erzeugt ein neues, selbstsigniertes.
func GenerateSelfSignedCert(configPath string) (tls.Certificate, error) {
	// Zertifikatspfade aus Umgebungsvariablen holen
	certPath := os.Getenv("VIL_TLS_CERT")
	keyPath := os.Getenv("VIL_TLS_KEY")

	// Fallback auf Standardpfade, wenn Umgebungsvariablen nicht gesetzt sind
	if certPath == "" {
		certPath = filepath.Join(configPath, "server.crt")
	}
	if keyPath == "" {
		keyPath = filepath.Join(configPath, "server.key")
	}

	// Prüfen, ob Zertifikatsdateien bereits vorhanden sind
	if _, err := os.Stat(certPath); err == nil {
		if _, err := os.Stat(keyPath); err == nil {
			// Zertifikate laden, wenn sie existieren
			return tls.LoadX509KeyPair(certPath, keyPath)
		}
	}

	priv, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, err
	}

	notBefore := time.Now()
	notAfter := notBefore.Add(5 * 365 * 24 * time.Hour) // für 5 Jahre gültig

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return tls.Certificate{}, err
	}

	template := x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			Organization: []string{"Venus Influx Loader"},
			CommonName:   "venus-influx-loader",
		},
		DNSNames:  []string{"localhost"},
		NotBefore: notBefore,
		NotAfter:  notAfter,

		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}

	derBytes, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	if err != nil {
		return tls.Certificate{}, err
	}

	privBytes, err := x509.MarshalECPrivateKey(priv)
	if err != nil {
		return tls.Certificate{}, err
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: derBytes})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: privBytes})

	if err := os.WriteFile(certPath, certPEM, 0o644); err != nil {
		return tls.Certificate{}, err
	}
	// privater Schlüssel nur für den Besitzer lesbar
	if err := os.WriteFile(keyPath, keyPEM, 0o600); err != nil {
		return tls.Certificate{}, err
	}

	return tls.LoadX509KeyPair(certPath, keyPath)
}
