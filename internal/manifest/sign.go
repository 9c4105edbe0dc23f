package manifest

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"strings"
)

// JWS is a flattened JSON web signature. Payload is left empty for a
// detached signature.
type JWS struct {
	Protected string `json:"protected"`
	Payload   string `json:"payload,omitempty"`
	Signature string `json:"signature"`
}

type jwsHeader struct {
	Alg string `json:"alg"`
	Typ string `json:"typ"`
	B64 *bool  `json:"b64,omitempty"`
}

// SignDetached signs payload with the RSA key in privateKeyPEM using RS256.
func SignDetached(payload, privateKeyPEM []byte) (JWS, error) {
	priv, err := parseRSAPrivateKey(privateKeyPEM)
	if err != nil {
		return JWS{}, err
	}
	hb, err := json.Marshal(jwsHeader{Alg: "RS256", Typ: "JWT"})
	if err != nil {
		return JWS{}, err
	}
	protected := base64.RawURLEncoding.EncodeToString(hb)
	h := sha256.Sum256([]byte(protected + "." + base64.RawURLEncoding.EncodeToString(payload)))
	sig, err := rsa.SignPKCS1v15(rand.Reader, priv, crypto.SHA256, h[:])
	if err != nil {
		return JWS{}, err
	}
	return JWS{Protected: protected, Signature: base64.RawURLEncoding.EncodeToString(sig)}, nil
}

// VerifyDetached checks sig over payload against the RSA key of the PEM
// certificate certPEM.
func VerifyDetached(payload []byte, sig JWS, certPEM []byte) error {
	hb, err := base64.RawURLEncoding.DecodeString(sig.Protected)
	if err != nil {
		return fmt.Errorf("decode protected header: %w", err)
	}
	var hdr jwsHeader
	if err := json.Unmarshal(hb, &hdr); err != nil {
		return fmt.Errorf("parse protected header: %w", err)
	}
	if hdr.Alg != "RS256" {
		return fmt.Errorf("unsupported algorithm %q", hdr.Alg)
	}
	pl := base64.RawURLEncoding.EncodeToString(payload)
	if sig.Payload != "" && sig.Payload != pl {
		return errors.New("payload does not match signature")
	}
	raw, err := base64.RawURLEncoding.DecodeString(sig.Signature)
	if err != nil {
		return fmt.Errorf("decode signature: %w", err)
	}
	cert, err := parseCertificate(certPEM)
	if err != nil {
		return err
	}
	pub, ok := cert.PublicKey.(*rsa.PublicKey)
	if !ok {
		return errors.New("certificate does not hold an RSA key")
	}
	h := sha256.Sum256([]byte(sig.Protected + "." + pl))
	return rsa.VerifyPKCS1v15(pub, crypto.SHA256, h[:], raw)
}

// SignFile signs the manifest at path and writes the signature to sigPath.
// The manifest is updated to reference the signature and the signer
// certificate, if any, and is saved before signing.
func SignFile(m *Manifest, path, sigPath string, keyPEM, certPEM []byte) error {
	m.Signature = &Signature{Type: "JWS-RS256", SignatureFile: sigPath}
	if len(certPEM) > 0 {
		cert, err := parseCertificate(certPEM)
		if err != nil {
			return err
		}
		m.Signature.CertSubject = cert.Subject.String()
		m.Signature.Issuer = cert.Issuer.String()
	}
	if err := Save(*m, path); err != nil {
		return err
	}
	payload, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	sig, err := SignDetached(payload, keyPEM)
	if err != nil {
		return err
	}
	b, err := json.MarshalIndent(sig, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(sigPath, b, 0o644)
}

func parseRSAPrivateKey(pemBytes []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, errors.New("no pem block")
	}
	if strings.Contains(block.Type, "RSA") {
		return x509.ParsePKCS1PrivateKey(block.Bytes)
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	rk, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("private key is not RSA")
	}
	return rk, nil
}

func parseCertificate(pemBytes []byte) (*x509.Certificate, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, errors.New("no pem block")
	}
	return x509.ParseCertificate(block.Bytes)
}
