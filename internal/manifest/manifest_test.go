package manifest

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/require"
)

func writeFiles(t *testing.T, files map[string]string) []string {
	t.Helper()
	dir := t.TempDir()
	var paths []string
	for name, body := range files {
		p := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
		paths = append(paths, p)
	}
	return paths
}

func TestBuildAndVerify(t *testing.T) {
	paths := writeFiles(t, map[string]string{
		"a.srr":  "descriptor",
		"a.r00":  "volume two",
		"a.rar":  "volume one",
		"a.nfo":  "info",
		"s.srs":  "sample",
		"a.sfv":  "a.rar 00000000",
		"x.mkv":  "matroska",
		"a.part": "other",
	})
	m, err := Build(context.Background(), paths, 3)
	require.NoError(t, err)
	require.Len(t, m.Items, len(paths))
	require.Equal(t, "sha256", m.Algorithm)
	for i, it := range m.Items {
		require.Equal(t, paths[i], it.Path)
		body, err := os.ReadFile(it.Path)
		require.NoError(t, err)
		require.Equal(t, digest.FromBytes(body), it.Digest)
		require.EqualValues(t, len(body), it.Size)
		require.Len(t, it.CRC, 8)
	}

	types := map[string]string{}
	for _, it := range m.Items {
		types[filepath.Base(it.Path)] = it.Type
	}
	require.Equal(t, "srr", types["a.srr"])
	require.Equal(t, "rar", types["a.r00"])
	require.Equal(t, "rar", types["a.rar"])
	require.Equal(t, "srs", types["s.srs"])
	require.Equal(t, "sample", types["x.mkv"])
	require.Equal(t, "other", types["a.part"])

	changed, err := Verify(context.Background(), m, 2)
	require.NoError(t, err)
	require.Empty(t, changed)

	require.NoError(t, os.WriteFile(paths[0], []byte("tampered"), 0o644))
	changed, err = Verify(context.Background(), m, 2)
	require.NoError(t, err)
	require.Equal(t, []string{paths[0]}, changed)
}

func TestBuildMissingFile(t *testing.T) {
	_, err := Build(context.Background(), []string{filepath.Join(t.TempDir(), "none")}, 1)
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestSaveLoadDigest(t *testing.T) {
	paths := writeFiles(t, map[string]string{"a.rar": "x"})
	m, err := Build(context.Background(), paths, 0)
	require.NoError(t, err)
	out := filepath.Join(t.TempDir(), "manifest.json")
	require.NoError(t, Save(m, out))

	loaded, err := Load(out)
	require.NoError(t, err)
	require.Equal(t, m.Items, loaded.Items)

	d, err := Digest(m)
	require.NoError(t, err)
	raw, err := os.ReadFile(out)
	require.NoError(t, err)
	require.Equal(t, digest.FromBytes(raw), d)
}

func testKeyPair(t *testing.T) ([]byte, []byte) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "release signer"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	return keyPEM, certPEM
}

func TestSignAndVerify(t *testing.T) {
	keyPEM, certPEM := testKeyPair(t)
	paths := writeFiles(t, map[string]string{"a.srr": "descriptor"})
	m, err := Build(context.Background(), paths, 1)
	require.NoError(t, err)

	dir := t.TempDir()
	out := filepath.Join(dir, "manifest.json")
	sigPath := filepath.Join(dir, "manifest.jws")
	require.NoError(t, SignFile(&m, out, sigPath, keyPEM, certPEM))
	require.Equal(t, "CN=release signer", m.Signature.CertSubject)

	payload, err := os.ReadFile(out)
	require.NoError(t, err)
	raw, err := os.ReadFile(sigPath)
	require.NoError(t, err)
	var sig JWS
	require.NoError(t, json.Unmarshal(raw, &sig))
	require.Empty(t, sig.Payload)
	require.NoError(t, VerifyDetached(payload, sig, certPEM))

	payload[0] ^= 0xff
	require.Error(t, VerifyDetached(payload, sig, certPEM))
}

func TestSignRejectsBadKey(t *testing.T) {
	_, err := SignDetached([]byte("x"), []byte("not pem"))
	require.Error(t, err)
}
