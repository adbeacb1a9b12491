package tls

import (
	"crypto/tls"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSelfSignedRoundTrip(t *testing.T) {
	dir := t.TempDir()
	certFile := filepath.Join(dir, "cert.pem")
	keyFile := filepath.Join(dir, "key.pem")
	require.NoError(t, GenerateSelfSignedCert(certFile, keyFile, "spotguard", "10.0.0.1", "node.internal"))

	info, err := os.Stat(keyFile)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	serverCfg, err := LoadTLSConfig(certFile, keyFile, "")
	require.NoError(t, err)
	assert.Equal(t, uint16(tls.VersionTLS12), serverCfg.MinVersion)
	assert.Equal(t, tls.NoClientCert, serverCfg.ClientAuth)

	srv := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	srv.TLS = serverCfg
	srv.StartTLS()
	defer srv.Close()

	clientCfg, err := LoadClientTLSConfig(certFile)
	require.NoError(t, err)
	client := &http.Client{Transport: &http.Transport{TLSClientConfig: clientCfg}}
	resp, err := client.Get(srv.URL)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestLoadTLSConfigWithClientCA(t *testing.T) {
	dir := t.TempDir()
	certFile := filepath.Join(dir, "cert.pem")
	keyFile := filepath.Join(dir, "key.pem")
	require.NoError(t, GenerateSelfSignedCert(certFile, keyFile, "spotguard"))

	cfg, err := LoadTLSConfig(certFile, keyFile, certFile)
	require.NoError(t, err)
	assert.Equal(t, tls.RequireAndVerifyClientCert, cfg.ClientAuth)
	assert.NotNil(t, cfg.ClientCAs)
}

func TestEnsureCert(t *testing.T) {
	dir := t.TempDir()
	certFile := filepath.Join(dir, "certs", "cert.pem")
	keyFile := filepath.Join(dir, "certs", "key.pem")

	created, err := EnsureCert(certFile, keyFile, "spotguard")
	require.NoError(t, err)
	assert.True(t, created)
	first, err := os.ReadFile(certFile)
	require.NoError(t, err)

	created, err = EnsureCert(certFile, keyFile, "spotguard")
	require.NoError(t, err)
	assert.False(t, created, "existing certificate is kept")
	second, err := os.ReadFile(certFile)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	_, err = LoadTLSConfig(certFile, keyFile, "")
	assert.NoError(t, err)
}

func TestLoadErrors(t *testing.T) {
	dir := t.TempDir()
	_, err := LoadTLSConfig(filepath.Join(dir, "missing.pem"), filepath.Join(dir, "missing.key"), "")
	assert.Error(t, err)

	junk := filepath.Join(dir, "junk.pem")
	require.NoError(t, os.WriteFile(junk, []byte("not pem"), 0o644))
	_, err = LoadClientTLSConfig(junk)
	assert.Error(t, err)
}
