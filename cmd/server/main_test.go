package main

import (
	"crypto/tls"
	"testing"

	"github.com/stretchr/testify/require"

	"bazaarchat/pkg/config"
)

func TestBuildTLSConfig_SelfSignedOutsideProduction(t *testing.T) {
	t.Setenv("TLS_CERT", "")
	t.Setenv("TLS_KEY", "")
	cfg := config.Config{Env: "development", TLS: config.TLSConfig{Enable: true, AllowSelfSigned: true}}

	tlsCfg, certFile, keyFile, err := buildTLSConfig(cfg)
	require.NoError(t, err)
	require.Empty(t, certFile)
	require.Empty(t, keyFile)
	require.Len(t, tlsCfg.Certificates, 1)
	require.Equal(t, uint16(tls.VersionTLS12), tlsCfg.MinVersion)
}

func TestBuildTLSConfig_NoCertificates(t *testing.T) {
	t.Setenv("TLS_CERT", "")
	t.Setenv("TLS_KEY", "")

	_, _, _, err := buildTLSConfig(config.Config{Env: "development", TLS: config.TLSConfig{Enable: true}})
	require.Error(t, err)

	_, _, _, err = buildTLSConfig(config.Config{Env: "production", TLS: config.TLSConfig{Enable: true, AllowSelfSigned: true}})
	require.Error(t, err)
}

func TestBuildTLSConfig_MissingFiles(t *testing.T) {
	cfg := config.Config{TLS: config.TLSConfig{CertPath: "/nonexistent/cert.pem", KeyPath: "/nonexistent/key.pem"}}
	_, _, _, err := buildTLSConfig(cfg)
	require.Error(t, err)
}
