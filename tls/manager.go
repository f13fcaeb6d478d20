package tls

import (
	"crypto/tls"
	"crypto/x509"
	"net"
	"os"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/acme"
	"golang.org/x/crypto/acme/autocert"

	"github.com/saiset-co/sai-offline/types"
)

var cipherSuites = []uint16{
	tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305,
	tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305,
	tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
	tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
}

// CertManager terminates TLS for the proxy, either from a static key pair
// or from certificates obtained through ACME.
type CertManager struct {
	logger      types.Logger
	config      *types.TLSConfig
	autocertMgr *autocert.Manager
	tlsConfig   *tls.Config
}

func NewCertManager(logger types.Logger, config *types.TLSConfig) (*CertManager, error) {
	if config == nil {
		return nil, types.ErrConfigIsNil
	}

	cm := &CertManager{
		logger: logger,
		config: config,
	}

	var err error
	if config.AutoCert {
		err = cm.initializeAutocert()
	} else {
		err = cm.loadKeyPair()
	}
	if err != nil {
		return nil, err
	}

	return cm, nil
}

func (cm *CertManager) Listen(addr string) (net.Listener, error) {
	ln, err := tls.Listen("tcp", addr, cm.tlsConfig)
	if err != nil {
		return nil, types.WrapError(err, "failed to create TLS listener")
	}

	cm.logger.Info("TLS listener started",
		zap.String("address", ln.Addr().String()),
		zap.Bool("auto_cert", cm.config.AutoCert))

	return ln, nil
}

func (cm *CertManager) TLSConfig() *tls.Config {
	return cm.tlsConfig
}

func (cm *CertManager) loadKeyPair() error {
	if cm.config.CertFile == "" || cm.config.KeyFile == "" {
		return types.Errorf(types.ErrInvalidParameter, "TLS enabled but cert_file or key_file not specified")
	}

	cert, err := tls.LoadX509KeyPair(cm.config.CertFile, cm.config.KeyFile)
	if err != nil {
		return types.WrapError(err, "failed to load certificate files")
	}

	if err := validateCertificate(cert); err != nil {
		return err
	}

	cm.tlsConfig = &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
		CipherSuites: cipherSuites,
	}

	return nil
}

func (cm *CertManager) initializeAutocert() error {
	if len(cm.config.Domains) == 0 {
		return types.Errorf(types.ErrInvalidParameter, "no domains specified for TLS certificate")
	}

	cacheDir := cm.config.CacheDir
	if cacheDir == "" {
		cacheDir = "./certs"
	}

	if err := os.MkdirAll(cacheDir, 0700); err != nil {
		return types.WrapError(err, "failed to create certificate cache directory")
	}

	cm.autocertMgr = &autocert.Manager{
		Cache:      autocert.DirCache(cacheDir),
		Prompt:     autocert.AcceptTOS,
		HostPolicy: autocert.HostWhitelist(cm.config.Domains...),
		Email:      cm.config.Email,
	}

	cm.tlsConfig = &tls.Config{
		GetCertificate: cm.autocertMgr.GetCertificate,
		NextProtos:     []string{"http/1.1", acme.ALPNProto},
		MinVersion:     tls.VersionTLS12,
		CipherSuites:   cipherSuites,
	}

	cm.logger.Info("ACME certificates enabled",
		zap.Strings("domains", cm.config.Domains),
		zap.String("cache_dir", cacheDir))

	return nil
}

func validateCertificate(cert tls.Certificate) error {
	if len(cert.Certificate) == 0 {
		return types.Errorf(types.ErrInvalidParameter, "certificate chain is empty")
	}

	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		return types.WrapError(err, "failed to parse certificate")
	}

	if time.Now().After(leaf.NotAfter) {
		return types.Errorf(types.ErrInvalidParameter, "certificate expired at %s", leaf.NotAfter.Format(time.RFC3339))
	}

	return nil
}
