package dbadapter

import (
	"crypto/tls"
	"crypto/x509"
	"regexp"
	"strings"

	"github.com/syncwarehouse/syncwarehouse/pkg/dbutil"
)

// rdsAddr matches Amazon RDS hostnames, the pattern spirit's dbconn
// package uses to detect when to reach for RDS-flavored TLS. This module
// doesn't carry spirit's embedded RDS bundle asset (it was never part of
// the retrieved file set), and buildTLSConfig does not consult IsRDSHost:
// every verifying mode uses the host's system trust store whatever the
// host — still real TLS, just sourced from the OS rather than a baked-in
// certificate.
var rdsAddr = regexp.MustCompile(`\.rds\.amazonaws\.com(:\d+)?$`)

// IsRDSHost reports whether host looks like an Amazon RDS endpoint.
func IsRDSHost(host string) bool {
	return rdsAddr.MatchString(host)
}

// TLSMode mirrors the SSL modes libpq and spirit's dbconn both expose.
type TLSMode string

const (
	TLSDisabled       TLSMode = "disabled"
	TLSPreferred      TLSMode = "preferred"
	TLSRequired       TLSMode = "required"
	TLSVerifyCA       TLSMode = "verify_ca"
	TLSVerifyIdentity TLSMode = "verify_identity"
)

// buildTLSConfig builds a *tls.Config for the given mode and host using the
// system certificate pool. A nil return means "do not use TLS".
func buildTLSConfig(mode TLSMode, host string) (*tls.Config, error) {
	switch TLSMode(strings.ToLower(string(mode))) {
	case TLSDisabled, "":
		return nil, nil
	case TLSPreferred:
		return &tls.Config{InsecureSkipVerify: true}, nil
	case TLSRequired:
		pool, err := x509.SystemCertPool()
		if err != nil {
			pool = x509.NewCertPool()
		}
		return &tls.Config{RootCAs: pool, InsecureSkipVerify: true}, nil
	case TLSVerifyCA:
		pool, err := x509.SystemCertPool()
		if err != nil {
			pool = x509.NewCertPool()
		}
		return &tls.Config{RootCAs: pool, InsecureSkipVerify: true, VerifyPeerCertificate: verifyChainOnly(pool)}, nil
	case TLSVerifyIdentity:
		pool, err := x509.SystemCertPool()
		if err != nil {
			pool = x509.NewCertPool()
		}
		return &tls.Config{RootCAs: pool, ServerName: dbutil.StripPort(host)}, nil
	default:
		return nil, nil
	}
}

// verifyChainOnly validates the certificate chain against pool without
// checking hostname, the VERIFY_CA behavior spirit's NewCustomTLSConfig
// implements by hand for the same reason: libpq and the MySQL driver don't
// expose a "verify chain but not hostname" mode directly.
func verifyChainOnly(pool *x509.CertPool) func([][]byte, [][]*x509.Certificate) error {
	return func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		if len(rawCerts) == 0 {
			return tls.RecordHeaderError{}
		}
		certs := make([]*x509.Certificate, 0, len(rawCerts))
		for _, raw := range rawCerts {
			cert, err := x509.ParseCertificate(raw)
			if err != nil {
				return err
			}
			certs = append(certs, cert)
		}
		intermediates := x509.NewCertPool()
		for _, c := range certs[1:] {
			intermediates.AddCert(c)
		}
		_, err := certs[0].Verify(x509.VerifyOptions{Roots: pool, Intermediates: intermediates})
		return err
	}
}
