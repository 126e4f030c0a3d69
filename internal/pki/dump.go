package pki

import (
	"crypto/x509"
	"fmt"
	"strings"
	"time"
)

// CertificateText renders a one-line summary of cert for diagnostic dumps.
func CertificateText(cert *x509.Certificate) string {
	var b strings.Builder
	fmt.Fprintf(&b, "subject=CN=%s issuer=CN=%s serial=%x",
		cert.Subject.CommonName, cert.Issuer.CommonName, cert.SerialNumber)
	fmt.Fprintf(&b, " notBefore=%s notAfter=%s",
		cert.NotBefore.Format(time.RFC3339), cert.NotAfter.Format(time.RFC3339))
	if len(cert.DNSNames) > 0 {
		fmt.Fprintf(&b, " dns=%s", strings.Join(cert.DNSNames, ","))
	}
	if len(cert.IPAddresses) > 0 {
		ips := make([]string, 0, len(cert.IPAddresses))
		for _, ip := range cert.IPAddresses {
			ips = append(ips, ip.String())
		}
		fmt.Fprintf(&b, " ip=%s", strings.Join(ips, ","))
	}
	if cert.IsCA {
		b.WriteString(" ca=true")
	}
	if IsMarkedForged(cert) {
		b.WriteString(" marked=true")
	}
	return b.String()
}
