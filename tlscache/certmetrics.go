// SPDX-License-Identifier: GPL-3.0-or-later

package tlscache

import (
	"crypto/x509"
	"time"
)

// CertificateValidity reports the pull-style gauges spec §6 calls for:
// tls.certificate.validity (0 or 1) and tls.certificate.validity.days.
// An expired certificate yields (0, -1). The actual metrics backend is
// out of scope (Non-goals); this only computes the values to export.
func CertificateValidity(cert *x509.Certificate, now time.Time) (valid int, daysRemaining int) {
	if now.Before(cert.NotBefore) || now.After(cert.NotAfter) {
		return 0, -1
	}
	remaining := cert.NotAfter.Sub(now)
	return 1, int(remaining / (24 * time.Hour))
}
