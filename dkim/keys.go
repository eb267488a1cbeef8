package dkim

import (
	"crypto/rsa"
	"crypto/x509"
	"fmt"
)

// parsePKIXOrPKCS1 decodes a DKIM p= public key value, which publishers
// encode as either a bare PKCS#1 RSAPublicKey or (more commonly today) a
// PKIX SubjectPublicKeyInfo.
func parsePKIXOrPKCS1(der []byte) (*rsa.PublicKey, error) {
	if pub, err := x509.ParsePKIXPublicKey(der); err == nil {
		rsaKey, ok := pub.(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("dkim: public key is not RSA")
		}
		return rsaKey, nil
	}
	if pub, err := x509.ParsePKCS1PublicKey(der); err == nil {
		return pub, nil
	}
	return nil, fmt.Errorf("dkim: unable to parse public key")
}
