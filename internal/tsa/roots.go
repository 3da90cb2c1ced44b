package tsa

import (
	"crypto/x509"
	"errors"
	"fmt"
	"os"
)

// LoadRoots reads a PEM bundle of trusted authority roots. An empty path
// returns a nil pool, which disables chain validation.
func LoadRoots(path string) (*x509.CertPool, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tsa roots: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(data) {
		return nil, errors.New("tsa roots: no certificates found")
	}
	return pool, nil
}
