//go:build !go_typedb_ssl_disable
// +build !go_typedb_ssl_disable

package typedb

import (
	"fmt"
	"net"
	"os"
	"time"

	"github.com/tarantool/go-openssl"
)

func sslDialTimeout(network, address string, timeout time.Duration,
	opts SslOpts) (net.Conn, error) {
	ctx, err := sslCreateContext(opts)
	if err != nil {
		return nil, fmt.Errorf("ssl context: %w", err)
	}
	return openssl.DialTimeout(network, address, timeout, ctx, 0)
}

func sslCreateContext(opts SslOpts) (*openssl.Ctx, error) {
	ctx, err := openssl.NewCtxWithVersion(openssl.TLSv1_2)
	if err != nil {
		return nil, err
	}
	ctx.SetMaxProtoVersion(openssl.TLS1_2_VERSION)
	ctx.SetMinProtoVersion(openssl.TLS1_2_VERSION)

	if opts.CertFile != "" {
		if err = sslLoadCert(ctx, opts.CertFile); err != nil {
			return nil, err
		}
	}
	if opts.KeyFile != "" {
		if err = sslLoadKey(ctx, opts.KeyFile); err != nil {
			return nil, err
		}
	}
	if opts.CaFile != "" {
		if err = ctx.LoadVerifyLocations(opts.CaFile, ""); err != nil {
			return nil, err
		}
		ctx.SetVerify(openssl.VerifyPeer|openssl.VerifyFailIfNoPeerCert, nil)
	}
	if opts.Ciphers != "" {
		if err = ctx.SetCipherList(opts.Ciphers); err != nil {
			return nil, err
		}
	}
	return ctx, nil
}

// sslLoadCert uses the first certificate of the file as the client one and
// the rest as its chain.
func sslLoadCert(ctx *openssl.Ctx, certFile string) error {
	pemBytes, err := os.ReadFile(certFile)
	if err != nil {
		return err
	}

	certs := openssl.SplitPEM(pemBytes)
	if len(certs) == 0 {
		return fmt.Errorf("no PEM certificate found in %s", certFile)
	}
	for i, pem := range certs {
		cert, err := openssl.LoadCertificateFromPEM(pem)
		if err != nil {
			return err
		}
		if i == 0 {
			err = ctx.UseCertificate(cert)
		} else {
			err = ctx.AddChainCertificate(cert)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func sslLoadKey(ctx *openssl.Ctx, keyFile string) error {
	keyBytes, err := os.ReadFile(keyFile)
	if err != nil {
		return err
	}
	key, err := openssl.LoadPrivateKeyFromPEM(keyBytes)
	if err != nil {
		return err
	}
	return ctx.UsePrivateKey(key)
}
