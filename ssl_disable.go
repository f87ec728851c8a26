//go:build go_typedb_ssl_disable
// +build go_typedb_ssl_disable

package typedb

import (
	"errors"
	"net"
	"time"
)

var errSslDisabled = errors.New("ssl support is disabled")

func sslDialTimeout(network, address string, timeout time.Duration,
	opts SslOpts) (net.Conn, error) {
	return nil, errSslDisabled
}
