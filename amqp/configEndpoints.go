package amqp

import (
	"crypto/tls"
	"fmt"
	"io/ioutil"
	"net"
	"net/url"
	"strconv"
	"time"

	"github.com/peake100/rabbitSession-go/amqp/amqptransport"
	"github.com/pkg/errors"
	streadway "github.com/streadway/amqp"
	"golang.org/x/crypto/pkcs12"
)

var tlsVersions = map[string]uint16{
	"":        tls.VersionTLS12,
	"TLSv1.2": tls.VersionTLS12,
	"TLSv1.3": tls.VersionTLS13,
}

// validate checks the options that can be checked without touching the network.
func (opts ConnectOptions) validate() error {
	if opts.Port < 0 || opts.Port > 65535 {
		return errors.Wrapf(ErrInvalidOptions, "port %v out of range", opts.Port)
	}
	if opts.Heartbeat < 0 {
		return errors.Wrap(ErrInvalidOptions, "heartbeat must not be negative")
	}
	if opts.ConnectionTimeout < 0 {
		return errors.Wrap(ErrInvalidOptions, "connection timeout must not be negative")
	}
	if opts.NetworkRecoveryInterval < 0 {
		return errors.Wrap(ErrInvalidOptions, "network recovery interval must not be negative")
	}
	if opts.ThreadPoolSize < 0 {
		return errors.Wrap(ErrInvalidOptions, "thread pool size must not be negative")
	}
	if _, ok := tlsVersions[opts.TLSProtocol]; !ok {
		return errors.Wrapf(ErrInvalidOptions, "unknown tls protocol %q", opts.TLSProtocol)
	}
	if opts.URI == "" && opts.Host == "" && len(opts.Hosts) == 0 {
		return errors.Wrap(ErrInvalidOptions, "no host, hosts or uri given")
	}
	return nil
}

// brokerAddress is the resolved set of connection parameters shared by every host.
type brokerAddress struct {
	tls         bool
	port        int
	virtualHost string
	username    string
	password    string
	hosts       []string
}

func (opts ConnectOptions) resolveAddress() (brokerAddress, error) {
	address := brokerAddress{
		tls:         opts.TLS,
		port:        opts.Port,
		virtualHost: opts.VirtualHost,
		username:    opts.Username,
		password:    opts.Password,
		hosts:       opts.Hosts,
	}

	if opts.URI != "" {
		uri, err := streadway.ParseURI(opts.URI)
		if err != nil {
			return address, errors.Wrapf(ErrInvalidOptions, "parse uri: %v", err)
		}
		address.tls = address.tls || uri.Scheme == "amqps"
		address.port = uri.Port
		address.virtualHost = uri.Vhost
		address.username = uri.Username
		address.password = uri.Password
		if len(address.hosts) == 0 {
			address.hosts = []string{uri.Host}
		}
	} else if len(address.hosts) == 0 {
		address.hosts = []string{opts.Host}
	}

	if address.port == 0 {
		address.port = defaultPort
		if address.tls {
			address.port = defaultTLSPort
		}
	}
	if address.virtualHost == "" {
		address.virtualHost = defaultVirtualHost
	}

	return address, nil
}

// hostPort splits host into host and port, falling back to defaultPort when host
// carries no port.
func hostPort(host string, defaultPort int) (string, int, error) {
	name, portText, err := net.SplitHostPort(host)
	if err != nil {
		// No port in the address.
		return host, defaultPort, nil
	}

	port, err := strconv.Atoi(portText)
	if err != nil {
		return "", 0, errors.Wrapf(ErrInvalidOptions, "bad port in host %q", host)
	}
	return name, port, nil
}

// endpoints builds one transport endpoint per broker host, in failover order.
func (opts ConnectOptions) endpoints() ([]amqptransport.Endpoint, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}

	address, err := opts.resolveAddress()
	if err != nil {
		return nil, err
	}

	var tlsConfig *tls.Config
	if address.tls {
		tlsConfig, err = opts.tlsConfig()
		if err != nil {
			return nil, err
		}
	}

	scheme := "amqp"
	if address.tls {
		scheme = "amqps"
	}

	endpoints := make([]amqptransport.Endpoint, 0, len(address.hosts))
	for _, host := range address.hosts {
		name, port, err := hostPort(host, address.port)
		if err != nil {
			return nil, err
		}

		config := streadway.Config{
			Vhost:     address.virtualHost,
			Heartbeat: opts.Heartbeat,
			Locale:    defaultLocale,
			Dial:      dialWithTimeout(opts.ConnectionTimeout),
		}
		if tlsConfig != nil {
			// streadway fills in ServerName on the config it is handed, so every host
			// gets its own copy.
			config.TLSClientConfig = tlsConfig.Clone()
			config.TLSClientConfig.ServerName = name
		}

		endpoints = append(endpoints, amqptransport.Endpoint{
			URI: fmt.Sprintf(
				"%v://%v@%v/%v",
				scheme,
				url.UserPassword(address.username, address.password).String(),
				net.JoinHostPort(name, strconv.Itoa(port)),
				url.PathEscape(address.virtualHost),
			),
			Config: config,
		})
	}

	return endpoints, nil
}

// tlsConfig builds the client TLS config, loading the PKCS#12 client certificate if
// one is configured.
func (opts ConnectOptions) tlsConfig() (*tls.Config, error) {
	config := &tls.Config{MinVersion: tlsVersions[opts.TLSProtocol]}
	if opts.TLSCertificatePath == "" {
		return config, nil
	}

	data, err := ioutil.ReadFile(opts.TLSCertificatePath)
	if err != nil {
		return nil, &Error{Kind: ErrSSLContext, Reason: err.Error()}
	}

	privateKey, certificate, err := pkcs12.Decode(data, opts.TLSCertificatePassword)
	if err != nil {
		return nil, &Error{
			Kind:   ErrSSLContext,
			Reason: errors.Wrap(err, "decode client certificate").Error(),
		}
	}

	config.Certificates = []tls.Certificate{{
		Certificate: [][]byte{certificate.Raw},
		PrivateKey:  privateKey,
		Leaf:        certificate,
	}}
	return config, nil
}

// dialWithTimeout mirrors the streadway default dialer with a configurable timeout
// covering both the TCP connect and the handshake.
func dialWithTimeout(timeout time.Duration) func(network, addr string) (net.Conn, error) {
	if timeout == 0 {
		timeout = defaultConnectionTimeout
	}

	return func(network, addr string) (net.Conn, error) {
		conn, err := net.DialTimeout(network, addr, timeout)
		if err != nil {
			return nil, err
		}

		// Cleared by streadway once the handshake completes.
		if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
			_ = conn.Close()
			return nil, err
		}
		return conn, nil
	}
}
