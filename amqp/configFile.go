package amqp

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/gcfg.v1"
	"gopkg.in/yaml.v3"
)

// fileDuration is a duration written as "5s" or as a number of seconds.
type fileDuration struct {
	value time.Duration
	set   bool
}

// UnmarshalText implements encoding.TextUnmarshaler for both yaml and gcfg.
func (duration *fileDuration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))

	if seconds, err := strconv.ParseFloat(raw, 64); err == nil {
		duration.value = time.Duration(seconds * float64(time.Second))
		duration.set = true
		return nil
	}

	value, err := time.ParseDuration(raw)
	if err != nil {
		return errors.Wrapf(err, "parse duration %q", raw)
	}
	duration.value = value
	duration.set = true
	return nil
}

// fileBool distinguishes an omitted boolean from false.
type fileBool struct {
	value bool
	set   bool
}

// UnmarshalText implements encoding.TextUnmarshaler for both yaml and gcfg.
func (flag *fileBool) UnmarshalText(text []byte) error {
	value, err := strconv.ParseBool(strings.TrimSpace(string(text)))
	if err != nil {
		return errors.Wrapf(err, "parse bool %q", text)
	}
	flag.value = value
	flag.set = true
	return nil
}

// connectionFile is the on-disk shape of ConnectOptions. Only settings that can be
// written as text are offered.
type connectionFile struct {
	Host        string   `yaml:"host" gcfg:"host"`
	Hosts       []string `yaml:"hosts" gcfg:"hosts"`
	Port        int      `yaml:"port" gcfg:"port"`
	VirtualHost string   `yaml:"virtual_host" gcfg:"virtual-host"`
	Username    string   `yaml:"username" gcfg:"username"`
	Password    string   `yaml:"password" gcfg:"password"`
	URI         string   `yaml:"uri" gcfg:"uri"`

	Heartbeat         fileDuration `yaml:"heartbeat" gcfg:"heartbeat"`
	ConnectionTimeout fileDuration `yaml:"connection_timeout" gcfg:"connection-timeout"`

	TLS                    bool   `yaml:"tls" gcfg:"tls"`
	TLSProtocol            string `yaml:"tls_protocol" gcfg:"tls-protocol"`
	TLSCertificatePath     string `yaml:"tls_certificate_path" gcfg:"tls-certificate-path"`
	TLSCertificatePassword string `yaml:"tls_certificate_password" gcfg:"tls-certificate-password"`

	AutomaticRecovery       fileBool     `yaml:"automatic_recovery" gcfg:"automatic-recovery"`
	NetworkRecoveryInterval fileDuration `yaml:"network_recovery_interval" gcfg:"network-recovery-interval"`
	ThreadPoolSize          int          `yaml:"thread_pool_size" gcfg:"thread-pool-size"`
}

// iniFile wraps connectionFile in the [connection] section gcfg expects.
type iniFile struct {
	Connection connectionFile
}

// LoadConnectOptions reads connection settings from a YAML (.yaml, .yml) or INI
// (.ini, .conf, .gcfg) file on top of DefaultConnectOptions. Unknown keys are an
// error. INI files keep their settings in a [connection] section.
func LoadConnectOptions(path string) (ConnectOptions, error) {
	opts := DefaultConnectOptions()

	var file connectionFile
	var err error

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		file, err = readYAMLFile(path)
	case ".ini", ".conf", ".gcfg":
		file, err = readINIFile(path)
	default:
		return opts, errors.Wrapf(
			ErrInvalidOptions, "unsupported options file extension %q", filepath.Ext(path),
		)
	}
	if err != nil {
		return opts, err
	}

	file.applyTo(&opts)
	if err := opts.validate(); err != nil {
		return opts, err
	}
	return opts, nil
}

func readYAMLFile(path string) (connectionFile, error) {
	var file connectionFile

	reader, err := os.Open(path)
	if err != nil {
		return file, errors.Wrap(err, "open options file")
	}
	defer reader.Close()

	decoder := yaml.NewDecoder(reader)
	decoder.KnownFields(true)
	if err := decoder.Decode(&file); err != nil {
		return file, errors.Wrapf(ErrInvalidOptions, "decode %v: %v", path, err)
	}
	return file, nil
}

func readINIFile(path string) (connectionFile, error) {
	var file iniFile
	if err := gcfg.ReadFileInto(&file, path); err != nil {
		return file.Connection, errors.Wrapf(ErrInvalidOptions, "decode %v: %v", path, err)
	}
	return file.Connection, nil
}

// applyTo overwrites every setting the file mentions.
func (file connectionFile) applyTo(opts *ConnectOptions) {
	if file.Host != "" {
		opts.Host = file.Host
	}
	if len(file.Hosts) != 0 {
		opts.Hosts = file.Hosts
	}
	if file.Port != 0 {
		opts.Port = file.Port
	}
	if file.VirtualHost != "" {
		opts.VirtualHost = file.VirtualHost
	}
	if file.Username != "" {
		opts.Username = file.Username
	}
	if file.Password != "" {
		opts.Password = file.Password
	}
	if file.URI != "" {
		opts.URI = file.URI
	}

	if file.Heartbeat.set {
		opts.Heartbeat = file.Heartbeat.value
	}
	if file.ConnectionTimeout.set {
		opts.ConnectionTimeout = file.ConnectionTimeout.value
	}

	opts.TLS = opts.TLS || file.TLS
	if file.TLSProtocol != "" {
		opts.TLSProtocol = file.TLSProtocol
	}
	if file.TLSCertificatePath != "" {
		opts.TLSCertificatePath = file.TLSCertificatePath
	}
	if file.TLSCertificatePassword != "" {
		opts.TLSCertificatePassword = file.TLSCertificatePassword
	}

	if file.AutomaticRecovery.set {
		opts.AutomaticRecovery = Boolean(file.AutomaticRecovery.value)
	}
	if file.NetworkRecoveryInterval.set {
		opts.NetworkRecoveryInterval = file.NetworkRecoveryInterval.value
	}
	if file.ThreadPoolSize != 0 {
		opts.ThreadPoolSize = file.ThreadPoolSize
	}
}
