package config

import (
	"time"

	flag "github.com/spf13/pflag"
)

// Flags holds the command line overrides registered on a flag set. Only flags
// the user actually set are applied.
type Flags struct {
	fs *flag.FlagSet

	configFile *string
	version    *bool

	serverPort         *int
	serverHost         *string
	serverReadTimeout  *string
	serverWriteTimeout *string
	serverTLSEnabled   *bool
	serverTLSCert      *string
	serverTLSKey       *string

	dbType             *string
	dbSQLitePath       *string
	dbPostgresHost     *string
	dbPostgresPort     *int
	dbPostgresDatabase *string
	dbPostgresUser     *string
	dbPostgresPassword *string
	dbPostgresSSLMode  *string

	jwtSecret     *string
	jwtExpiration *string
	jwtIssuer     *string

	authoritySecret *string
	authorityKeyID  *string

	logLevel  *string
	logFormat *string
	logOutput *string

	securityCORSEnabled *bool
	securityCORSOrigins *[]string

	deviceAuthorityURL   *string
	deviceKeyPath        *string
	deviceKeyID          *string
	deviceStatePath      *string
	deviceRequestTimeout *string
	deviceMaxAttempts    *int
}

// NewFlags registers the configuration flags on fs.
func NewFlags(fs *flag.FlagSet, defaultConfigFile string) *Flags {
	f := &Flags{fs: fs}

	f.configFile = fs.StringP("config", "c", defaultConfigFile, "Path to configuration file (.yaml, .yml or .toml)")
	f.version = fs.BoolP("version", "v", false, "Print version and exit")

	f.serverPort = fs.Int("server.port", 0, "HTTP server port")
	f.serverHost = fs.String("server.host", "", "HTTP server bind address")
	f.serverReadTimeout = fs.String("server.read-timeout", "", "Server read timeout (e.g., 30s)")
	f.serverWriteTimeout = fs.String("server.write-timeout", "", "Server write timeout (e.g., 30s)")
	f.serverTLSEnabled = fs.Bool("server.tls-enabled", false, "Enable HTTPS")
	f.serverTLSCert = fs.String("server.tls-cert", "", "Path to TLS certificate")
	f.serverTLSKey = fs.String("server.tls-key", "", "Path to TLS key")

	f.dbType = fs.String("db.type", "", "Database type (sqlite or postgres)")
	f.dbSQLitePath = fs.String("db.sqlite.path", "", "SQLite database file path")
	f.dbPostgresHost = fs.String("db.postgres.host", "", "PostgreSQL host")
	f.dbPostgresPort = fs.Int("db.postgres.port", 0, "PostgreSQL port")
	f.dbPostgresDatabase = fs.String("db.postgres.database", "", "PostgreSQL database name")
	f.dbPostgresUser = fs.String("db.postgres.user", "", "PostgreSQL user")
	f.dbPostgresPassword = fs.String("db.postgres.password", "", "PostgreSQL password")
	f.dbPostgresSSLMode = fs.String("db.postgres.ssl-mode", "", "PostgreSQL SSL mode")

	f.jwtSecret = fs.String("jwt.secret", "", "JWT secret key")
	f.jwtExpiration = fs.String("jwt.expiration", "", "JWT expiration duration (e.g., 24h)")
	f.jwtIssuer = fs.String("jwt.issuer", "", "JWT issuer")

	f.authoritySecret = fs.String("authority.secret", "", "Authority seal secret")
	f.authorityKeyID = fs.String("authority.key-id", "", "Authority key id reported with every certificate")

	f.logLevel = fs.StringP("log.level", "l", "", "Log level (debug, info, warn, error)")
	f.logFormat = fs.String("log.format", "", "Log format (json or console)")
	f.logOutput = fs.String("log.output", "", "Log output (stdout or file path)")

	f.securityCORSEnabled = fs.Bool("security.cors-enabled", false, "Enable CORS")
	f.securityCORSOrigins = fs.StringSlice("security.cors-origins", nil, "CORS allowed origins (can be specified multiple times)")

	f.deviceAuthorityURL = fs.String("device.authority-url", "", "Authority base URL")
	f.deviceKeyPath = fs.String("device.key-path", "", "Device key file")
	f.deviceKeyID = fs.String("device.key-id", "", "Device key id (defaults to a fingerprint of the public key)")
	f.deviceStatePath = fs.String("device.state-path", "", "Device state database")
	f.deviceRequestTimeout = fs.String("device.request-timeout", "", "Authority request timeout (e.g., 15s)")
	f.deviceMaxAttempts = fs.Int("device.max-attempts", 0, "Delivery attempts per queued operation")

	return f
}

// ConfigFile returns the configuration file path.
func (f *Flags) ConfigFile() string { return *f.configFile }

// Version reports whether --version was given.
func (f *Flags) Version() bool { return *f.version }

func (f *Flags) changed(name string) bool { return f.fs.Changed(name) }

func (f *Flags) apply(c *Config) error {
	type durationFlag struct {
		name string
		src  *string
		dst  *time.Duration
	}
	durations := []durationFlag{
		{"server.read-timeout", f.serverReadTimeout, &c.Server.ReadTimeout},
		{"server.write-timeout", f.serverWriteTimeout, &c.Server.WriteTimeout},
		{"jwt.expiration", f.jwtExpiration, &c.JWT.Expiration},
		{"device.request-timeout", f.deviceRequestTimeout, &c.Device.RequestTimeout},
	}
	for _, d := range durations {
		if !f.changed(d.name) {
			continue
		}
		v, err := time.ParseDuration(*d.src)
		if err != nil {
			return err
		}
		*d.dst = v
	}

	strs := map[string]struct {
		src *string
		dst *string
	}{
		"server.host":          {f.serverHost, &c.Server.Host},
		"server.tls-cert":      {f.serverTLSCert, &c.Server.TLSCert},
		"server.tls-key":       {f.serverTLSKey, &c.Server.TLSKey},
		"db.type":              {f.dbType, &c.Database.Type},
		"db.sqlite.path":       {f.dbSQLitePath, &c.Database.SQLite.Path},
		"db.postgres.host":     {f.dbPostgresHost, &c.Database.Postgres.Host},
		"db.postgres.database": {f.dbPostgresDatabase, &c.Database.Postgres.Database},
		"db.postgres.user":     {f.dbPostgresUser, &c.Database.Postgres.User},
		"db.postgres.password": {f.dbPostgresPassword, &c.Database.Postgres.Password},
		"db.postgres.ssl-mode": {f.dbPostgresSSLMode, &c.Database.Postgres.SSLMode},
		"jwt.secret":           {f.jwtSecret, &c.JWT.Secret},
		"jwt.issuer":           {f.jwtIssuer, &c.JWT.Issuer},
		"authority.secret":     {f.authoritySecret, &c.Authority.Secret},
		"authority.key-id":     {f.authorityKeyID, &c.Authority.KeyID},
		"log.level":            {f.logLevel, &c.Logging.Level},
		"log.format":           {f.logFormat, &c.Logging.Format},
		"log.output":           {f.logOutput, &c.Logging.Output},
		"device.authority-url": {f.deviceAuthorityURL, &c.Device.AuthorityURL},
		"device.key-path":      {f.deviceKeyPath, &c.Device.KeyPath},
		"device.key-id":        {f.deviceKeyID, &c.Device.KeyID},
		"device.state-path":    {f.deviceStatePath, &c.Device.StatePath},
	}
	for name, s := range strs {
		if f.changed(name) {
			*s.dst = *s.src
		}
	}

	ints := map[string]struct {
		src *int
		dst *int
	}{
		"server.port":         {f.serverPort, &c.Server.Port},
		"db.postgres.port":    {f.dbPostgresPort, &c.Database.Postgres.Port},
		"device.max-attempts": {f.deviceMaxAttempts, &c.Device.MaxAttempts},
	}
	for name, i := range ints {
		if f.changed(name) {
			*i.dst = *i.src
		}
	}

	if f.changed("server.tls-enabled") {
		c.Server.TLSEnabled = *f.serverTLSEnabled
	}
	if f.changed("security.cors-enabled") {
		c.Security.CORSEnabled = *f.securityCORSEnabled
	}
	if f.changed("security.cors-origins") {
		c.Security.CORSOrigins = *f.securityCORSOrigins
	}

	return nil
}
