package config

import (
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	DataDir            string        // Directory holding the CA material when StorageType is "file"
	CADomain           string        // Domain the CA is bound to (set by init-ca, reloaded by start-ca)
	Country            string        // Country for the CA subject
	Locality           string        // Locality for the CA subject
	Organization       string        // Organization for the CA subject
	OrganizationalUnit string        // Organizational unit for the CA subject
	StorageType        string        // Storage type: "file", "postgres", "bbolt" or "memory"
	BoltPath           string        // bbolt database file
	DBHost             string        // PostgreSQL host
	DBUser             string        // PostgreSQL user
	DBPassword         string        // PostgreSQL password
	DBName             string        // PostgreSQL database name
	DBPort             int           // PostgreSQL port
	DBSSLMode          string        // PostgreSQL SSL mode
	DBCert             string        // PostgreSQL client certificate file
	DBKey              string        // PostgreSQL client private key file
	DBRootCert         string        // PostgreSQL root CA certificate file
	HTTPAddress        string        // Plain HTTP listener serving the CA certificate
	HTTPSAddress       string        // HTTPS listener serving issuance
	ServiceAddress     string        // Listener for the ephemeral certificate service
	ServiceHostnames   []string      // Names put on the listener's own certificate
	DNSServer          string        // host:port of the DNS server used for validation; empty means system resolver
	DNSTimeout         time.Duration // Bound on a single validation lookup
	TrustProxyHeaders  bool          // Take the observed address from X-Forwarded-For
	PKCS12Password     string        // Default PKCS#12 password for ephemeral contexts
	PKCS12Cipher       string        // "aes256" or "3des"
	ResponseKeys       ResponseKeys  // JSON field names used by the certificate endpoints
	FixtureAddress     string        // Listener for the fixture DNS server started by "serve"
	FixtureAnswer      string        // Address the fixture DNS server answers with
}

// ResponseKeys names the JSON fields of a version 2 certificate response.
type ResponseKeys struct {
	Certificate string
	Password    string
	CA          string
}

const (
	defaultDataDir            = "./realca"
	defaultCountry            = "GB"
	defaultLocality           = "GB"
	defaultOrganization       = "Example CA"
	defaultOrganizationalUnit = "test"
	defaultStorageType        = "file"
	defaultBoltFile           = "localca.db"
	defaultDBHost             = "localhost"
	defaultDBUser             = "localca"
	defaultDBPassword         = "password"
	defaultDBName             = "localca"
	defaultDBPort             = 5432
	defaultDBSSLMode          = "disable"
	defaultHTTPAddress        = ":10080"
	defaultHTTPSAddress       = ":10443"
	defaultServiceAddress     = ":8443"
	defaultServiceHostnames   = "localhost,127.0.0.1"
	defaultDNSTimeout         = 5 * time.Second
	defaultPKCS12Password     = "changeit"
	defaultPKCS12Cipher       = "aes256"
	defaultCertKey            = "pkcs12"
	defaultPasswordKey        = "pkcs12password"
	defaultCAKey              = "ca"
	defaultFixtureAddress     = "127.0.0.1:10053"
	defaultFixtureAnswer      = "127.0.0.1"
)

// LoadConfig loads the configuration from environment variables or defaults.
func LoadConfig() (*Config, error) {
	dataDir := getEnv("LOCALCA_DATA_DIR", defaultDataDir)
	cfg := &Config{
		DataDir:            dataDir,
		CADomain:           getEnv("LOCALCA_DOMAIN", ""),
		Country:            getEnv("LOCALCA_COUNTRY", defaultCountry),
		Locality:           getEnv("LOCALCA_LOCALITY", defaultLocality),
		Organization:       getEnv("LOCALCA_ORGANIZATION", defaultOrganization),
		OrganizationalUnit: getEnv("LOCALCA_ORGANIZATIONAL_UNIT", defaultOrganizationalUnit),
		StorageType:        getEnv("LOCALCA_STORAGE_TYPE", defaultStorageType),
		BoltPath:           getEnv("LOCALCA_BBOLT_PATH", filepath.Join(dataDir, defaultBoltFile)),
		DBHost:             getEnv("LOCALCA_DB_HOST", defaultDBHost),
		DBUser:             getEnv("LOCALCA_DB_USER", defaultDBUser),
		DBPassword:         getEnv("LOCALCA_DB_PASSWORD", defaultDBPassword),
		DBName:             getEnv("LOCALCA_DB_NAME", defaultDBName),
		DBPort:             getEnvAsInt("LOCALCA_DB_PORT", defaultDBPort),
		DBSSLMode:          getEnv("LOCALCA_DB_SSLMODE", defaultDBSSLMode),
		DBCert:             getEnv("LOCALCA_DB_CERT", ""),
		DBKey:              getEnv("LOCALCA_DB_KEY", ""),
		DBRootCert:         getEnv("LOCALCA_DB_ROOTCERT", ""),
		HTTPAddress:        getEnv("LOCALCA_HTTP_ADDRESS", defaultHTTPAddress),
		HTTPSAddress:       getEnv("LOCALCA_HTTPS_ADDRESS", defaultHTTPSAddress),
		ServiceAddress:     getEnv("LOCALCA_SERVICE_ADDRESS", defaultServiceAddress),
		ServiceHostnames:   splitList(getEnv("LOCALCA_SERVICE_HOSTNAMES", defaultServiceHostnames)),
		DNSServer:          getEnv("LOCALCA_DNS_SERVER", ""),
		DNSTimeout:         getEnvAsDuration("LOCALCA_DNS_TIMEOUT", defaultDNSTimeout),
		TrustProxyHeaders:  getEnvAsBool("LOCALCA_TRUST_PROXY_HEADERS", false),
		PKCS12Password:     getEnv("LOCALCA_PKCS12_PASSWORD", defaultPKCS12Password),
		PKCS12Cipher:       strings.ToLower(getEnv("LOCALCA_PKCS12_CIPHER", defaultPKCS12Cipher)),
		ResponseKeys: ResponseKeys{
			Certificate: getEnv("LOCALCA_CERT_KEY", defaultCertKey),
			Password:    getEnv("LOCALCA_PASSWORD_KEY", defaultPasswordKey),
			CA:          getEnv("LOCALCA_CA_KEY", defaultCAKey),
		},
		FixtureAddress: getEnv("LOCALCA_FIXTURE_ADDRESS", defaultFixtureAddress),
		FixtureAnswer:  getEnv("LOCALCA_FIXTURE_ANSWER", defaultFixtureAnswer),
	}
	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		log.Printf("Warning: Invalid integer value for %s (%s), using default: %d", key, valueStr, defaultValue)
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		log.Printf("Warning: Invalid boolean value for %s (%s), using default: %t", key, valueStr, defaultValue)
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil || value <= 0 {
		log.Printf("Warning: Invalid duration value for %s (%s), using default: %s", key, valueStr, defaultValue)
		return defaultValue
	}
	return value
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
