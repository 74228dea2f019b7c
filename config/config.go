// Package config loads the operator-facing YAML configuration into a single
// Config struct using viper and mapstructure tags, following the teacher
// repo's core/config.go. The CLI front-end that drives this loading is
// explicitly out of scope per spec.md §1; this package is the contract the
// core depends on.
package config

import (
	"fmt"
	"net/mail"
	"os"

	"github.com/spf13/viper"

	"pendingdns/errs"
)

type DNSConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
	TTL  uint32 `mapstructure:"ttl"`
}

type APIConfig struct {
	Host    string `mapstructure:"host"`
	Port    int    `mapstructure:"port"`
	Enabled bool   `mapstructure:"enabled"`
	Workers int    `mapstructure:"workers"`
}

type PublicHTTPConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

type PublicHTTPSConfig struct {
	Host     string   `mapstructure:"host"`
	Port     int      `mapstructure:"port"`
	Key      string   `mapstructure:"key"`
	Cert     string   `mapstructure:"cert"`
	DHParam  string   `mapstructure:"dh_param"`
	Ciphers  []string `mapstructure:"ciphers"`
}

type PublicHostsConfig struct {
	A    []string `mapstructure:"A"`
	AAAA []string `mapstructure:"AAAA"`
}

type PublicErrorsConfig struct {
	Error404 string `mapstructure:"error404"`
	Error500 string `mapstructure:"error500"`
}

type PublicConfig struct {
	HTTP   PublicHTTPConfig   `mapstructure:"http"`
	HTTPS  PublicHTTPSConfig  `mapstructure:"https"`
	Hosts  PublicHostsConfig  `mapstructure:"hosts"`
	Errors PublicErrorsConfig `mapstructure:"errors"`
}

type NSConfig struct {
	Domain string `mapstructure:"domain"`
	IP     string `mapstructure:"ip"`
}

type SOAConfig struct {
	Admin      string `mapstructure:"admin"`
	Serial     uint32 `mapstructure:"serial"`
	Refresh    uint32 `mapstructure:"refresh"`
	Retry      uint32 `mapstructure:"retry"`
	Expiration uint32 `mapstructure:"expiration"`
	Minimum    uint32 `mapstructure:"minimum"`
}

type ACMEConfig struct {
	Key          string `mapstructure:"key"`
	DirectoryURL string `mapstructure:"directory_url"`
	Email        string `mapstructure:"email"`
}

type ResolverConfig struct {
	NS []string `mapstructure:"ns"`
}

type ChaosConfig struct {
	VersionBind  string `mapstructure:"version.bind"`
	HostnameBind string `mapstructure:"hostname.bind"`
	IDServer     string `mapstructure:"id.server"`
	AuthorsBind  string `mapstructure:"authors.bind"`
}

type HealthConfig struct {
	Enabled  bool `mapstructure:"enabled"`
	Workers  int  `mapstructure:"workers"`
	Handlers int  `mapstructure:"handlers"`
	TTL      int  `mapstructure:"ttl"`   // seconds, probe timeout
	Delay    int  `mapstructure:"delay"` // seconds, re-poll delay
}

type RedisConfig struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type Config struct {
	DNS      DNSConfig      `mapstructure:"dns"`
	API      APIConfig      `mapstructure:"api"`
	Public   PublicConfig   `mapstructure:"public"`
	NS       []NSConfig     `mapstructure:"ns"`
	SOA      SOAConfig      `mapstructure:"soa"`
	ACME     ACMEConfig     `mapstructure:"acme"`
	Resolver ResolverConfig `mapstructure:"resolver"`
	Chaos    ChaosConfig    `mapstructure:"chaos"`
	Health   HealthConfig   `mapstructure:"health"`
	Redis    RedisConfig    `mapstructure:"redis"`

	v *viper.Viper
}

func defaults(v *viper.Viper) {
	v.SetDefault("dns.host", "0.0.0.0")
	v.SetDefault("dns.port", 53)
	v.SetDefault("dns.ttl", 300)
	v.SetDefault("api.host", "127.0.0.1")
	v.SetDefault("api.port", 8080)
	v.SetDefault("api.enabled", true)
	v.SetDefault("api.workers", 2)
	v.SetDefault("public.http.host", "0.0.0.0")
	v.SetDefault("public.http.port", 80)
	v.SetDefault("public.https.host", "0.0.0.0")
	v.SetDefault("public.https.port", 443)
	v.SetDefault("soa.refresh", 900)
	v.SetDefault("soa.retry", 900)
	v.SetDefault("soa.expiration", 1800)
	v.SetDefault("soa.minimum", 60)
	v.SetDefault("acme.directory_url", "https://acme-v02.api.letsencrypt.org/directory")
	v.SetDefault("health.enabled", true)
	v.SetDefault("health.workers", 4)
	v.SetDefault("health.handlers", 4)
	v.SetDefault("health.ttl", 30)
	v.SetDefault("health.delay", 60)
	v.SetDefault("redis.address", "127.0.0.1:6379")
	v.SetDefault("redis.db", 0)
}

// Load reads path (YAML) into a Config, applying the defaults above for
// every key spec.md §6 lists. An empty path, or a path naming no existing
// file, yields the defaults only; environment variables are not consulted.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	defaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if _, err := os.Stat(path); err == nil {
			if err := v.ReadInConfig(); err != nil {
				return nil, errs.New(errs.Fatal, "config.Load", err)
			}
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, errs.New(errs.Fatal, "config.Load", err)
	}
	c.v = v

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate enforces the one startup invariant spec.md §6 calls out by exit
// code: a syntactically valid ACME email, or exit 51.
func (c *Config) Validate() error {
	if _, err := mail.ParseAddress(c.ACME.Email); err != nil {
		return errs.New(errs.Fatal, "config.Validate", fmt.Errorf("invalid acme.email %q: %w", c.ACME.Email, err))
	}
	return nil
}

// PrimaryNS returns ns[0], the primary nameserver used in SOA answers
// (spec.md §4.4 step 4, §8 "SOA synthesis").
func (c *Config) PrimaryNS() *NSConfig {
	if len(c.NS) == 0 {
		return nil
	}
	return &c.NS[0]
}
