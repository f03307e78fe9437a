package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	// Bloque app (opcional en YAML). Si no está, queda vacío.
	App struct {
		// dev | staging | prod
		Env string `yaml:"app_env"`
	} `yaml:"app"`

	Server struct {
		Addr string `yaml:"addr"`
	} `yaml:"server"`

	Keys struct {
		Dir string `yaml:"dir"`
		// TTL de vida de cada clave. String de duración ("2160h" = 90d).
		TTL string `yaml:"ttl"`
		// RotationWarn: cuánto antes del vencimiento una clave pide rotación.
		RotationWarn string `yaml:"rotation_warn"`
		// RotationSchedule: expresión cron para la rotación programada.
		// Vacío = sin rotación automática.
		RotationSchedule string `yaml:"rotation_schedule"`
	} `yaml:"keys"`

	Signing struct {
		Issuer   string `yaml:"issuer"`
		Audience string `yaml:"audience"`
		TokenTTL string `yaml:"token_ttl"`
	} `yaml:"signing"`

	Verify struct {
		// Leeway de reloj para iat/nbf/exp.
		Leeway string `yaml:"leeway"`
		// Tools: herramientas JWT externas para cross-verificación.
		Tools []ToolConfig `yaml:"tools"`
	} `yaml:"verify"`

	Cache struct {
		Kind  string `yaml:"kind"` // memory | redis | off
		Redis struct {
			Addr   string `yaml:"addr"`
			DB     int    `yaml:"db"`
			Prefix string `yaml:"prefix"`
		} `yaml:"redis"`
		Memory struct {
			DefaultTTL string `yaml:"default_ttl"`
		} `yaml:"memory"`
	} `yaml:"cache"`

	Security struct {
		// Base64(32 bytes) para cifrar material privado en disco.
		// Normalmente llega por ATTESTOR_MASTER_KEY, no por YAML.
		MasterKey string `yaml:"master_key"`
	} `yaml:"security"`
}

// ToolConfig describe una herramienta externa de verificación en el YAML.
type ToolConfig struct {
	Name    string   `yaml:"name"`
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
	Timeout string   `yaml:"timeout"`
}

func Load(path string) (*Config, error) {
	var c Config
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(b, &c); err != nil {
			return nil, err
		}
	}

	// sane defaults
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Keys.Dir == "" {
		c.Keys.Dir = "./data/keys"
	}
	if c.Keys.TTL == "" {
		c.Keys.TTL = "2160h" // 90d
	}
	if c.Keys.RotationWarn == "" {
		c.Keys.RotationWarn = "720h" // 30d
	}
	if c.Signing.Issuer == "" {
		c.Signing.Issuer = "attestor"
	}
	if c.Signing.Audience == "" {
		c.Signing.Audience = "artifact-verification"
	}
	if c.Signing.TokenTTL == "" {
		c.Signing.TokenTTL = "8760h" // 1 año
	}
	if c.Verify.Leeway == "" {
		c.Verify.Leeway = "5m"
	}
	if c.Cache.Kind == "" {
		c.Cache.Kind = "memory"
	}
	if c.Cache.Memory.DefaultTTL == "" {
		c.Cache.Memory.DefaultTTL = "2m"
	}

	// Overrides por env
	c.applyEnvOverrides()

	// validate string durations
	for name, s := range map[string]string{
		"keys.ttl":           c.Keys.TTL,
		"keys.rotation_warn": c.Keys.RotationWarn,
		"signing.token_ttl":  c.Signing.TokenTTL,
		"verify.leeway":      c.Verify.Leeway,
	} {
		if _, err := time.ParseDuration(s); err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
	}
	for _, t := range c.Verify.Tools {
		if t.Timeout == "" {
			continue
		}
		if _, err := time.ParseDuration(t.Timeout); err != nil {
			return nil, fmt.Errorf("verify.tools[%s].timeout: %w", t.Name, err)
		}
	}

	// Normalizar keys.dir (si relativa) respecto al directorio del YAML
	if path != "" && !filepath.IsAbs(c.Keys.Dir) {
		base := filepath.Dir(path)
		c.Keys.Dir = filepath.Clean(filepath.Join(base, c.Keys.Dir))
	}

	return &c, nil
}

// Duraciones ya validadas en Load; los getters no fallan.

func (c *Config) KeyTTL() time.Duration { d, _ := time.ParseDuration(c.Keys.TTL); return d }
func (c *Config) RotationWarn() time.Duration {
	d, _ := time.ParseDuration(c.Keys.RotationWarn)
	return d
}
func (c *Config) TokenTTL() time.Duration { d, _ := time.ParseDuration(c.Signing.TokenTTL); return d }
func (c *Config) Leeway() time.Duration   { d, _ := time.ParseDuration(c.Verify.Leeway); return d }

// ---- Helpers env ----

func getEnvStr(key string) (string, bool) {
	v := os.Getenv(key)
	return v, v != ""
}
func getEnvInt(key string) (int, bool) {
	if s, ok := getEnvStr(key); ok {
		if i, err := strconv.Atoi(strings.TrimSpace(s)); err == nil {
			return i, true
		}
	}
	return 0, false
}

// applyEnvOverrides: pisa config.yaml con variables de entorno.
func (c *Config) applyEnvOverrides() {
	// APP
	if v, ok := getEnvStr("APP_ENV"); ok {
		c.App.Env = strings.ToLower(v)
	}

	// SERVER
	if v, ok := getEnvStr("SERVER_ADDR"); ok {
		c.Server.Addr = v
	}

	// KEYS
	if v, ok := getEnvStr("KEYS_DIR"); ok {
		c.Keys.Dir = v
	}
	if v, ok := getEnvStr("KEYS_TTL"); ok {
		c.Keys.TTL = v
	}
	if v, ok := getEnvStr("KEYS_ROTATION_WARN"); ok {
		c.Keys.RotationWarn = v
	}
	if v, ok := getEnvStr("KEYS_ROTATION_SCHEDULE"); ok {
		c.Keys.RotationSchedule = v
	}

	// SIGNING
	if v, ok := getEnvStr("SIGNING_ISSUER"); ok {
		c.Signing.Issuer = v
	}
	if v, ok := getEnvStr("SIGNING_AUDIENCE"); ok {
		c.Signing.Audience = v
	}
	if v, ok := getEnvStr("SIGNING_TOKEN_TTL"); ok {
		c.Signing.TokenTTL = v
	}

	// VERIFY
	if v, ok := getEnvStr("VERIFY_LEEWAY"); ok {
		c.Verify.Leeway = v
	}

	// CACHE
	if v, ok := getEnvStr("CACHE_KIND"); ok {
		c.Cache.Kind = v
	}
	if v, ok := getEnvStr("REDIS_ADDR"); ok {
		c.Cache.Redis.Addr = v
	}
	if v, ok := getEnvInt("REDIS_DB"); ok {
		c.Cache.Redis.DB = v
	}
	if v, ok := getEnvStr("REDIS_PREFIX"); ok {
		c.Cache.Redis.Prefix = v
	}
	if v, ok := getEnvStr("CACHE_MEMORY_DEFAULT_TTL"); ok {
		c.Cache.Memory.DefaultTTL = v
	}

	// SECURITY: la master key por env manda siempre sobre el YAML.
	if v, ok := getEnvStr("ATTESTOR_MASTER_KEY"); ok {
		c.Security.MasterKey = v
	}
}
