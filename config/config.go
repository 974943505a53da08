package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Database struct {
		Driver          string        `yaml:"driver"`
		DSN             string        `yaml:"dsn"`
		MaxOpenConns    int           `yaml:"max_open_conns"`
		MaxIdleConns    int           `yaml:"max_idle_conns"`
		ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	} `yaml:"database"`
	ML struct {
		ModelType  string `yaml:"model_type"`
		ModelPath  string `yaml:"model_path"`
		ScalerPath string `yaml:"scaler_path"`
		Schema     string `yaml:"schema"`
	} `yaml:"ml"`
	Http struct {
		Port           int           `yaml:"port"`
		Timeout        time.Duration `yaml:"timeout"`
		AllowedOrigins []string      `yaml:"allowed_origins"`
	} `yaml:"http"`
	Log struct {
		Level      string `yaml:"level"`
		File       string `yaml:"file"`
		MaxSizeMB  int    `yaml:"max_size_mb"`
		MaxBackups int    `yaml:"max_backups"`
		MaxAgeDays int    `yaml:"max_age_days"`
		JSON       bool   `yaml:"json"`
	} `yaml:"log"`
	Export struct {
		Encoding  string `yaml:"encoding"`
		Delimiter string `yaml:"delimiter"`
	} `yaml:"export"`
	RunLog struct {
		Path string `yaml:"path"`
	} `yaml:"runlog"`
	Query struct {
		Timeout time.Duration `yaml:"timeout"`
	} `yaml:"query"`
}

// Default returns the configuration used when a key is absent from the file.
func Default() *Config {
	c := &Config{}
	c.Database.Driver = "sqlite3"
	c.Database.DSN = "data/sales.db"
	c.Database.MaxOpenConns = 4
	c.Database.MaxIdleConns = 2
	c.Database.ConnMaxLifetime = time.Hour
	c.ML.ModelType = "xgboost"
	c.ML.ModelPath = "models/xgb_model.json"
	c.ML.ScalerPath = "models/scaler.json"
	c.ML.Schema = "sales-v1"
	c.Http.Port = 8080
	c.Http.Timeout = 2 * time.Minute
	c.Http.AllowedOrigins = []string{"*"}
	c.Log.Level = "info"
	c.Log.MaxSizeMB = 100
	c.Log.MaxBackups = 5
	c.Log.MaxAgeDays = 30
	c.Export.Encoding = "utf-8"
	c.Export.Delimiter = ","
	c.Query.Timeout = 5 * time.Minute
	return c
}

// Load reads a YAML file over the defaults and applies environment
// overrides. A missing file is not an error.
func Load(path string) (*Config, error) {
	config := Default()
	if path != "" {
		file, err := os.Open(path)
		switch {
		case err == nil:
			defer file.Close()
			if err := yaml.NewDecoder(file).Decode(config); err != nil {
				return nil, fmt.Errorf("decode %s: %w", path, err)
			}
		case os.IsNotExist(err):
		default:
			return nil, err
		}
	}
	applyEnv(config)
	return config, config.Validate()
}

func applyEnv(c *Config) {
	if v := os.Getenv("SALESFORECAST_DB_DRIVER"); v != "" {
		c.Database.Driver = v
	}
	if v := os.Getenv("SALESFORECAST_DB_DSN"); v != "" {
		c.Database.DSN = v
	}
	if v := os.Getenv("SALESFORECAST_MODEL_PATH"); v != "" {
		c.ML.ModelPath = v
	}
	if v := os.Getenv("SALESFORECAST_SCALER_PATH"); v != "" {
		c.ML.ScalerPath = v
	}
}

func (c *Config) Validate() error {
	if c.ML.ModelPath == "" || c.ML.ScalerPath == "" {
		return fmt.Errorf("ml.model_path and ml.scaler_path are required")
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}
	if d := []rune(c.Export.Delimiter); len(d) > 1 {
		return fmt.Errorf("export.delimiter must be a single character, got %q", c.Export.Delimiter)
	}
	return nil
}

// Delimiter returns the export delimiter rune, zero for the default.
func (c *Config) Delimiter() rune {
	if d := []rune(c.Export.Delimiter); len(d) == 1 {
		return d[0]
	}
	return 0
}
