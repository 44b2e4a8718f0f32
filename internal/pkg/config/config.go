// Package config loads the bridge configuration from a JSON file, with
// environment overrides for the values that differ per deployment.
package config

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/TomazMarques001/Estufa-project/internal/pkg/regmap"
	"github.com/TomazMarques001/Estufa-project/internal/pkg/scheduler"
	"github.com/TomazMarques001/Estufa-project/internal/pkg/transport"
	"github.com/TomazMarques001/Estufa-project/internal/pkg/vstore"
)

// HTTPConfig is the configuration format for the HTTP surface.
type HTTPConfig struct {
	Addr             string `json:"Addr"`
	RequestTimeoutMS int    `json:"RequestTimeoutMS"`
}

// TransportConfig is the configuration format for the field connection.
type TransportConfig struct {
	Mode      string `json:"Mode"` // "tcp" or "rtu"
	Host      string `json:"Host"`
	Port      int    `json:"Port"`
	Device    string `json:"Device"`
	BaudRate  int    `json:"BaudRate"`
	DataBits  int    `json:"DataBits"`
	Parity    string `json:"Parity"`
	StopBits  int    `json:"StopBits"`
	SlaveID   byte   `json:"SlaveID"`
	TimeoutMS int    `json:"TimeoutMS"`
}

// ServerConfig is the configuration format for the field-facing Modbus
// server endpoint.
type ServerConfig struct {
	Enabled    bool   `json:"Enabled"`
	Addr       string `json:"Addr"`
	MaxClients uint   `json:"MaxClients"`
	TimeoutMS  int    `json:"TimeoutMS"`
}

// PollConfig is the configuration format for the background poll loop.
type PollConfig struct {
	Enabled bool `json:"Enabled"`
	RateMS  int  `json:"RateMS"`
}

// TelemetryConfig is the configuration format for the NATS datastream.
type TelemetryConfig struct {
	Enabled bool   `json:"Enabled"`
	Server  string `json:"Server"`
	Subject string `json:"Subject"`
}

// AppConfig is the top-level configuration structure.
type AppConfig struct {
	HTTP      HTTPConfig       `json:"HTTP"`
	Transport TransportConfig  `json:"Transport"`
	Server    ServerConfig     `json:"Server"`
	Scheduler scheduler.Config `json:"Scheduler"`
	Poll      PollConfig       `json:"Poll"`
	Telemetry TelemetryConfig  `json:"Telemetry"`
	Registers []regmap.Point   `json:"Registers"`
}

func defaults() *AppConfig {
	return &AppConfig{
		HTTP: HTTPConfig{Addr: ":8080", RequestTimeoutMS: 5000},
		Transport: TransportConfig{
			Mode:      "tcp",
			Host:      "host.docker.internal",
			Port:      502,
			BaudRate:  9600,
			DataBits:  8,
			Parity:    "N",
			StopBits:  1,
			SlaveID:   1,
			TimeoutMS: 1000,
		},
		Server:    ServerConfig{Enabled: true, Addr: "0.0.0.0:502", MaxClients: 5, TimeoutMS: 30000},
		Scheduler: scheduler.Config{Capacity: 256, Retries: 2},
		Poll:      PollConfig{Enabled: true, RateMS: 1000},
		Telemetry: TelemetryConfig{Subject: "estufa.telemetry"},
	}
}

// Load reads the JSON config file, then applies the environment. A missing
// file leaves the defaults; a malformed file or register map is fatal.
func Load(path string) (*AppConfig, error) {
	logger := log.New(os.Stdout, "[Config] ", log.LstdFlags)
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			logger.Printf("Warning: could not read config file %s: %v. Using defaults and environment.", path, err)
		} else {
			if err := json.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("config: parsing %s: %w", path, err)
			}
			logger.Printf("Loaded configuration from %s", path)
		}
	}

	if envPath := os.Getenv("BRIDGE_ENV_PATH"); envPath != "" {
		if err := godotenv.Load(envPath); err != nil {
			logger.Printf("Warning: could not load env file %s: %v", envPath, err)
		}
	} else if err := godotenv.Load(); err == nil {
		logger.Println("Loaded .env file")
	}
	cfg.applyEnv(logger)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *AppConfig) applyEnv(logger *log.Logger) {
	if v := os.Getenv("MODBUS_HOST"); v != "" {
		c.Transport.Host = v
		logger.Printf("ENV override: MODBUS_HOST=%s", v)
	}
	if v := os.Getenv("MODBUS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Transport.Port = port
			logger.Printf("ENV override: MODBUS_PORT=%d", port)
		} else {
			logger.Printf("Warning: could not parse MODBUS_PORT (%q): %v", v, err)
		}
	}
	if v := os.Getenv("MODBUS_UNIT_ID"); v != "" {
		if id, err := strconv.Atoi(v); err == nil && id >= 0 && id <= 255 {
			c.Transport.SlaveID = byte(id)
			logger.Printf("ENV override: MODBUS_UNIT_ID=%d", id)
		} else {
			logger.Printf("Warning: could not parse MODBUS_UNIT_ID (%q)", v)
		}
	}
	if v := os.Getenv("HTTP_ADDR"); v != "" {
		c.HTTP.Addr = v
		logger.Printf("ENV override: HTTP_ADDR=%s", v)
	}
	if v := os.Getenv("MODBUS_SERVER_ADDR"); v != "" {
		c.Server.Addr = v
		logger.Printf("ENV override: MODBUS_SERVER_ADDR=%s", v)
	}
	if v := os.Getenv("NATS_URL"); v != "" {
		c.Telemetry.Server = v
		c.Telemetry.Enabled = true
		logger.Printf("ENV override: NATS_URL=%s", v)
	}
}

func (c *AppConfig) validate() error {
	if len(c.Registers) == 0 {
		return fmt.Errorf("config: no register points defined")
	}
	if _, err := c.BuildMap(); err != nil {
		return err
	}
	if c.Transport.Mode != "tcp" && c.Transport.Mode != "rtu" {
		return fmt.Errorf("config: unknown transport mode %q", c.Transport.Mode)
	}
	if c.Transport.Mode == "rtu" && c.Transport.Device == "" {
		return fmt.Errorf("config: rtu mode requires a serial device path")
	}
	// a request deadline shorter than one wire timeout can never fit a retry
	if c.HTTP.RequestTimeoutMS < c.Transport.TimeoutMS {
		return fmt.Errorf("config: HTTP request timeout (%d ms) is below the wire timeout (%d ms)",
			c.HTTP.RequestTimeoutMS, c.Transport.TimeoutMS)
	}
	return nil
}

// BuildMap materializes the register map. Overlaps and duplicates surface
// here, at startup.
func (c *AppConfig) BuildMap() (*regmap.Map, error) {
	return regmap.New(c.Registers)
}

// TransportConfig materializes the transport manager config.
func (c *AppConfig) TransportConfig() transport.Config {
	return transport.Config{
		Mode:     c.Transport.Mode,
		Addr:     fmt.Sprintf("%s:%d", c.Transport.Host, c.Transport.Port),
		Device:   c.Transport.Device,
		BaudRate: c.Transport.BaudRate,
		DataBits: c.Transport.DataBits,
		Parity:   c.Transport.Parity,
		StopBits: c.Transport.StopBits,
		SlaveID:  c.Transport.SlaveID,
		Timeout:  time.Duration(c.Transport.TimeoutMS) * time.Millisecond,
	}
}

// ServerConfig materializes the Modbus server config.
func (c *AppConfig) ServerConfig() vstore.ServerConfig {
	return vstore.ServerConfig{
		Addr:       c.Server.Addr,
		MaxClients: c.Server.MaxClients,
		Timeout:    time.Duration(c.Server.TimeoutMS) * time.Millisecond,
	}
}
