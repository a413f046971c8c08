package config

import "time"

type Config struct {
	Client ClientConfig
	Server ServerConfig
}

// ClientConfig drives the chat engine.
type ClientConfig struct {
	BaseURL        string        `mapstructure:"baseURL"`   // REST collaborators
	SocketURL      string        `mapstructure:"socketURL"` // websocket endpoint
	Token          string        `mapstructure:"token"`
	PageSize       int           `mapstructure:"pageSize"`
	ReconnectDelay time.Duration `mapstructure:"reconnectDelay"` // fixed retry interval
	TypingDebounce time.Duration `mapstructure:"typingDebounce"`
	LogLevel       string        `mapstructure:"logLevel"`
}

// ServerConfig drives the loopback dev server.
type ServerConfig struct {
	Address     string        `mapstructure:"address"`
	JWTSecret   string        `mapstructure:"jwtSecret"`
	ReadTimeout time.Duration `mapstructure:"readTimeout"`
}
