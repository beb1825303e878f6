package main

import (
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Running struct {
		Port int `mapstructure:"port"`
	} `mapstructure:"running"`
	Redis struct {
		Enabled  bool   `mapstructure:"enabled"`
		Addr     string `mapstructure:"addr"`
		Password string `mapstructure:"password"`
		Db       int    `mapstructure:"db"`
	} `mapstructure:"redis"`
	Identity struct {
		// plain | jwt
		Mode   string `mapstructure:"mode"`
		Secret string `mapstructure:"secret"`
	} `mapstructure:"identity"`
	Media struct {
		Dir          string `mapstructure:"dir"`
		MaxByteCount int64  `mapstructure:"max_byte_count"`
	} `mapstructure:"media"`
	Log struct {
		Verbosity int `mapstructure:"verbosity"`
	} `mapstructure:"log"`
}

// yaml file when given, `MOMENTD_` env vars always
func initConfig(configPath string) (*Config, error) {
	v := viper.New()
	v.SetDefault("running.port", 8080)
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "127.0.0.1:6379")
	v.SetDefault("identity.mode", "plain")
	v.SetDefault("media.dir", "media")
	v.SetDefault("media.max_byte_count", 64*1024*1024)
	v.SetDefault("log.verbosity", 0)

	v.SetEnvPrefix("momentd")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}
	return &config, nil
}
