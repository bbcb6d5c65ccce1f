// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package config

import (
	"log"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/rapidaai/careline/pkg/configs"
)

// CarelineConfig is the application config for the careline voice engine.
type CarelineConfig struct {
	Name     string `mapstructure:"service_name" validate:"required"`
	Version  string `mapstructure:"version" validate:"required"`
	Host     string `mapstructure:"host" validate:"required"`
	Port     int    `mapstructure:"port" validate:"required"`
	LogLevel string `mapstructure:"log_level" validate:"required"`
	LogPath  string `mapstructure:"log_path" validate:"required"`

	PostgresConfig configs.PostgresConfig `mapstructure:"postgres" validate:"required"`
	RedisConfig    configs.RedisConfig    `mapstructure:"redis" validate:"required"`

	ARIConfig    ARIConfig    `mapstructure:"ari" validate:"required"`
	RTPConfig    RTPConfig    `mapstructure:"rtp" validate:"required"`
	AIConfig     AIConfig     `mapstructure:"ai" validate:"required"`
	TwilioConfig TwilioConfig `mapstructure:"twilio"`

	// SweepInterval controls how often the orchestrator reconciliation pass
	// looks for orphaned port leases and dead channels.
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

// ARIConfig holds Asterisk REST Interface connection settings.
type ARIConfig struct {
	BaseURL  string `mapstructure:"base_url" validate:"required"`
	Username string `mapstructure:"username" validate:"required"`
	Password string `mapstructure:"password" validate:"required"`
	// Application is the Stasis application name events are scoped to.
	Application string `mapstructure:"application" validate:"required"`

	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	// BreakerThreshold is the consecutive-failure count that opens the
	// control-plane circuit breaker.
	BreakerThreshold int           `mapstructure:"breaker_threshold"`
	BreakerCooldown  time.Duration `mapstructure:"breaker_cooldown"`
}

// RTPConfig holds media-plane settings.
type RTPConfig struct {
	// PortRangeStart/End bound the UDP port pool. Start is rounded up to
	// even; RTCP uses the odd port following each RTP port.
	PortRangeStart int `mapstructure:"port_range_start" validate:"required"`
	PortRangeEnd   int `mapstructure:"port_range_end" validate:"required"`

	// SilenceTimeout ends a call when no inbound audio arrives for this long.
	SilenceTimeout time.Duration `mapstructure:"silence_timeout"`
}

// AIConfig holds realtime voice provider settings.
type AIConfig struct {
	RealtimeURL string `mapstructure:"realtime_url" validate:"required"`
	APIKey      string `mapstructure:"api_key" validate:"required"`
	Model       string `mapstructure:"model" validate:"required"`
	// Voice used for assistant speech synthesis.
	Voice string `mapstructure:"voice"`
	// Instructions is the system prompt for the patient conversation.
	Instructions string `mapstructure:"instructions"`
	// SummaryModel is used for the post-call conversation summary.
	SummaryModel string `mapstructure:"summary_model"`

	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	// IdleTimeout ends a session whose provider stops producing traffic
	// without closing the socket.
	IdleTimeout time.Duration `mapstructure:"idle_timeout"`
	// PendingAudioFrames bounds the outbound audio queue per session.
	PendingAudioFrames int `mapstructure:"pending_audio_frames"`
}

// TwilioConfig holds the alternate outbound dialer credentials. Optional —
// when AccountSid is empty only the ARI dialer is registered.
type TwilioConfig struct {
	AccountSid  string `mapstructure:"account_sid"`
	AuthToken   string `mapstructure:"auth_token"`
	FromNumber  string `mapstructure:"from_number"`
	MediaSIPURI string `mapstructure:"media_sip_uri"`
}

// reading config and intializing configs for application
func InitConfig() (*viper.Viper, error) {
	vConfig := viper.NewWithOptions(viper.KeyDelimiter("__"))

	vConfig.AddConfigPath(".")
	vConfig.SetConfigName(".env")
	path := os.Getenv("ENV_PATH")
	if path != "" {
		log.Printf("env path %v", path)
		vConfig.SetConfigFile(path)
	}
	vConfig.SetConfigType("env")
	vConfig.AutomaticEnv()

	setDefault(vConfig)
	if err := vConfig.ReadInConfig(); err != nil && !os.IsNotExist(err) {
		log.Printf("Reading from env varaibles.")
	}

	return vConfig, nil
}

func setDefault(v *viper.Viper) {
	// setting all default values
	// keeping watch on https://github.com/spf13/viper/issues/188

	v.SetDefault("SERVICE_NAME", "careline-api")
	v.SetDefault("VERSION", "0.0.1")
	v.SetDefault("HOST", "0.0.0.0")
	v.SetDefault("PORT", 9090)
	v.SetDefault("LOG_LEVEL", "debug")
	v.SetDefault("LOG_PATH", "logs")
	v.SetDefault("SWEEP_INTERVAL", "30s")

	v.SetDefault("POSTGRES__HOST", "localhost")
	v.SetDefault("POSTGRES__PORT", 5432)
	v.SetDefault("POSTGRES__DB_NAME", "careline")
	v.SetDefault("POSTGRES__AUTH__USER", "careline")
	v.SetDefault("POSTGRES__AUTH__PASSWORD", "")
	v.SetDefault("POSTGRES__MAX_OPEN_CONNECTION", 10)
	v.SetDefault("POSTGRES__MAX_IDEAL_CONNECTION", 10)
	v.SetDefault("POSTGRES__SSL_MODE", "disable")

	v.SetDefault("REDIS__HOST", "localhost")
	v.SetDefault("REDIS__PORT", 6379)
	v.SetDefault("REDIS__PASSWORD", "")
	v.SetDefault("REDIS__DB", 0)

	v.SetDefault("ARI__BASE_URL", "http://localhost:8088/ari")
	v.SetDefault("ARI__USERNAME", "careline")
	v.SetDefault("ARI__PASSWORD", "")
	v.SetDefault("ARI__APPLICATION", "careline")
	v.SetDefault("ARI__REQUEST_TIMEOUT", "10s")
	v.SetDefault("ARI__BREAKER_THRESHOLD", 5)
	v.SetDefault("ARI__BREAKER_COOLDOWN", "30s")

	v.SetDefault("RTP__PORT_RANGE_START", 10000)
	v.SetDefault("RTP__PORT_RANGE_END", 20000)
	v.SetDefault("RTP__SILENCE_TIMEOUT", "60s")

	v.SetDefault("AI__REALTIME_URL", "wss://api.openai.com/v1/realtime")
	v.SetDefault("AI__API_KEY", "")
	v.SetDefault("AI__MODEL", "gpt-realtime")
	v.SetDefault("AI__VOICE", "marin")
	v.SetDefault("AI__INSTRUCTIONS", "")
	v.SetDefault("AI__SUMMARY_MODEL", "gpt-4o-mini")
	v.SetDefault("AI__CONNECT_TIMEOUT", "15s")
	v.SetDefault("AI__IDLE_TIMEOUT", "90s")
	v.SetDefault("AI__PENDING_AUDIO_FRAMES", 100)

	v.SetDefault("TWILIO__ACCOUNT_SID", "")
	v.SetDefault("TWILIO__AUTH_TOKEN", "")
	v.SetDefault("TWILIO__FROM_NUMBER", "")
	v.SetDefault("TWILIO__MEDIA_SIP_URI", "")
}

// Getting application config from viper
func GetCarelineConfig(v *viper.Viper) (*CarelineConfig, error) {
	var config CarelineConfig
	err := v.Unmarshal(&config)
	if err != nil {
		log.Printf("%+v\n", err)
		return nil, err
	}

	// valdating the app config
	validate := validator.New()
	err = validate.Struct(&config)
	if err != nil {
		log.Printf("%+v\n", err)
		return nil, err
	}
	return &config, nil
}
