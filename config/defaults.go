// =============================================================================
// 📦 abflow 默认配置
// =============================================================================
// 提供所有配置项的合理默认值
// =============================================================================
package config

import "time"

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Server:      DefaultServerConfig(),
		Database:    DefaultDatabaseConfig(),
		Redis:       DefaultRedisConfig(),
		Auth:        DefaultAuthConfig(),
		Analytics:   DefaultAnalyticsConfig(),
		Experiments: DefaultExperimentsConfig(),
		Log:         DefaultLogConfig(),
		Telemetry:   DefaultTelemetryConfig(),
	}
}

// DefaultServerConfig 返回默认服务器配置
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPPort:        8080,
		MetricsPort:     9091,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		ShutdownTimeout: 15 * time.Second,
		RateLimitRPS:    100,
		RateLimitBurst:  200,
		CORSOrigins:     []string{"*"},
	}
}

// DefaultDatabaseConfig 返回默认数据库配置
func DefaultDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Driver:          "postgres",
		Host:            "localhost",
		Port:            5432,
		User:            "abflow",
		Password:        "",
		Name:            "abflow",
		SSLMode:         "disable",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
	}
}

// DefaultRedisConfig 返回默认 Redis 配置
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Enabled:   false,
		Addr:      "localhost:6379",
		Password:  "",
		DB:        0,
		PoolSize:  10,
		KeyPrefix: "abflow:",
	}
}

// DefaultAuthConfig 返回默认认证配置
func DefaultAuthConfig() AuthConfig {
	return AuthConfig{
		Enabled:   false,
		JWTSecret: "",
		Issuer:    "abflow",
	}
}

// DefaultAnalyticsConfig 返回默认分析转发配置
func DefaultAnalyticsConfig() AnalyticsConfig {
	return AnalyticsConfig{
		Enabled:      false,
		WebhookURL:   "",
		RateLimitRPS: 10,
	}
}

// DefaultExperimentsConfig 返回默认实验引擎配置
func DefaultExperimentsConfig() ExperimentsConfig {
	return ExperimentsConfig{
		AssignmentTTL: 30 * 24 * time.Hour,
	}
}

// DefaultLogConfig 返回默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "json",
		OutputPaths:      []string{"stdout"},
		EnableCaller:     true,
		EnableStacktrace: false,
	}
}

// DefaultTelemetryConfig 返回默认遥测配置
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "abflow",
		SampleRate:   0.1,
	}
}
