package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

type Config struct {
	HttpPort           int           `json:"http_port"`
	DbConnString       string        `json:"db_conn_string"`
	RedisAddr          string        `json:"redis_addr"`
	AmqpUrl            string        `json:"amqp_url"`
	ProviderBaseUrl    string        `json:"provider_base_url"`
	ProviderToken      string        `json:"provider_token"`
	PhoneNumberId      string        `json:"phone_number_id"`
	WebhookSecret      string        `json:"webhook_secret"`
	WebhookVerifyToken string        `json:"webhook_verify_token"`
	WorkerCount        int           `json:"worker_count"`
	Prefetch           int           `json:"prefetch"`
	SendBatchSize      int           `json:"send_batch_size"`
	SendBatchWaitStr   string        `json:"send_batch_wait"`
	SendBatchWait      time.Duration `json:"-"`
	RateLimitMax       int64         `json:"rate_limit_max"`
	RateLimitWindowStr string        `json:"rate_limit_window"`
	RateLimitWindow    time.Duration `json:"-"`
	MsgMaxRetry        int           `json:"msg_max_retry"`
	RetryBaseDelayStr  string        `json:"retry_base_delay"`
	RetryBaseDelay     time.Duration `json:"-"`
	RetryMaxDelayStr   string        `json:"retry_max_delay"`
	RetryMaxDelay      time.Duration `json:"-"`
	SweepIntervalStr   string        `json:"sweep_interval"`
	SweepInterval      time.Duration `json:"-"`
	QueuePrefix        string        `json:"queue_prefix"`
}

func (c *Config) AmqpWorkQueue() string  { return c.QueuePrefix + "outbound_send" }
func (c *Config) AmqpRetryQueue() string { return c.QueuePrefix + "outbound_retry" }
func (c *Config) AmqpDeferQueue() string { return c.QueuePrefix + "outbound_defer" }
func (c *Config) AmqpDeadQueue() string  { return c.QueuePrefix + "outbound_dead" }

// ReadConfigJson reads json formatted configuration from the given file
func ReadConfigJson(configFile string) (*Config, error) {
	content, err := os.ReadFile(configFile)
	if err != nil {
		return nil, err
	}

	cfg := new(Config)

	if err = json.Unmarshal(content, cfg); err != nil {
		return nil, err
	}

	durations := []struct {
		raw  string
		dest *time.Duration
	}{
		{cfg.SendBatchWaitStr, &cfg.SendBatchWait},
		{cfg.RateLimitWindowStr, &cfg.RateLimitWindow},
		{cfg.RetryBaseDelayStr, &cfg.RetryBaseDelay},
		{cfg.RetryMaxDelayStr, &cfg.RetryMaxDelay},
		{cfg.SweepIntervalStr, &cfg.SweepInterval},
	}
	for _, d := range durations {
		if *d.dest, err = time.ParseDuration(d.raw); err != nil {
			return nil, fmt.Errorf("invalid duration %q: %w", d.raw, err)
		}
	}

	return cfg, nil
}
