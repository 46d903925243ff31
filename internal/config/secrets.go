package config

import "slices"

const redacted = "***"

// RedactedConfig returns a copy of cfg with every secret masked, safe to log
// or serve. Slices are copied so the result never aliases cfg.
func RedactedConfig(cfg *Config) Config {
	out := *cfg

	redact(&out.Wallet.PrivateKey)
	redact(&out.Wallet.KeyPassword)
	redact(&out.Postgres.DSN)
	redact(&out.Postgres.Password)
	redact(&out.Redis.Password)
	redact(&out.S3.AccessKey)
	redact(&out.S3.SecretKey)
	redact(&out.Notify.TelegramToken)
	redact(&out.Notify.DiscordWebhookURL)
	redact(&out.Server.APIKey)

	out.Chain.RPC = redactEndpoints(cfg.Chain.RPC)
	out.Quote.Endpoints = redactEndpoints(cfg.Quote.Endpoints)

	out.Capacity.Providers = slices.Clone(cfg.Capacity.Providers)
	out.Protocols = slices.Clone(cfg.Protocols)
	out.Assets = slices.Clone(cfg.Assets)
	out.Notify.Events = slices.Clone(cfg.Notify.Events)
	out.Server.CORSOrigins = slices.Clone(cfg.Server.CORSOrigins)
	out.Strategies = make([]StrategyConfig, len(cfg.Strategies))
	for i, s := range cfg.Strategies {
		s.Protocols = slices.Clone(s.Protocols)
		s.Pairs = slices.Clone(s.Pairs)
		out.Strategies[i] = s
	}
	if cfg.Strategies == nil {
		out.Strategies = nil
	}
	return out
}

// redactEndpoints masks endpoint URLs, which commonly embed API keys in the
// path or query.
func redactEndpoints(eps []EndpointConfig) []EndpointConfig {
	if eps == nil {
		return nil
	}
	out := make([]EndpointConfig, len(eps))
	for i, e := range eps {
		redact(&e.URL)
		out[i] = e
	}
	return out
}

func redact(s *string) {
	if *s != "" {
		*s = redacted
	}
}
