package config

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// ValidationError holds per-field validation failure messages.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s: %s", k, e.Fields[k]))
	}
	return strings.Join(parts, "; ")
}

// Validate checks every option the delivery engine consumes and returns a
// ValidationError listing all offending fields.
func (c *Config) Validate() error {
	errs := make(map[string]string)
	c.HEC.validate(errs)
	c.Transport.validate(errs)
	if len(errs) > 0 {
		return &ValidationError{Fields: errs}
	}
	return nil
}

func (h HECConfig) validate(errs map[string]string) {
	if len(h.URIs) == 0 {
		errs["hec.uris"] = "at least one endpoint URI is required"
	}
	for _, raw := range h.URIs {
		u, err := url.Parse(raw)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs["hec.uris"] = fmt.Sprintf("invalid endpoint URI %q", raw)
			break
		}
	}
	if h.Token == "" {
		errs["hec.token"] = "token is required"
	}
	if _, err := ParseEnrichment(h.Enrichment); err != nil {
		errs["hec.enrichment"] = err.Error()
	}
	if h.FlushTimeout <= 0 {
		errs["hec.flushTimeout"] = "must be positive"
	}
	if h.MaxBatchSize <= 0 {
		errs["hec.maxBatchSize"] = "must be positive"
	}
	if h.Threads <= 0 {
		errs["hec.threads"] = "must be positive"
	}
	if h.TotalChannels <= 0 {
		errs["hec.totalChannels"] = "must be positive"
	}
	if h.QueueCapacity <= 0 {
		errs["hec.queueCapacity"] = "must be positive"
	}
	if h.MaxRetries < 0 {
		errs["hec.maxRetries"] = "must not be negative"
	}
	if h.RetryBackoff < 0 {
		errs["hec.retryBackoff"] = "must not be negative"
	}
	if h.MaxConsecutiveFailures <= 0 {
		errs["hec.maxConsecutiveFailures"] = "must be positive"
	}
	if h.ProbeInterval <= 0 {
		errs["hec.probeInterval"] = "must be positive"
	}
	if h.ShutdownTimeout <= 0 {
		errs["hec.shutdownTimeout"] = "must be positive"
	}
	if h.Ack {
		if h.AckPollInterval <= 0 {
			errs["hec.ackPollInterval"] = "must be positive when ack is enabled"
		}
		if h.AckPollThreads <= 0 {
			errs["hec.ackPollThreads"] = "must be positive when ack is enabled"
		}
		if h.MaxPendingAck <= 0 {
			errs["hec.maxPendingAck"] = "must be positive when ack is enabled"
		}
	}
}

func (t TransportConfig) validate(errs map[string]string) {
	if t.MaxConnsPerChannel <= 0 {
		errs["transport.maxHttpConnPerChannel"] = "must be positive"
	}
	if t.MaxConnsTotal < 0 {
		errs["transport.maxHttpConnTotal"] = "must not be negative"
	}
	if t.SocketTimeout <= 0 {
		errs["transport.socketTimeout"] = "must be positive"
	}
	if t.SendBufferSize < 0 {
		errs["transport.sendBufferSize"] = "must not be negative"
	}
	if t.TrustStorePath != "" {
		switch strings.ToUpper(t.TrustStoreType) {
		case "JKS", "PKCS12", "PEM":
		default:
			errs["transport.trustStoreType"] = fmt.Sprintf("unsupported trust store type %q (JKS, PKCS12, PEM)", t.TrustStoreType)
		}
	}
	if t.ProxyPort < 0 || t.ProxyPort > 65535 {
		errs["transport.proxyPort"] = "must be between 0 and 65535"
	}
	if (t.KerberosPrincipal == "") != (t.KerberosKeytab == "") {
		msg := "kerberosPrincipal and kerberosKeytab must be set together"
		errs["transport.kerberosPrincipal"] = msg
		errs["transport.kerberosKeytab"] = msg
	}
	if t.KerberosPrincipal != "" && !strings.Contains(t.KerberosPrincipal, "@") {
		errs["transport.kerberosPrincipal"] = "principal must be of the form user@REALM"
	}
}

// ParseEnrichment parses "k1=v1,k2=v2" into a map. Every comma-separated
// entry must hold exactly one '=' with a non-empty key and no whitespace in
// the key.
func ParseEnrichment(s string) (map[string]string, error) {
	out := make(map[string]string)
	if strings.TrimSpace(s) == "" {
		return out, nil
	}
	for _, kv := range strings.Split(s, ",") {
		parts := strings.Split(kv, "=")
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid enrichment entry %q: expected key=value", kv)
		}
		key := strings.TrimSpace(parts[0])
		if key == "" || strings.ContainsAny(key, " \t") {
			return nil, fmt.Errorf("invalid enrichment key %q", parts[0])
		}
		out[key] = strings.TrimSpace(parts[1])
	}
	return out, nil
}
