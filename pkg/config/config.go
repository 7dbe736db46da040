// Package config loads operator-facing configuration from a .env-style
// key=value file the way the teacher's pkg/config/config.go does
// (bufio.Scanner, "#" comments, url.QueryUnescape values), extended with
// the STUN servers, mDNS service parameters, and channel-capacity
// overrides this pipeline needs. It is distinct from CaptureOpts, the
// non-core display/crop/fps/audio/blank snapshot that arrives as an
// inbound collaborator value rather than file-backed config.
package config

import (
	"bufio"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
)

// Defaults per spec.md §4.9 and §5.
const (
	DefaultMDNSServiceType = "_screen_caster._tcp.local."
	DefaultMDNSPort        = 31413

	DefaultVideoCaptureToEncode   = 4
	DefaultVideoEncodeToTransmit  = 8
	DefaultVideoReceiveToReorder  = 256
	DefaultVideoReorderToDecode   = 32
	DefaultVideoDecodeToSync      = 4
	DefaultAudioChannelCapacity   = 32
)

// Config holds all credentials and runtime configuration for the caster
// and receiver binaries.
type Config struct {
	STUN       STUNConfig
	MDNS       MDNSConfig
	Channels   ChannelConfig
	Cloudflare CloudflareConfig
}

// STUNConfig holds the ICE STUN server URLs. No TURN per spec.md §1's
// Non-goals.
type STUNConfig struct {
	Servers []string
}

// MDNSConfig holds the auto-discovery service parameters spec.md §4.9
// names.
type MDNSConfig struct {
	ServiceType string
	Port        int
}

// ChannelConfig holds the per-stage channel capacities, seeded with
// spec.md §5's table as defaults; non-positive or unparsable values in
// the file leave the default in place. Only VideoEncodeToTransmit is
// read by the pipeline (as the caster's encode->transmit queue
// capacity); the other stages use their own fixed capacity constants
// and do not read these fields.
type ChannelConfig struct {
	VideoCaptureToEncode  int
	VideoEncodeToTransmit int
	VideoReceiveToReorder int
	VideoReorderToDecode  int
	VideoDecodeToSync     int
	AudioCapacity         int
}

// CloudflareConfig holds Cloudflare Calls API credentials, carried over
// from the teacher's relay config for environments that front the
// signalling exchange through a Cloudflare Calls session rather than
// raw mDNS/WebSocket.
type CloudflareConfig struct {
	AppID    string
	APIToken string
}

// Load reads configuration from a .env file, applying defaults for any
// key not present.
func Load(envPath string) (*Config, error) {
	file, err := os.Open(envPath)
	if err != nil {
		return nil, fmt.Errorf("open env file: %w", err)
	}
	defer file.Close()

	cfg := defaultConfig()
	scanner := bufio.NewScanner(file)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())

		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}

		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])

		decodedValue, err := url.QueryUnescape(value)
		if err != nil {
			decodedValue = value
		}

		applyKey(cfg, key, decodedValue)
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan env file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func defaultConfig() *Config {
	return &Config{
		STUN: STUNConfig{
			Servers: []string{
				"stun:stun.l.google.com:19302",
				"stun:stun.services.mozilla.com:3478",
			},
		},
		MDNS: MDNSConfig{
			ServiceType: DefaultMDNSServiceType,
			Port:        DefaultMDNSPort,
		},
		Channels: ChannelConfig{
			VideoCaptureToEncode:  DefaultVideoCaptureToEncode,
			VideoEncodeToTransmit: DefaultVideoEncodeToTransmit,
			VideoReceiveToReorder: DefaultVideoReceiveToReorder,
			VideoReorderToDecode:  DefaultVideoReorderToDecode,
			VideoDecodeToSync:     DefaultVideoDecodeToSync,
			AudioCapacity:         DefaultAudioChannelCapacity,
		},
	}
}

func applyKey(cfg *Config, key, value string) {
	switch key {
	case "stun_servers":
		cfg.STUN.Servers = splitComma(value)
	case "mdns_service_type":
		cfg.MDNS.ServiceType = value
	case "mdns_port":
		if n, err := strconv.Atoi(value); err == nil {
			cfg.MDNS.Port = n
		}
	case "chan_capture_to_encode":
		setIntField(&cfg.Channels.VideoCaptureToEncode, value)
	case "chan_encode_to_transmit":
		setIntField(&cfg.Channels.VideoEncodeToTransmit, value)
	case "chan_receive_to_reorder":
		setIntField(&cfg.Channels.VideoReceiveToReorder, value)
	case "chan_reorder_to_decode":
		setIntField(&cfg.Channels.VideoReorderToDecode, value)
	case "chan_decode_to_sync":
		setIntField(&cfg.Channels.VideoDecodeToSync, value)
	case "chan_audio_capacity":
		setIntField(&cfg.Channels.AudioCapacity, value)
	case "app_id":
		cfg.Cloudflare.AppID = value
	case "api_token":
		cfg.Cloudflare.APIToken = value
	}
}

func setIntField(dst *int, value string) {
	if n, err := strconv.Atoi(value); err == nil && n > 0 {
		*dst = n
	}
}

func splitComma(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate checks that configuration is internally consistent: at least
// one STUN server, a non-empty mDNS service type, an mDNS port in
// 1..65535, and Cloudflare app_id/api_token either both set or both
// empty (the credentials are optional, but not half-set).
func (c *Config) Validate() error {
	if len(c.STUN.Servers) == 0 {
		return fmt.Errorf("at least one stun server is required")
	}
	if c.MDNS.ServiceType == "" {
		return fmt.Errorf("mdns_service_type must not be empty")
	}
	if c.MDNS.Port <= 0 || c.MDNS.Port > 65535 {
		return fmt.Errorf("mdns_port out of range: %d", c.MDNS.Port)
	}
	if (c.Cloudflare.AppID == "") != (c.Cloudflare.APIToken == "") {
		return fmt.Errorf("app_id and api_token must be set together")
	}
	return nil
}
