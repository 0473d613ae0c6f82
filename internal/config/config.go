package config

import (
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all runtime configuration for the AceBridge server.
// Precedence: CLI flags > env vars > defaults.
type Config struct {
	DataDir  string
	HTTPPort int

	SIPHost        string
	SIPPort        int
	RegistrarHost  string // upstream SIP registrar/proxy, empty disables registration
	RegistrarPort  int
	SIPUserAgent   string
	RegisterExpiry int // seconds requested in REGISTER

	ExternalIP  string // public IP advertised in SDP and SIP contacts (auto-detected if empty)
	PipelineURL string // Kurento media server WebSocket URL

	VideoCodec    string // only video codec kept when filtering offers
	H264Profile   string // fmtp override for H264 payloads
	MinVideoKbps  int
	MaxVideoKbps  int
	RTPMaxBitrate int // bps cap for RTP endpoint output

	RecordingDir           string
	RecordingProfile       string
	RecordingLimit         time.Duration // zero disables the limit
	RecordAll              bool
	RecordingRetentionDays int // zero keeps recordings forever

	VoicemailDir           string
	VoicemailPrompts       string // comma-separated instruction media played before recording
	VoicemailRepeat        int    // times a visual prompt loops
	VoicemailMaxDuration   time.Duration
	VoicemailRetentionDays int // zero keeps messages forever

	SMTPHost             string // empty disables voicemail email notifications
	SMTPPort             string
	SMTPFrom             string
	SMTPUsername         string
	SMTPPassword         string
	SMTPTLS              string // "none", "starttls", "tls"
	VoicemailNotifyEmail string // recipient for new-message notifications
	VoicemailAttachMedia bool   // attach the recording to the notification

	StatsInterval time.Duration // zero disables endpoint stats collection
	AcceptTimeout time.Duration // how long a callee may ring before the call is abandoned

	APISecret   string // hex-encoded 32-byte secret for API JWT signing
	CORSOrigins string
	LogLevel    string
	LogFormat   string // log output format: "text" or "json"
}

// defaults
const (
	defaultDataDir        = "./data"
	defaultHTTPPort       = 8080
	defaultSIPHost        = "0.0.0.0"
	defaultSIPPort        = 5060
	defaultRegistrarPort  = 5060
	defaultSIPUserAgent   = "AceBridge"
	defaultRegisterExpiry = 1800
	defaultPipelineURL    = "ws://127.0.0.1:8888/kurento"
	defaultVideoCodec     = "H264"
	defaultRecProfile     = "MP4"
	defaultVMRepeat       = 3
	defaultVMMaxDuration  = 2 * time.Minute
	defaultSMTPPort       = "587"
	defaultSMTPTLS        = "starttls"
	defaultStatsInterval  = 10 * time.Second
	defaultAcceptTimeout  = 30 * time.Second
	defaultLogLevel       = "info"
	defaultLogFormat      = "text"
)

// envPrefix is the prefix for all AceBridge environment variables.
const envPrefix = "ACEBRIDGE_"

// Load parses configuration from CLI flags and environment variables.
// Precedence: CLI flags > env vars > defaults.
func Load() (*Config, error) {
	cfg := &Config{}

	fs := flag.NewFlagSet("acebridge", flag.ContinueOnError)

	fs.StringVar(&cfg.DataDir, "data-dir", defaultDataDir, "data directory for database and file storage")
	fs.IntVar(&cfg.HTTPPort, "http-port", defaultHTTPPort, "HTTP server listen port (signaling and API)")
	fs.StringVar(&cfg.SIPHost, "sip-host", defaultSIPHost, "SIP listen address")
	fs.IntVar(&cfg.SIPPort, "sip-port", defaultSIPPort, "SIP UDP/TCP listen port")
	fs.StringVar(&cfg.RegistrarHost, "registrar-host", "", "upstream SIP registrar/proxy host (empty disables registration)")
	fs.IntVar(&cfg.RegistrarPort, "registrar-port", defaultRegistrarPort, "upstream SIP registrar/proxy port")
	fs.StringVar(&cfg.SIPUserAgent, "sip-user-agent", defaultSIPUserAgent, "User-Agent advertised in SIP requests")
	fs.IntVar(&cfg.RegisterExpiry, "register-expiry", defaultRegisterExpiry, "registration expiry requested in REGISTER, in seconds")
	fs.StringVar(&cfg.ExternalIP, "external-ip", "", "public IP address for SDP and SIP contacts (auto-detected if empty)")
	fs.StringVar(&cfg.PipelineURL, "pipeline-url", defaultPipelineURL, "Kurento media server WebSocket URL")
	fs.StringVar(&cfg.VideoCodec, "video-codec", defaultVideoCodec, "video codec kept when filtering SDP offers")
	fs.StringVar(&cfg.H264Profile, "h264-profile", "", "fmtp parameters forced onto H264 payloads")
	fs.IntVar(&cfg.MinVideoKbps, "min-video-kbps", 0, "minimum WebRTC video send bandwidth, 0 for pipeline default")
	fs.IntVar(&cfg.MaxVideoKbps, "max-video-kbps", 0, "maximum WebRTC video send bandwidth, 0 for pipeline default")
	fs.IntVar(&cfg.RTPMaxBitrate, "rtp-max-bitrate", 0, "output bitrate cap for RTP endpoints in bps, 0 for pipeline default")
	fs.StringVar(&cfg.RecordingDir, "recording-dir", "", "directory for call recordings (defaults to <data-dir>/recordings)")
	fs.StringVar(&cfg.RecordingProfile, "recording-profile", defaultRecProfile, "recorder media profile (MP4, MP4_AUDIO_ONLY, WEBM, ...)")
	fs.DurationVar(&cfg.RecordingLimit, "recording-limit", 0, "force-stop recordings longer than this, 0 disables")
	fs.BoolVar(&cfg.RecordAll, "record-all", false, "record every participant as soon as media connects")
	fs.IntVar(&cfg.RecordingRetentionDays, "recording-retention-days", 0, "delete recordings older than this many days, 0 keeps forever")
	fs.StringVar(&cfg.VoicemailDir, "voicemail-dir", "", "directory for voicemail messages (defaults to <data-dir>/voicemail)")
	fs.StringVar(&cfg.VoicemailPrompts, "voicemail-prompts", "", "comma-separated media URIs of the voicemail instruction prompts")
	fs.IntVar(&cfg.VoicemailRepeat, "voicemail-repeat", defaultVMRepeat, "times a visual instruction prompt loops")
	fs.DurationVar(&cfg.VoicemailMaxDuration, "voicemail-max-duration", defaultVMMaxDuration, "maximum length of a voicemail recording")
	fs.IntVar(&cfg.VoicemailRetentionDays, "voicemail-retention-days", 0, "delete voicemail older than this many days, 0 keeps forever")
	fs.StringVar(&cfg.SMTPHost, "smtp-host", "", "SMTP server host for voicemail notifications (empty disables)")
	fs.StringVar(&cfg.SMTPPort, "smtp-port", defaultSMTPPort, "SMTP server port")
	fs.StringVar(&cfg.SMTPFrom, "smtp-from", "", "From address for voicemail notification emails")
	fs.StringVar(&cfg.SMTPUsername, "smtp-username", "", "SMTP auth username")
	fs.StringVar(&cfg.SMTPPassword, "smtp-password", "", "SMTP auth password")
	fs.StringVar(&cfg.SMTPTLS, "smtp-tls", defaultSMTPTLS, "SMTP transport security (none, starttls, tls)")
	fs.StringVar(&cfg.VoicemailNotifyEmail, "voicemail-notify-email", "", "recipient address for new voicemail notifications")
	fs.BoolVar(&cfg.VoicemailAttachMedia, "voicemail-attach-media", false, "attach the recorded message to notification emails")
	fs.DurationVar(&cfg.StatsInterval, "stats-interval", defaultStatsInterval, "endpoint statistics collection interval, 0 disables")
	fs.DurationVar(&cfg.AcceptTimeout, "accept-timeout", defaultAcceptTimeout, "how long an incoming call offer may ring unanswered")
	fs.StringVar(&cfg.APISecret, "api-secret", "", "hex-encoded 32-byte secret for API JWT signing (auto-generated if empty)")
	fs.StringVar(&cfg.CORSOrigins, "cors-origins", "", "comma-separated list of allowed CORS origins (use * for all)")
	fs.StringVar(&cfg.LogLevel, "log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", defaultLogFormat, "log output format (text, json)")

	if err := fs.Parse(os.Args[1:]); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	// Apply env var overrides for any flags not explicitly set on the command line.
	// CLI flags take precedence over env vars.
	applyEnvOverrides(fs, cfg)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	if cfg.RecordingDir == "" {
		cfg.RecordingDir = cfg.DataDir + "/recordings"
	}
	if cfg.VoicemailDir == "" {
		cfg.VoicemailDir = cfg.DataDir + "/voicemail"
	}

	return cfg, nil
}

// applyEnvOverrides checks environment variables for any flag that was not
// explicitly provided on the command line. This preserves the precedence:
// CLI flags > env vars > defaults.
func applyEnvOverrides(fs *flag.FlagSet, cfg *Config) {
	// Track which flags were explicitly set via CLI.
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})

	setString := func(dst *string, val string) { *dst = val }
	setInt := func(dst *int, val string) {
		if v, err := strconv.Atoi(val); err == nil {
			*dst = v
		}
	}
	setDuration := func(dst *time.Duration, val string) {
		if v, err := time.ParseDuration(val); err == nil {
			*dst = v
		}
	}
	setBool := func(dst *bool, val string) {
		if v, err := strconv.ParseBool(val); err == nil {
			*dst = v
		}
	}

	// Map of flag name to the override that applies its env value.
	overrides := map[string]func(string){
		"data-dir":                 func(v string) { setString(&cfg.DataDir, v) },
		"http-port":                func(v string) { setInt(&cfg.HTTPPort, v) },
		"sip-host":                 func(v string) { setString(&cfg.SIPHost, v) },
		"sip-port":                 func(v string) { setInt(&cfg.SIPPort, v) },
		"registrar-host":           func(v string) { setString(&cfg.RegistrarHost, v) },
		"registrar-port":           func(v string) { setInt(&cfg.RegistrarPort, v) },
		"sip-user-agent":           func(v string) { setString(&cfg.SIPUserAgent, v) },
		"register-expiry":          func(v string) { setInt(&cfg.RegisterExpiry, v) },
		"external-ip":              func(v string) { setString(&cfg.ExternalIP, v) },
		"pipeline-url":             func(v string) { setString(&cfg.PipelineURL, v) },
		"video-codec":              func(v string) { setString(&cfg.VideoCodec, v) },
		"h264-profile":             func(v string) { setString(&cfg.H264Profile, v) },
		"min-video-kbps":           func(v string) { setInt(&cfg.MinVideoKbps, v) },
		"max-video-kbps":           func(v string) { setInt(&cfg.MaxVideoKbps, v) },
		"rtp-max-bitrate":          func(v string) { setInt(&cfg.RTPMaxBitrate, v) },
		"recording-dir":            func(v string) { setString(&cfg.RecordingDir, v) },
		"recording-profile":        func(v string) { setString(&cfg.RecordingProfile, v) },
		"recording-limit":          func(v string) { setDuration(&cfg.RecordingLimit, v) },
		"record-all":               func(v string) { setBool(&cfg.RecordAll, v) },
		"recording-retention-days": func(v string) { setInt(&cfg.RecordingRetentionDays, v) },
		"voicemail-dir":            func(v string) { setString(&cfg.VoicemailDir, v) },
		"voicemail-prompts":        func(v string) { setString(&cfg.VoicemailPrompts, v) },
		"voicemail-repeat":         func(v string) { setInt(&cfg.VoicemailRepeat, v) },
		"voicemail-max-duration":   func(v string) { setDuration(&cfg.VoicemailMaxDuration, v) },
		"voicemail-retention-days": func(v string) { setInt(&cfg.VoicemailRetentionDays, v) },
		"smtp-host":                func(v string) { setString(&cfg.SMTPHost, v) },
		"smtp-port":                func(v string) { setString(&cfg.SMTPPort, v) },
		"smtp-from":                func(v string) { setString(&cfg.SMTPFrom, v) },
		"smtp-username":            func(v string) { setString(&cfg.SMTPUsername, v) },
		"smtp-password":            func(v string) { setString(&cfg.SMTPPassword, v) },
		"smtp-tls":                 func(v string) { setString(&cfg.SMTPTLS, v) },
		"voicemail-notify-email":   func(v string) { setString(&cfg.VoicemailNotifyEmail, v) },
		"voicemail-attach-media":   func(v string) { setBool(&cfg.VoicemailAttachMedia, v) },
		"stats-interval":           func(v string) { setDuration(&cfg.StatsInterval, v) },
		"accept-timeout":           func(v string) { setDuration(&cfg.AcceptTimeout, v) },
		"api-secret":               func(v string) { setString(&cfg.APISecret, v) },
		"cors-origins":             func(v string) { setString(&cfg.CORSOrigins, v) },
		"log-level":                func(v string) { setString(&cfg.LogLevel, v) },
		"log-format":               func(v string) { setString(&cfg.LogFormat, v) },
	}

	for flagName, apply := range overrides {
		if set[flagName] {
			continue
		}
		envVar := envPrefix + strings.ToUpper(strings.ReplaceAll(flagName, "-", "_"))
		val, ok := os.LookupEnv(envVar)
		if !ok || val == "" {
			continue
		}
		apply(val)
	}
}

// validate checks that the config values are sane.
func (c *Config) validate() error {
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("http-port must be between 1 and 65535, got %d", c.HTTPPort)
	}
	if c.SIPPort < 1 || c.SIPPort > 65535 {
		return fmt.Errorf("sip-port must be between 1 and 65535, got %d", c.SIPPort)
	}
	if c.RegistrarPort < 1 || c.RegistrarPort > 65535 {
		return fmt.Errorf("registrar-port must be between 1 and 65535, got %d", c.RegistrarPort)
	}
	if c.RegisterExpiry < 60 {
		return fmt.Errorf("register-expiry must be at least 60 seconds, got %d", c.RegisterExpiry)
	}
	if c.VoicemailRepeat < 1 {
		return fmt.Errorf("voicemail-repeat must be at least 1, got %d", c.VoicemailRepeat)
	}
	if c.VoicemailMaxDuration <= 0 {
		return fmt.Errorf("voicemail-max-duration must be positive, got %v", c.VoicemailMaxDuration)
	}
	if c.MinVideoKbps > 0 && c.MaxVideoKbps > 0 && c.MinVideoKbps > c.MaxVideoKbps {
		return fmt.Errorf("min-video-kbps (%d) must not exceed max-video-kbps (%d)", c.MinVideoKbps, c.MaxVideoKbps)
	}

	validTLS := map[string]bool{"none": true, "starttls": true, "tls": true}
	if !validTLS[strings.ToLower(c.SMTPTLS)] {
		return fmt.Errorf("smtp-tls must be one of none, starttls, tls; got %q", c.SMTPTLS)
	}
	c.SMTPTLS = strings.ToLower(c.SMTPTLS)

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("log-level must be one of debug, info, warn, error; got %q", c.LogLevel)
	}
	c.LogLevel = strings.ToLower(c.LogLevel)

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.LogFormat)] {
		return fmt.Errorf("log-format must be one of text, json; got %q", c.LogFormat)
	}
	c.LogFormat = strings.ToLower(c.LogFormat)

	return nil
}

// APISecretBytes returns the decoded 32-byte API signing secret.
// If no secret is configured, it generates a random 32-byte key and stores
// the hex-encoded value back in the config for the process lifetime.
func (c *Config) APISecretBytes() ([]byte, error) {
	if c.APISecret == "" {
		key := make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("generating api secret: %w", err)
		}
		c.APISecret = hex.EncodeToString(key)
		slog.Warn("no api-secret configured, generated ephemeral key (tokens will not survive restart)")
		return key, nil
	}
	key, err := hex.DecodeString(c.APISecret)
	if err != nil {
		return nil, fmt.Errorf("decoding api secret: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("api secret must decode to 32 bytes, got %d", len(key))
	}
	return key, nil
}

// VoicemailPromptList splits the configured prompt URIs on commas,
// dropping empty entries. Nil when none are configured.
func (c *Config) VoicemailPromptList() []string {
	var uris []string
	for _, uri := range strings.Split(c.VoicemailPrompts, ",") {
		if uri = strings.TrimSpace(uri); uri != "" {
			uris = append(uris, uri)
		}
	}
	return uris
}

// MediaIP returns the IP address to advertise in SDP and SIP contacts.
// If ExternalIP is configured, it is returned directly. Otherwise the
// function attempts to detect the machine's primary non-loopback IPv4 address.
// Falls back to "127.0.0.1" if detection fails.
func (c *Config) MediaIP() string {
	if c.ExternalIP != "" {
		return c.ExternalIP
	}
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "127.0.0.1"
	}
	for _, addr := range addrs {
		if ipNet, ok := addr.(*net.IPNet); ok && !ipNet.IP.IsLoopback() {
			if ipNet.IP.To4() != nil {
				return ipNet.IP.String()
			}
		}
	}
	return "127.0.0.1"
}

// SlogHandler returns a slog.Handler configured with the appropriate format
// (text or json) and log level.
func (c *Config) SlogHandler(w *os.File) slog.Handler {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if c.LogFormat == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// SlogLevel returns the slog.Level corresponding to the configured log level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
