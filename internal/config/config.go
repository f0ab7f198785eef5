package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/spf13/pflag"

	"github.com/wilsonzlin/aero/proxy/webrtc-match-signaling/internal/origin"
)

const (
	envVarListenAddr      = "AERO_MATCH_SIGNALING_LISTEN_ADDR"
	envVarPublicBaseURL   = "AERO_MATCH_SIGNALING_PUBLIC_BASE_URL"
	envVarAllowedOrigins  = "ALLOWED_ORIGINS"
	envVarLogFormat       = "AERO_MATCH_SIGNALING_LOG_FORMAT"
	envVarLogLevel        = "AERO_MATCH_SIGNALING_LOG_LEVEL"
	envVarShutdownTimeout = "AERO_MATCH_SIGNALING_SHUTDOWN_TIMEOUT"
	envVarMode            = "AERO_MATCH_SIGNALING_MODE"

	// Signaling / WebSocket auth + hardening.
	envVarAuthMode                      = "AUTH_MODE"
	envVarJWTSecret                     = "JWT_SECRET"
	envVarJWTIssuer                     = "JWT_ISSUER"
	envVarJWTAudience                   = "JWT_AUDIENCE"
	envVarJWTLeeway                     = "JWT_LEEWAY"
	envVarSignalingAuthTimeout          = "SIGNALING_AUTH_TIMEOUT"
	envVarSignalingWSIdleTimeout        = "SIGNALING_WS_IDLE_TIMEOUT"
	envVarSignalingWSPingInterval       = "SIGNALING_WS_PING_INTERVAL"
	envVarMaxSignalingMessageBytes      = "MAX_SIGNALING_MESSAGE_BYTES"
	envVarMaxSignalingMessagesPerSecond = "MAX_SIGNALING_MESSAGES_PER_SECOND"
	envVarSignalingSendQueueLen         = "SIGNALING_SEND_QUEUE_LEN"
	envVarMaxConnections                = "MAX_CONNECTIONS"

	// Call lifecycle.
	envVarRingTimeout           = "RING_TIMEOUT"
	envVarStaleConnectionPolicy = "STALE_CONNECTION_POLICY"
	envVarCallInitsPerMinute    = "CALL_INITS_PER_MINUTE"

	// User directory.
	envVarDirectoryDriver   = "DIRECTORY_DRIVER"
	envVarDirectoryPath     = "DIRECTORY_PATH"
	envVarDirectorySeedFile = "DIRECTORY_SEED_FILE"
	envVarDirectoryTimeout  = "DIRECTORY_TIMEOUT"
	envVarDirectoryCacheTTL = "DIRECTORY_CACHE_TTL"

	// Matchmaking.
	envVarMatchCandidateLimit    = "MATCH_CANDIDATE_LIMIT"
	envVarMatchReservationTTL    = "MATCH_RESERVATION_TTL"
	envVarMatchSkipTTL           = "MATCH_SKIP_TTL"
	envVarMatchRequestsPerMinute = "MATCH_REQUESTS_PER_MINUTE"

	// coturn TURN REST (ephemeral) credentials.
	envVarTURNRESTSharedSecret   = "TURN_REST_SHARED_SECRET"
	envVarTURNRESTTTLSeconds     = "TURN_REST_TTL_SECONDS"
	envVarTURNRESTUsernamePrefix = "TURN_REST_USERNAME_PREFIX"
	envVarTURNRESTRealm          = "TURN_REST_REALM"

	DefaultListenAddr      = "127.0.0.1:8080"
	DefaultShutdown        = 15 * time.Second
	DefaultMode       Mode = ModeDev

	DefaultSignalingAuthTimeout          = 2 * time.Second
	DefaultSignalingWSIdleTimeout        = 60 * time.Second
	DefaultSignalingWSPingInterval       = 20 * time.Second
	DefaultMaxSignalingMessageBytes      = int64(64 * 1024)
	DefaultMaxSignalingMessagesPerSecond = 50
	DefaultSignalingSendQueueLen         = 64
	DefaultJWTLeeway                     = 30 * time.Second

	DefaultRingTimeout                                 = 45 * time.Second
	DefaultStaleConnectionPolicy StaleConnectionPolicy = StaleConnectionClose
	DefaultCallInitsPerMinute                          = 30

	DefaultDirectoryPath     = "match-directory.db"
	DefaultDirectoryTimeout  = 2 * time.Second
	DefaultDirectoryCacheTTL = 10 * time.Second

	DefaultMatchCandidateLimit    = 50
	DefaultMatchSkipTTL           = 10 * time.Minute
	DefaultMatchRequestsPerMinute = 100

	DefaultTURNRESTTTLSeconds     int64  = 3600
	DefaultTURNRESTUsernamePrefix string = "aero"
)

type Mode string

const (
	ModeDev  Mode = "dev"
	ModeProd Mode = "prod"
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

type AuthMode string

const (
	AuthModeNone AuthMode = "none"
	AuthModeJWT  AuthMode = "jwt"
)

// StaleConnectionPolicy controls what happens to a connection that is
// replaced by a newer one for the same user.
type StaleConnectionPolicy string

const (
	StaleConnectionClose StaleConnectionPolicy = "close"
	StaleConnectionKeep  StaleConnectionPolicy = "keep"
)

type DirectoryDriver string

const (
	DirectoryDriverSQLite DirectoryDriver = "sqlite"
	DirectoryDriverMemory DirectoryDriver = "memory"
)

type TurnRESTConfig struct {
	SharedSecret   string
	TTLSeconds     int64
	UsernamePrefix string
	Realm          string
}

func (c TurnRESTConfig) Enabled() bool {
	return strings.TrimSpace(c.SharedSecret) != ""
}

type Config struct {
	ListenAddr      string
	PublicBaseURL   string
	AllowedOrigins  []string
	LogFormat       LogFormat
	LogLevel        slog.Level
	ShutdownTimeout time.Duration
	Mode            Mode

	AuthMode    AuthMode
	JWTSecret   string
	JWTIssuer   string
	JWTAudience string
	JWTLeeway   time.Duration

	SignalingAuthTimeout    time.Duration
	SignalingWSIdleTimeout  time.Duration
	SignalingWSPingInterval time.Duration

	MaxSignalingMessageBytes      int64
	MaxSignalingMessagesPerSecond int
	SignalingSendQueueLen         int
	// MaxConnections caps concurrent signaling connections. 0 means unlimited.
	MaxConnections int

	RingTimeout           time.Duration
	StaleConnectionPolicy StaleConnectionPolicy
	// CallInitsPerMinute limits call-init frames per user. 0 disables the limit.
	CallInitsPerMinute int

	DirectoryDriver   DirectoryDriver
	DirectoryPath     string
	DirectorySeedFile string
	DirectoryTimeout  time.Duration
	// DirectoryCacheTTL bounds how stale ban/block lookups may be. 0 disables
	// caching.
	DirectoryCacheTTL time.Duration

	MatchCandidateLimit int
	// MatchReservationTTL > 0 reserves a selected candidate so concurrent
	// selections skip it. 0 leaves selection unsynchronized.
	MatchReservationTTL    time.Duration
	MatchSkipTTL           time.Duration
	MatchRequestsPerMinute int

	ICEServers []webrtc.ICEServer
	TURNREST   TurnRESTConfig

	iceConfigErr error
}

func (c Config) ICEConfigError() error {
	return c.iceConfigErr
}

func Load(args []string) (Config, error) {
	return load(os.LookupEnv, args)
}

func load(lookup func(string) (string, bool), args []string) (Config, error) {
	envMode, _ := lookup(envVarMode)
	modeDefault := string(DefaultMode)
	if envMode != "" {
		modeDefault = envMode
	}

	envLogFormat, envLogFormatOK := lookup(envVarLogFormat)
	envLogFormatSet := envLogFormatOK && envLogFormat != ""
	logFormatDefault := envLogFormat
	if !envLogFormatSet {
		logFormatDefault = defaultLogFormatForMode(modeDefault)
	}

	envLogLevel, envLogLevelOK := lookup(envVarLogLevel)
	envLogLevelSet := envLogLevelOK && envLogLevel != ""
	logLevelDefault := envLogLevel
	if !envLogLevelSet {
		logLevelDefault = defaultLogLevelForMode(modeDefault)
	}

	envDirectoryDriver, envDirectoryDriverOK := lookup(envVarDirectoryDriver)
	envDirectoryDriverSet := envDirectoryDriverOK && strings.TrimSpace(envDirectoryDriver) != ""
	directoryDriverDefault := strings.TrimSpace(envDirectoryDriver)
	if !envDirectoryDriverSet {
		directoryDriverDefault = defaultDirectoryDriverForMode(modeDefault)
	}

	envAuthMode, envAuthModeOK := lookup(envVarAuthMode)
	envAuthModeSet := envAuthModeOK && strings.TrimSpace(envAuthMode) != ""
	authModeDefault := strings.TrimSpace(envAuthMode)
	if !envAuthModeSet {
		authModeDefault = string(defaultAuthModeForMode(modeDefault))
	}

	listenAddr := envOrDefault(lookup, envVarListenAddr, DefaultListenAddr)
	publicBaseURL := envOrDefault(lookup, envVarPublicBaseURL, "")
	allowedOriginsStr := envOrDefault(lookup, envVarAllowedOrigins, "")
	iceServersJSON := envOrDefault(lookup, envICEServersJSON, "")
	stunURLs := envOrDefault(lookup, envStunURLs, "")
	turnURLs := envOrDefault(lookup, envTurnURLs, "")
	turnUsername := envOrDefault(lookup, envTurnUsername, "")
	turnCredential := envOrDefault(lookup, envTurnCredential, "")

	turnRESTSharedSecret := envOrDefault(lookup, envVarTURNRESTSharedSecret, "")
	turnRESTTTLSeconds := DefaultTURNRESTTTLSeconds
	if raw, ok := lookup(envVarTURNRESTTTLSeconds); ok && strings.TrimSpace(raw) != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarTURNRESTTTLSeconds, raw, err)
		}
		turnRESTTTLSeconds = n
	}
	turnRESTUsernamePrefix := envOrDefault(lookup, envVarTURNRESTUsernamePrefix, DefaultTURNRESTUsernamePrefix)
	turnRESTRealm := envOrDefault(lookup, envVarTURNRESTRealm, "")

	shutdownTimeout, err := envDurationOrDefault(lookup, envVarShutdownTimeout, DefaultShutdown)
	if err != nil {
		return Config{}, err
	}

	jwtSecret := envOrDefault(lookup, envVarJWTSecret, "")
	jwtIssuer := envOrDefault(lookup, envVarJWTIssuer, "")
	jwtAudience := envOrDefault(lookup, envVarJWTAudience, "")
	jwtLeeway, err := envDurationOrDefault(lookup, envVarJWTLeeway, DefaultJWTLeeway)
	if err != nil {
		return Config{}, err
	}

	signalingAuthTimeout, err := envDurationOrDefault(lookup, envVarSignalingAuthTimeout, DefaultSignalingAuthTimeout)
	if err != nil {
		return Config{}, err
	}
	signalingWSIdleTimeout, err := envDurationOrDefault(lookup, envVarSignalingWSIdleTimeout, DefaultSignalingWSIdleTimeout)
	if err != nil {
		return Config{}, err
	}
	signalingWSPingInterval, err := envDurationOrDefault(lookup, envVarSignalingWSPingInterval, DefaultSignalingWSPingInterval)
	if err != nil {
		return Config{}, err
	}

	maxSignalingMessageBytes := DefaultMaxSignalingMessageBytes
	if raw, ok := lookup(envVarMaxSignalingMessageBytes); ok && strings.TrimSpace(raw) != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarMaxSignalingMessageBytes, raw, err)
		}
		maxSignalingMessageBytes = n
	}
	maxSignalingMessagesPerSecond, err := envIntOrDefault(lookup, envVarMaxSignalingMessagesPerSecond, DefaultMaxSignalingMessagesPerSecond)
	if err != nil {
		return Config{}, err
	}
	signalingSendQueueLen, err := envIntOrDefault(lookup, envVarSignalingSendQueueLen, DefaultSignalingSendQueueLen)
	if err != nil {
		return Config{}, err
	}
	maxConnections, err := envIntOrDefault(lookup, envVarMaxConnections, 0)
	if err != nil {
		return Config{}, err
	}

	ringTimeout, err := envDurationOrDefault(lookup, envVarRingTimeout, DefaultRingTimeout)
	if err != nil {
		return Config{}, err
	}
	stalePolicyDefault := envOrDefault(lookup, envVarStaleConnectionPolicy, string(DefaultStaleConnectionPolicy))
	callInitsPerMinute, err := envIntOrDefault(lookup, envVarCallInitsPerMinute, DefaultCallInitsPerMinute)
	if err != nil {
		return Config{}, err
	}

	directoryPath := envOrDefault(lookup, envVarDirectoryPath, DefaultDirectoryPath)
	directorySeedFile := envOrDefault(lookup, envVarDirectorySeedFile, "")
	directoryTimeout, err := envDurationOrDefault(lookup, envVarDirectoryTimeout, DefaultDirectoryTimeout)
	if err != nil {
		return Config{}, err
	}
	directoryCacheTTL, err := envDurationOrDefault(lookup, envVarDirectoryCacheTTL, DefaultDirectoryCacheTTL)
	if err != nil {
		return Config{}, err
	}

	matchCandidateLimit, err := envIntOrDefault(lookup, envVarMatchCandidateLimit, DefaultMatchCandidateLimit)
	if err != nil {
		return Config{}, err
	}
	matchReservationTTL, err := envDurationOrDefault(lookup, envVarMatchReservationTTL, 0)
	if err != nil {
		return Config{}, err
	}
	matchSkipTTL, err := envDurationOrDefault(lookup, envVarMatchSkipTTL, DefaultMatchSkipTTL)
	if err != nil {
		return Config{}, err
	}
	matchRequestsPerMinute, err := envIntOrDefault(lookup, envVarMatchRequestsPerMinute, DefaultMatchRequestsPerMinute)
	if err != nil {
		return Config{}, err
	}

	fs := pflag.NewFlagSet("aero-webrtc-match-signaling", pflag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var (
		modeStr            string
		logFormatStr       string
		logLevelStr        string
		authModeStr        string
		stalePolicyStr     string
		directoryDriverStr string
	)

	fs.StringVar(&listenAddr, "listen-addr", listenAddr, "HTTP listen address (host:port)")
	fs.StringVar(&publicBaseURL, "public-base-url", publicBaseURL, "Public base URL (optional; used for logging)")
	fs.StringVar(&allowedOriginsStr, "allowed-origins", allowedOriginsStr, "Comma-separated list of allowed browser origins (env "+envVarAllowedOrigins+")")
	fs.StringVar(&modeStr, "mode", modeDefault, "Run mode: dev or prod")
	fs.StringVar(&logFormatStr, "log-format", logFormatDefault, "Log format: text or json")
	fs.StringVar(&logLevelStr, "log-level", logLevelDefault, "Log level: debug, info, warn, error")
	fs.DurationVar(&shutdownTimeout, "shutdown-timeout", shutdownTimeout, "Graceful shutdown timeout (e.g. 15s)")

	fs.StringVar(&iceServersJSON, "ice-servers-json", iceServersJSON, "ICE server JSON config ("+envICEServersJSON+")")
	fs.StringVar(&stunURLs, "stun-urls", stunURLs, "comma-separated STUN URLs ("+envStunURLs+")")
	fs.StringVar(&turnURLs, "turn-urls", turnURLs, "comma-separated TURN URLs ("+envTurnURLs+")")
	fs.StringVar(&turnUsername, "turn-username", turnUsername, "TURN username ("+envTurnUsername+")")
	fs.StringVar(&turnCredential, "turn-credential", turnCredential, "TURN credential ("+envTurnCredential+")")
	fs.StringVar(&turnRESTSharedSecret, "turn-rest-shared-secret", turnRESTSharedSecret, "TURN REST shared secret ("+envVarTURNRESTSharedSecret+")")
	fs.Int64Var(&turnRESTTTLSeconds, "turn-rest-ttl-seconds", turnRESTTTLSeconds, "TURN REST credential TTL seconds ("+envVarTURNRESTTTLSeconds+")")
	fs.StringVar(&turnRESTUsernamePrefix, "turn-rest-username-prefix", turnRESTUsernamePrefix, "TURN REST username prefix ("+envVarTURNRESTUsernamePrefix+")")
	fs.StringVar(&turnRESTRealm, "turn-rest-realm", turnRESTRealm, "TURN realm (coturn config; "+envVarTURNRESTRealm+")")

	fs.StringVar(&authModeStr, "auth-mode", authModeDefault, "Signaling auth mode: none or jwt (env "+envVarAuthMode+")")
	fs.StringVar(&jwtIssuer, "jwt-issuer", jwtIssuer, "Required JWT iss claim; empty disables the check (env "+envVarJWTIssuer+")")
	fs.StringVar(&jwtAudience, "jwt-audience", jwtAudience, "Required JWT aud claim; empty disables the check (env "+envVarJWTAudience+")")
	fs.DurationVar(&jwtLeeway, "jwt-leeway", jwtLeeway, "Clock skew tolerated on JWT time claims (env "+envVarJWTLeeway+")")
	fs.DurationVar(&signalingAuthTimeout, "signaling-auth-timeout", signalingAuthTimeout, "Signaling WS auth timeout (env "+envVarSignalingAuthTimeout+")")
	fs.DurationVar(&signalingWSIdleTimeout, "signaling-ws-idle-timeout", signalingWSIdleTimeout, "Close idle signaling WebSocket connections after this duration (env "+envVarSignalingWSIdleTimeout+")")
	fs.DurationVar(&signalingWSPingInterval, "signaling-ws-ping-interval", signalingWSPingInterval, "Send ping frames on signaling WebSocket connections at this interval (must be < --signaling-ws-idle-timeout; env "+envVarSignalingWSPingInterval+")")
	fs.Int64Var(&maxSignalingMessageBytes, "max-signaling-message-bytes", maxSignalingMessageBytes, "Max inbound signaling WS message size in bytes (env "+envVarMaxSignalingMessageBytes+")")
	fs.IntVar(&maxSignalingMessagesPerSecond, "max-signaling-messages-per-second", maxSignalingMessagesPerSecond, "Max inbound signaling WS messages per second (env "+envVarMaxSignalingMessagesPerSecond+")")
	fs.IntVar(&signalingSendQueueLen, "signaling-send-queue-len", signalingSendQueueLen, "Outbound frames buffered per connection before it is dropped as a slow consumer (env "+envVarSignalingSendQueueLen+")")
	fs.IntVar(&maxConnections, "max-connections", maxConnections, "Maximum concurrent signaling connections (0 = unlimited; env "+envVarMaxConnections+")")

	fs.DurationVar(&ringTimeout, "ring-timeout", ringTimeout, "End calls that are still ringing after this duration (env "+envVarRingTimeout+")")
	fs.StringVar(&stalePolicyStr, "stale-connection-policy", stalePolicyDefault, "What to do with a connection replaced by a newer one: close or keep (env "+envVarStaleConnectionPolicy+")")
	fs.IntVar(&callInitsPerMinute, "call-inits-per-minute", callInitsPerMinute, "Max call-init frames per user per minute (0 = unlimited; env "+envVarCallInitsPerMinute+")")

	fs.StringVar(&directoryDriverStr, "directory-driver", directoryDriverDefault, "User directory backend: sqlite or memory (env "+envVarDirectoryDriver+")")
	fs.StringVar(&directoryPath, "directory-path", directoryPath, "SQLite database path (env "+envVarDirectoryPath+")")
	fs.StringVar(&directorySeedFile, "directory-seed-file", directorySeedFile, "Optional YAML seed applied at startup (env "+envVarDirectorySeedFile+")")
	fs.DurationVar(&directoryTimeout, "directory-timeout", directoryTimeout, "Timeout for each user directory call (env "+envVarDirectoryTimeout+")")
	fs.DurationVar(&directoryCacheTTL, "directory-cache-ttl", directoryCacheTTL, "Cache ban and block lookups for this long (0 = disabled; env "+envVarDirectoryCacheTTL+")")

	fs.IntVar(&matchCandidateLimit, "match-candidate-limit", matchCandidateLimit, "Max candidates fetched per match request (env "+envVarMatchCandidateLimit+")")
	fs.DurationVar(&matchReservationTTL, "match-reservation-ttl", matchReservationTTL, "Reserve matched candidates for this long (0 = disabled; env "+envVarMatchReservationTTL+")")
	fs.DurationVar(&matchSkipTTL, "match-skip-ttl", matchSkipTTL, "Remember skipped users for this long (env "+envVarMatchSkipTTL+")")
	fs.IntVar(&matchRequestsPerMinute, "match-requests-per-minute", matchRequestsPerMinute, "Max match requests per user per minute (0 = unlimited; env "+envVarMatchRequestsPerMinute+")")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	setFlags := map[string]bool{}
	fs.Visit(func(f *pflag.Flag) {
		setFlags[f.Name] = true
	})

	mode, err := parseMode(modeStr)
	if err != nil {
		return Config{}, err
	}

	// Mode-derived defaults follow --mode when it was given on the command line.
	if !envLogFormatSet && !setFlags["log-format"] {
		logFormatStr = defaultLogFormatForMode(string(mode))
	}
	if !envLogLevelSet && !setFlags["log-level"] {
		logLevelStr = defaultLogLevelForMode(string(mode))
	}
	if !envDirectoryDriverSet && !setFlags["directory-driver"] {
		directoryDriverStr = defaultDirectoryDriverForMode(string(mode))
	}
	if !envAuthModeSet && !setFlags["auth-mode"] {
		authModeStr = string(defaultAuthModeForMode(string(mode)))
	}

	logFormat, err := parseLogFormat(logFormatStr)
	if err != nil {
		return Config{}, err
	}

	level, err := parseLogLevel(logLevelStr)
	if err != nil {
		return Config{}, err
	}

	authMode, err := parseAuthMode(authModeStr)
	if err != nil {
		return Config{}, err
	}

	stalePolicy, err := parseStaleConnectionPolicy(stalePolicyStr)
	if err != nil {
		return Config{}, err
	}

	directoryDriver, err := parseDirectoryDriver(directoryDriverStr)
	if err != nil {
		return Config{}, err
	}

	if listenAddr == "" {
		return Config{}, fmt.Errorf("listen address must not be empty")
	}
	if shutdownTimeout <= 0 {
		return Config{}, fmt.Errorf("shutdown timeout must be > 0")
	}
	if authMode == AuthModeJWT && strings.TrimSpace(jwtSecret) == "" {
		return Config{}, fmt.Errorf("%s must be set when %s=%s", envVarJWTSecret, envVarAuthMode, AuthModeJWT)
	}
	if jwtLeeway < 0 {
		return Config{}, fmt.Errorf("%s/--jwt-leeway must be >= 0", envVarJWTLeeway)
	}
	if signalingAuthTimeout <= 0 {
		return Config{}, fmt.Errorf("%s/--signaling-auth-timeout must be > 0", envVarSignalingAuthTimeout)
	}
	if signalingWSIdleTimeout <= 0 {
		return Config{}, fmt.Errorf("%s/--signaling-ws-idle-timeout must be > 0", envVarSignalingWSIdleTimeout)
	}
	if signalingWSPingInterval <= 0 {
		return Config{}, fmt.Errorf("%s/--signaling-ws-ping-interval must be > 0", envVarSignalingWSPingInterval)
	}
	if signalingWSPingInterval >= signalingWSIdleTimeout {
		return Config{}, fmt.Errorf("%s/--signaling-ws-ping-interval must be < %s/--signaling-ws-idle-timeout", envVarSignalingWSPingInterval, envVarSignalingWSIdleTimeout)
	}
	if maxSignalingMessageBytes <= 0 {
		return Config{}, fmt.Errorf("%s/--max-signaling-message-bytes must be > 0", envVarMaxSignalingMessageBytes)
	}
	if maxSignalingMessagesPerSecond <= 0 {
		return Config{}, fmt.Errorf("%s/--max-signaling-messages-per-second must be > 0", envVarMaxSignalingMessagesPerSecond)
	}
	if signalingSendQueueLen <= 0 {
		return Config{}, fmt.Errorf("%s/--signaling-send-queue-len must be > 0", envVarSignalingSendQueueLen)
	}
	if maxConnections < 0 {
		return Config{}, fmt.Errorf("%s/--max-connections must be >= 0 (0 = unlimited)", envVarMaxConnections)
	}
	if ringTimeout <= 0 {
		return Config{}, fmt.Errorf("%s/--ring-timeout must be > 0", envVarRingTimeout)
	}
	if callInitsPerMinute < 0 {
		return Config{}, fmt.Errorf("%s/--call-inits-per-minute must be >= 0 (0 = unlimited)", envVarCallInitsPerMinute)
	}
	if directoryDriver == DirectoryDriverSQLite && strings.TrimSpace(directoryPath) == "" {
		return Config{}, fmt.Errorf("%s must be set when %s=%s", envVarDirectoryPath, envVarDirectoryDriver, DirectoryDriverSQLite)
	}
	if directoryTimeout <= 0 {
		return Config{}, fmt.Errorf("%s/--directory-timeout must be > 0", envVarDirectoryTimeout)
	}
	if directoryCacheTTL < 0 {
		return Config{}, fmt.Errorf("%s/--directory-cache-ttl must be >= 0 (0 = disabled)", envVarDirectoryCacheTTL)
	}
	if matchCandidateLimit <= 0 {
		return Config{}, fmt.Errorf("%s/--match-candidate-limit must be > 0", envVarMatchCandidateLimit)
	}
	if matchReservationTTL < 0 {
		return Config{}, fmt.Errorf("%s/--match-reservation-ttl must be >= 0 (0 = disabled)", envVarMatchReservationTTL)
	}
	if matchSkipTTL <= 0 {
		return Config{}, fmt.Errorf("%s/--match-skip-ttl must be > 0", envVarMatchSkipTTL)
	}
	if matchRequestsPerMinute < 0 {
		return Config{}, fmt.Errorf("%s/--match-requests-per-minute must be >= 0 (0 = unlimited)", envVarMatchRequestsPerMinute)
	}

	if strings.TrimSpace(turnRESTSharedSecret) != "" {
		if turnRESTTTLSeconds <= 0 {
			return Config{}, fmt.Errorf("%s must be > 0 when %s is set", envVarTURNRESTTTLSeconds, envVarTURNRESTSharedSecret)
		}
		if strings.TrimSpace(turnRESTUsernamePrefix) == "" {
			return Config{}, fmt.Errorf("%s must be non-empty when %s is set", envVarTURNRESTUsernamePrefix, envVarTURNRESTSharedSecret)
		}
		if strings.Contains(turnRESTUsernamePrefix, ":") {
			return Config{}, fmt.Errorf("%s must not contain ':'", envVarTURNRESTUsernamePrefix)
		}
	}

	allowedOrigins, err := parseAllowedOrigins(allowedOriginsStr)
	if err != nil {
		return Config{}, fmt.Errorf("%s/%s: %w", envVarAllowedOrigins, "--allowed-origins", err)
	}

	cfg := Config{
		ListenAddr:      listenAddr,
		PublicBaseURL:   publicBaseURL,
		AllowedOrigins:  allowedOrigins,
		LogFormat:       logFormat,
		LogLevel:        level,
		ShutdownTimeout: shutdownTimeout,
		Mode:            mode,

		AuthMode:    authMode,
		JWTSecret:   jwtSecret,
		JWTIssuer:   strings.TrimSpace(jwtIssuer),
		JWTAudience: strings.TrimSpace(jwtAudience),
		JWTLeeway:   jwtLeeway,

		SignalingAuthTimeout:          signalingAuthTimeout,
		SignalingWSIdleTimeout:        signalingWSIdleTimeout,
		SignalingWSPingInterval:       signalingWSPingInterval,
		MaxSignalingMessageBytes:      maxSignalingMessageBytes,
		MaxSignalingMessagesPerSecond: maxSignalingMessagesPerSecond,
		SignalingSendQueueLen:         signalingSendQueueLen,
		MaxConnections:                maxConnections,

		RingTimeout:           ringTimeout,
		StaleConnectionPolicy: stalePolicy,
		CallInitsPerMinute:    callInitsPerMinute,

		DirectoryDriver:   directoryDriver,
		DirectoryPath:     strings.TrimSpace(directoryPath),
		DirectorySeedFile: strings.TrimSpace(directorySeedFile),
		DirectoryTimeout:  directoryTimeout,
		DirectoryCacheTTL: directoryCacheTTL,

		MatchCandidateLimit:    matchCandidateLimit,
		MatchReservationTTL:    matchReservationTTL,
		MatchSkipTTL:           matchSkipTTL,
		MatchRequestsPerMinute: matchRequestsPerMinute,

		TURNREST: TurnRESTConfig{
			SharedSecret:   turnRESTSharedSecret,
			TTLSeconds:     turnRESTTTLSeconds,
			UsernamePrefix: turnRESTUsernamePrefix,
			Realm:          turnRESTRealm,
		},
	}

	iceServers, err := parseICEServersFromValues(
		iceServersJSON,
		stunURLs,
		turnURLs,
		turnUsername,
		turnCredential,
		cfg.TURNREST.Enabled(),
	)
	if err != nil {
		cfg.iceConfigErr = err
	} else {
		cfg.ICEServers = iceServers
	}

	return cfg, nil
}

func NewLogger(cfg Config) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	switch cfg.LogFormat {
	case LogFormatText:
		handler = slog.NewTextHandler(os.Stdout, opts)
	case LogFormatJSON:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		return nil, fmt.Errorf("unsupported log format %q", cfg.LogFormat)
	}

	return slog.New(handler), nil
}

func envOrDefault(lookup func(string) (string, bool), key, fallback string) string {
	if v, ok := lookup(key); ok && v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(lookup func(string) (string, bool), key string, fallback int) (int, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}

func envDurationOrDefault(lookup func(string) (string, bool), key string, fallback time.Duration) (time.Duration, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return d, nil
}

func isProdMode(mode string) bool {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return true
	default:
		return false
	}
}

func defaultLogFormatForMode(mode string) string {
	if isProdMode(mode) {
		return string(LogFormatJSON)
	}
	return string(LogFormatText)
}

func defaultLogLevelForMode(mode string) string {
	if isProdMode(mode) {
		return "info"
	}
	return "debug"
}

// Dev mode needs neither a database file nor a token issuer.
func defaultDirectoryDriverForMode(mode string) string {
	if isProdMode(mode) {
		return string(DirectoryDriverSQLite)
	}
	return string(DirectoryDriverMemory)
}

func defaultAuthModeForMode(mode string) AuthMode {
	if isProdMode(mode) {
		return AuthModeJWT
	}
	return AuthModeNone
}

func parseMode(raw string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(ModeDev), "development":
		return ModeDev, nil
	case string(ModeProd), "production":
		return ModeProd, nil
	default:
		return "", fmt.Errorf("invalid mode %q (expected dev or prod)", raw)
	}
}

func parseLogFormat(raw string) (LogFormat, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(LogFormatText):
		return LogFormatText, nil
	case string(LogFormatJSON):
		return LogFormatJSON, nil
	default:
		return "", fmt.Errorf("invalid log format %q (expected text or json)", raw)
	}
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level %q (expected debug, info, warn, error)", raw)
	}
}

func parseAuthMode(raw string) (AuthMode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(AuthModeNone):
		return AuthModeNone, nil
	case string(AuthModeJWT):
		return AuthModeJWT, nil
	default:
		return "", fmt.Errorf("invalid %s %q (expected %s or %s)", envVarAuthMode, raw, AuthModeNone, AuthModeJWT)
	}
}

func parseStaleConnectionPolicy(raw string) (StaleConnectionPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(StaleConnectionClose), "":
		return StaleConnectionClose, nil
	case string(StaleConnectionKeep):
		return StaleConnectionKeep, nil
	default:
		return "", fmt.Errorf("invalid %s %q (expected %s or %s)", envVarStaleConnectionPolicy, raw, StaleConnectionClose, StaleConnectionKeep)
	}
}

func parseDirectoryDriver(raw string) (DirectoryDriver, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(DirectoryDriverSQLite), "sqlite3":
		return DirectoryDriverSQLite, nil
	case string(DirectoryDriverMemory):
		return DirectoryDriverMemory, nil
	default:
		return "", fmt.Errorf("invalid %s %q (expected %s or %s)", envVarDirectoryDriver, raw, DirectoryDriverSQLite, DirectoryDriverMemory)
	}
}

func parseAllowedOrigins(raw string) ([]string, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}

	var out []string
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		if entry == "*" {
			out = append(out, entry)
			continue
		}

		normalizedOrigin, err := origin.Normalize(entry)
		if err != nil {
			return nil, fmt.Errorf("invalid origin %q (expected full origin like https://example.com): %w", entry, err)
		}
		out = append(out, normalizedOrigin)
	}
	return out, nil
}
