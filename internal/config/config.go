package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type DB struct {
	User string
	Pass string
	Host string
	Port string
	Name string
}

type NSQ struct {
	NsqdTCPAddr       string // e.g. localhost:4150
	LookupHTTPAddr    string // e.g. http://localhost:4161
	SubmissionsTopic  string // topic accepted submissions are published to
	MonitorChannel    string // channel used by submission-monitor
	PublishSubmission bool   // whether the task server publishes submissions
}

type Agent struct {
	QueueURL          string        // base URL of the queue service
	QueueToken        string        // optional bearer token for the queue service
	PollInterval      time.Duration // wait after an empty poll; 0 re-polls immediately
	PollFailureDelay  time.Duration // wait after a poll that failed in transport; 0 retries immediately
	FetchTimeout      time.Duration // 0 waits on the transport
	SubmitTimeout     time.Duration // 0 waits on the transport
	Fetcher           string        // http | browser
	CookieFile        string        // Netscape cookies.txt exported from the browser
	UserAgent         string        // sent with every fetch
	BrowserProfileDir string        // persistent browser profile holding the session
	BrowserHeadless   bool
	BrowserChannel    string // e.g. chrome, msedge; empty uses bundled chromium
	HTTPPort          string // health/metrics side server
	Autostart         bool   // skip the confirmation prompt
	Loops             int    // number of independent loop instances to trigger
}

type TaskServer struct {
	Port         string        // listen address, :2333 by default
	Store        string        // memory | postgres
	ReadTimeout  time.Duration // HTTP read timeout
	WriteTimeout time.Duration // HTTP write timeout
	IdleTimeout  time.Duration // HTTP idle timeout
}

type Auth struct {
	PublicKeyFile string // RSA public key (PEM) used to verify bearer tokens; empty disables auth
	Issuer        string
	Audience      string
}

type Config struct {
	AppName    string
	LogLevel   string
	DB         DB
	NSQ        NSQ
	Agent      Agent
	TaskServer TaskServer
	Auth       Auth
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getenvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getenvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d >= 0 {
			return d
		}
	}
	return def
}

// normalizeBaseURL strips trailing slashes so paths can be appended.
func normalizeBaseURL(u string) string {
	u = strings.TrimSpace(u)
	if u == "" {
		return u
	}
	if !strings.Contains(u, "://") {
		u = "http://" + u
	}
	return strings.TrimRight(u, "/")
}

func FromEnv() Config {
	return Config{
		AppName:  getenv("APP_NAME", "session-relay"),
		LogLevel: getenv("LOG_LEVEL", "info"),
		DB: DB{
			User: getenv("DB_USER", "postgres"),
			Pass: getenv("DB_PASS", "postgres"),
			Host: getenv("DB_HOST", "localhost"),
			Port: getenv("DB_PORT", "5432"),
			Name: getenv("DB_NAME", "session_relay"),
		},
		NSQ: NSQ{
			NsqdTCPAddr:       getenv("NSQD_TCP_ADDR", "localhost:4150"),
			LookupHTTPAddr:    getenv("NSQ_LOOKUP_HTTP_ADDR", "http://localhost:4161"),
			SubmissionsTopic:  getenv("NSQ_SUBMISSIONS_TOPIC", "submissions"),
			MonitorChannel:    getenv("NSQ_MONITOR_CHANNEL", "monitor"),
			PublishSubmission: getenvBool("PUBLISH_SUBMISSIONS", false),
		},
		Agent: Agent{
			QueueURL:          normalizeBaseURL(getenv("QUEUE_URL", "http://localhost:2333")),
			QueueToken:        getenv("QUEUE_TOKEN", ""),
			PollInterval:      getenvDuration("POLL_INTERVAL", 0),
			PollFailureDelay:  getenvDuration("POLL_FAILURE_DELAY", 0),
			FetchTimeout:      getenvDuration("FETCH_TIMEOUT", 0),
			SubmitTimeout:     getenvDuration("SUBMIT_TIMEOUT", 0),
			Fetcher:           strings.ToLower(getenv("FETCHER", "http")),
			CookieFile:        getenv("COOKIE_FILE", ""),
			UserAgent:         getenv("USER_AGENT", ""),
			BrowserProfileDir: getenv("BROWSER_PROFILE_DIR", ""),
			BrowserHeadless:   getenvBool("BROWSER_HEADLESS", true),
			BrowserChannel:    getenv("BROWSER_CHANNEL", ""),
			HTTPPort:          getenv("AGENT_HTTP_PORT", ":8090"),
			Autostart:         getenvBool("AGENT_AUTOSTART", false),
			Loops:             getenvInt("AGENT_LOOPS", 1),
		},
		TaskServer: TaskServer{
			Port:         getenv("TASKSERVER_PORT", ":2333"),
			Store:        strings.ToLower(getenv("TASK_STORE", "memory")),
			ReadTimeout:  getenvDuration("TASKSERVER_READ_TIMEOUT", 10*time.Second),
			WriteTimeout: getenvDuration("TASKSERVER_WRITE_TIMEOUT", 0),
			IdleTimeout:  getenvDuration("TASKSERVER_IDLE_TIMEOUT", 60*time.Second),
		},
		Auth: Auth{
			PublicKeyFile: getenv("JWT_PUBLIC_KEY_FILE", ""),
			Issuer:        getenv("JWT_ISSUER", "session-relay"),
			Audience:      getenv("JWT_AUDIENCE", "session-relay-taskserver"),
		},
	}
}

func (c Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		c.DB.User, c.DB.Pass, c.DB.Host, c.DB.Port, c.DB.Name)
}

// Validate rejects agent settings that cannot work.
func (c Config) Validate() error {
	if c.Agent.QueueURL == "" {
		return fmt.Errorf("QUEUE_URL must not be empty")
	}
	switch c.Agent.Fetcher {
	case "http":
	case "browser":
		if c.Agent.BrowserProfileDir == "" {
			return fmt.Errorf("BROWSER_PROFILE_DIR is required when FETCHER=browser")
		}
	default:
		return fmt.Errorf("unknown FETCHER %q (want http or browser)", c.Agent.Fetcher)
	}
	if c.Agent.Loops < 1 {
		return fmt.Errorf("AGENT_LOOPS must be >= 1, got %d", c.Agent.Loops)
	}
	switch c.TaskServer.Store {
	case "memory", "postgres":
	default:
		return fmt.Errorf("unknown TASK_STORE %q (want memory or postgres)", c.TaskServer.Store)
	}
	return nil
}
