package intake

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is built once at startup and passed explicitly into every
// component constructor. Nothing else in the package reads the environment.
type Config struct {
	StorageEndpoint  string
	StorageAccessKey string
	StorageSecretKey string
	StorageUseSSL    bool

	Container            string
	AllowedExtension     string
	MaxBytes             int64
	RequireWellFormedXML bool

	IngestAPIURL   string
	IngestAudience string
	IngestToken    string
	IngestTimeout  time.Duration

	DatabaseURL string

	QueueDSN          string
	QueueName         string
	PoisonQueueName   string
	PollInterval      time.Duration
	BatchSize         int
	VisibilityTimeout time.Duration
	MaxDequeueCount   int

	MetricsLogEvery   int
	MetricsFlushEvery int
	WorkerID          string

	RedisAddr string

	LogFile  string
	LogLevel slog.Level
}

var requiredEnv = []string{
	"INTAKE_STORAGE_ENDPOINT",
	"INTAKE_STORAGE_ACCESS_KEY",
	"INTAKE_STORAGE_SECRET_KEY",
	"INTAKE_CONTAINER",
	"INTAKE_ALLOWED_EXT",
	"INTAKE_MAX_BYTES",
	"INTAKE_WELLFORMED_XML",
	"INGEST_API_URL",
	"INGEST_AAD_AUDIENCE",
	"INGEST_API_TOKEN",
	"DATABASE_URL",
}

// LoadConfig reads worker configuration from the environment. A missing
// required setting is a startup error: the process must refuse to run
// rather than limp along with a partial configuration.
func LoadConfig() (Config, error) {
	var missing []string
	for _, name := range requiredEnv {
		if strings.TrimSpace(os.Getenv(name)) == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return Config{}, fmt.Errorf("%w: %s", ErrMissingConfig, strings.Join(missing, ", "))
	}

	maxBytes, err := strconv.ParseInt(os.Getenv("INTAKE_MAX_BYTES"), 10, 64)
	if err != nil || maxBytes <= 0 {
		return Config{}, fmt.Errorf("INTAKE_MAX_BYTES must be a positive integer")
	}

	xmlFlag := os.Getenv("INTAKE_WELLFORMED_XML")
	if xmlFlag != "0" && xmlFlag != "1" {
		return Config{}, fmt.Errorf("INTAKE_WELLFORMED_XML must be 0 or 1")
	}

	allowedExt := NormalizeExtension(os.Getenv("INTAKE_ALLOWED_EXT"))
	if allowedExt == "" {
		return Config{}, fmt.Errorf("INTAKE_ALLOWED_EXT must be a non-empty extension")
	}

	ingestTimeoutMS, err := positiveIntEnv("INGEST_API_TIMEOUT_MS", 15000)
	if err != nil {
		return Config{}, err
	}
	pollMS, err := positiveIntEnv("EVENTGRID_QUEUE_POLL_MS", 2000)
	if err != nil {
		return Config{}, err
	}
	batchSize, err := positiveIntEnv("EVENTGRID_QUEUE_BATCH_SIZE", 10)
	if err != nil {
		return Config{}, err
	}
	visibilitySecs, err := positiveIntEnv("EVENTGRID_QUEUE_VISIBILITY_TIMEOUT", 30)
	if err != nil {
		return Config{}, err
	}
	maxDequeue, err := positiveIntEnv("EVENTGRID_QUEUE_MAX_DEQUEUE", 5)
	if err != nil {
		return Config{}, err
	}
	logEvery, err := positiveIntEnv("METRICS_LOG_EVERY", 10)
	if err != nil {
		return Config{}, err
	}
	flushEvery, err := positiveIntEnv("METRICS_FLUSH_EVERY", 25)
	if err != nil {
		return Config{}, err
	}

	queueName := os.Getenv("EVENTGRID_QUEUE_NAME")
	if queueName == "" {
		queueName = "ro-sftp-events"
	}
	poisonName := os.Getenv("EVENTGRID_QUEUE_POISON_NAME")
	if poisonName == "" {
		poisonName = queueName + "-poison"
	}
	queueDSN := os.Getenv("EVENTGRID_QUEUE_DSN")
	if queueDSN == "" {
		queueDSN = os.Getenv("DATABASE_URL")
	}

	workerID := os.Getenv("WORKER_ID")
	if workerID == "" {
		hostname, hostErr := os.Hostname()
		if hostErr != nil {
			hostname = "unknown"
		}
		workerID = fmt.Sprintf("%s:%d", hostname, os.Getpid())
	}

	return Config{
		StorageEndpoint:      os.Getenv("INTAKE_STORAGE_ENDPOINT"),
		StorageAccessKey:     os.Getenv("INTAKE_STORAGE_ACCESS_KEY"),
		StorageSecretKey:     os.Getenv("INTAKE_STORAGE_SECRET_KEY"),
		StorageUseSSL:        os.Getenv("INTAKE_STORAGE_USE_SSL") == "true",
		Container:            os.Getenv("INTAKE_CONTAINER"),
		AllowedExtension:     allowedExt,
		MaxBytes:             maxBytes,
		RequireWellFormedXML: xmlFlag == "1",
		IngestAPIURL:         os.Getenv("INGEST_API_URL"),
		IngestAudience:       os.Getenv("INGEST_AAD_AUDIENCE"),
		IngestToken:          os.Getenv("INGEST_API_TOKEN"),
		IngestTimeout:        time.Duration(ingestTimeoutMS) * time.Millisecond,
		DatabaseURL:          os.Getenv("DATABASE_URL"),
		QueueDSN:             queueDSN,
		QueueName:            queueName,
		PoisonQueueName:      poisonName,
		PollInterval:         time.Duration(pollMS) * time.Millisecond,
		BatchSize:            batchSize,
		VisibilityTimeout:    time.Duration(visibilitySecs) * time.Second,
		MaxDequeueCount:      maxDequeue,
		MetricsLogEvery:      logEvery,
		MetricsFlushEvery:    flushEvery,
		WorkerID:             workerID,
		RedisAddr:            os.Getenv("REDIS_ADDR"),
		LogFile:              os.Getenv("INTAKE_LOG_FILE"),
		LogLevel:             parseLogLevel(os.Getenv("LOG_LEVEL")),
	}, nil
}

// NormalizeExtension lowercases an extension and strips an optional
// leading dot, so ".XML", "XML" and "xml" all compare equal.
func NormalizeExtension(ext string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(ext), "."))
}

func positiveIntEnv(name string, fallback int) (int, error) {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value <= 0 {
		return 0, fmt.Errorf("%s must be a positive integer", name)
	}
	return value, nil
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
