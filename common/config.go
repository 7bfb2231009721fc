package common

import (
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/spf13/viper"
)

// ===============================================================================
// Retention Configuration Structures

// RetainConfig segment retention policy
type RetainConfig struct {
	// Days retention window length in days; fractional values are allowed
	Days float64 `mapstructure:"days" json:"days" validate:"gte=0"`
	// Mode retention mode applied to segments covered by this policy
	Mode RetainMode `mapstructure:"mode" json:"mode" validate:"oneof=all motion active_objects"`
}

// Window convert Days to a time.Duration
func (c RetainConfig) Window() time.Duration {
	return time.Duration(c.Days * 24 * float64(time.Hour))
}

// SnapshotRetainConfig snapshot retention policy
type SnapshotRetainConfig struct {
	// DefaultDays default snapshot retention in days
	DefaultDays float64 `mapstructure:"default" json:"default" validate:"gte=0"`
	// Objects per-label retention overrides in days
	Objects map[string]float64 `mapstructure:"objects" json:"objects,omitempty"`
}

// CameraRecordConfig per-camera recording settings
type CameraRecordConfig struct {
	// Enabled whether recording is enabled for this camera
	Enabled bool `mapstructure:"enabled" json:"enabled"`
	// PreCaptureInSec seconds of footage to keep ahead of a detection
	PreCaptureInSec uint32 `mapstructure:"preCaptureInSec" json:"preCaptureInSec" validate:"lte=300"`
	// Retain base retention applied to segments outside the recent window
	Retain RetainConfig `mapstructure:"retain" json:"retain" validate:"required,dive"`
	// Alerts retention applied to segments overlapping alert severity events
	Alerts RetainConfig `mapstructure:"alerts" json:"alerts" validate:"required,dive"`
	// Detections retention applied to segments overlapping detection severity events
	Detections RetainConfig `mapstructure:"detections" json:"detections" validate:"required,dive"`
}

// PreCapture convert PreCaptureInSec to time.Duration
func (c CameraRecordConfig) PreCapture() time.Duration {
	return time.Second * time.Duration(c.PreCaptureInSec)
}

// detectionsClampWarning gates the retention clamp warning to one emission
var detectionsClampWarning sync.Once

// EventRetain select the retention policy for an overlapping event by severity.
// A detections policy configured more permissive than alerts is tolerated but
// clamped to the alerts policy, with a warning logged once.
func (c CameraRecordConfig) EventRetain(severity Severity) RetainConfig {
	if severity == SeverityAlert {
		return c.Alerts
	}
	retain := c.Detections
	if retain.Days > c.Alerts.Days {
		detectionsClampWarning.Do(func() {
			log.
				WithField("detections-days", c.Detections.Days).
				WithField("alerts-days", c.Alerts.Days).
				Warn("Detections retention exceeds alerts retention; clamping to alerts")
		})
		retain.Days = c.Alerts.Days
	}
	return retain
}

// CameraConfig per-camera settings consumed by the retention engine
type CameraConfig struct {
	// Record recording settings
	Record CameraRecordConfig `mapstructure:"record" json:"record" validate:"required,dive"`
	// Snapshots snapshot retention settings
	Snapshots SnapshotRetainConfig `mapstructure:"snapshots" json:"snapshots" validate:"required,dive"`
}

// RecordEngineConfig global recording retention settings
type RecordEngineConfig struct {
	// DefaultRetain fallback retention for recordings from cameras no longer configured
	DefaultRetain RetainConfig `mapstructure:"defaultRetain" json:"defaultRetain" validate:"required,dive"`
	// ExpireIntervalInMin minutes between full recording expiry sweeps
	ExpireIntervalInMin uint32 `mapstructure:"expireIntervalInMin" json:"expireIntervalInMin" validate:"gte=1,lte=1440"`
	// SyncRecordings whether to reconcile catalog rows against the filesystem
	SyncRecordings bool `mapstructure:"syncRecordings" json:"syncRecordings"`
}

// ExpireInterval convert ExpireIntervalInMin to time.Duration
func (c RecordEngineConfig) ExpireInterval() time.Duration {
	return time.Minute * time.Duration(c.ExpireIntervalInMin)
}

// ===============================================================================
// Segment Pipeline Configuration Structures

// PathsConfig filesystem roots used by the engine
type PathsConfig struct {
	// CacheDir holding area for segments not yet classified as keep or discard
	CacheDir string `mapstructure:"cacheDir" json:"cacheDir" validate:"required"`
	// RecordDir root of the persisted date/hour/camera segment tree
	RecordDir string `mapstructure:"recordDir" json:"recordDir" validate:"required"`
	// ClipsDir directory holding event snapshot image pairs and temp export clips
	ClipsDir string `mapstructure:"clipsDir" json:"clipsDir" validate:"required"`
}

// MaintainerConfig recording maintainer settings
type MaintainerConfig struct {
	// ScanIntervalInSec target seconds between cache directory scans
	ScanIntervalInSec uint32 `mapstructure:"scanIntervalInSec" json:"scanIntervalInSec" validate:"gte=1,lte=60"`
	// FeedQueueSize bound of the per-frame detection feed queue
	FeedQueueSize int `mapstructure:"feedQueueSize" json:"feedQueueSize" validate:"gte=16"`
	// MaxSegmentDurationInSec probe results above this are treated as corrupt
	MaxSegmentDurationInSec uint32 `mapstructure:"maxSegmentDurationInSec" json:"maxSegmentDurationInSec" validate:"gte=10"`
	// CaptureProcessName process name of the external capture tool; cache files
	// held open by processes with this name are skipped during scans
	CaptureProcessName string `mapstructure:"captureProcessName" json:"captureProcessName" validate:"required"`
}

// ScanInterval convert ScanIntervalInSec to time.Duration
func (c MaintainerConfig) ScanInterval() time.Duration {
	return time.Second * time.Duration(c.ScanIntervalInSec)
}

// MaxSegmentDuration convert MaxSegmentDurationInSec to seconds as float64
func (c MaintainerConfig) MaxSegmentDuration() float64 {
	return float64(c.MaxSegmentDurationInSec)
}

// ===============================================================================
// Persistence Configuration Structures

// PostgresSSLConfig Postgres connection SSL config
type PostgresSSLConfig struct {
	// Enabled whether to enable SSL when connecting to Postgres
	Enabled bool `mapstructure:"enabled" json:"enabled"`
	// CAFile the CA cert file to challenge remote with
	CAFile *string `mapstructure:"caFile" json:"caFile,omitempty" validate:"omitempty,file"`
}

// PostgresConfig Postgres connection config
type PostgresConfig struct {
	// Host Postgres server host
	Host string `mapstructure:"host" json:"host"`
	// Port Postgres server port
	Port uint16 `mapstructure:"port" json:"port" validate:"lte=65535,gte=0"`
	// Database the specific database to use
	Database string `mapstructure:"db" json:"db"`
	// User the user to connect with
	User string `mapstructure:"user" json:"user"`
	// SSL the connection SSL settings
	SSL PostgresSSLConfig `mapstructure:"ssl" json:"ssl"`
}

// SqliteConfig sqlite config
type SqliteConfig struct {
	// DBFile the sqlite DB file path
	DBFile string `mapstructure:"db" json:"db"`
}

// DatabaseConfig catalog connection config. Sqlite is used unless a Postgres
// host is set.
type DatabaseConfig struct {
	// Sqlite sqlite DB configuration
	Sqlite SqliteConfig `mapstructure:"sqlite" json:"sqlite"`
	// Postgres postgres DB configuration
	Postgres PostgresConfig `mapstructure:"postgres" json:"postgres"`
}

// ===============================================================================
// Monitoring Configuration Structures

// HTTPServerTimeoutConfig defines the timeout settings for HTTP server
type HTTPServerTimeoutConfig struct {
	// ReadTimeout is the maximum duration for reading the entire
	// request, including the body in seconds. A zero or negative
	// value means there will be no timeout.
	ReadTimeout int `mapstructure:"read" json:"read" validate:"gte=0"`
	// WriteTimeout is the maximum duration before timing out
	// writes of the response in seconds. A zero or negative value
	// means there will be no timeout.
	WriteTimeout int `mapstructure:"write" json:"write" validate:"gte=0"`
	// IdleTimeout is the maximum amount of time to wait for the
	// next request when keep-alives are enabled in seconds.
	IdleTimeout int `mapstructure:"idle" json:"idle" validate:"gte=0"`
}

// HTTPServerConfig defines the HTTP server parameters
type HTTPServerConfig struct {
	// ListenOn is the interface the HTTP server will listen on
	ListenOn string `mapstructure:"listenOn" json:"listenOn" validate:"required,ip"`
	// Port is the port the HTTP server will listen on
	Port uint16 `mapstructure:"appPort" json:"appPort" validate:"required,gt=0,lt=65536"`
	// Timeouts sets the HTTP timeout settings
	Timeouts HTTPServerTimeoutConfig `mapstructure:"timeoutSecs" json:"timeoutSecs" validate:"required,dive"`
}

// MetricsConfig application metrics config
type MetricsConfig struct {
	// Enabled whether to expose the metrics endpoint
	Enabled bool `mapstructure:"enabled" json:"enabled"`
	// Server defines HTTP server parameters
	Server HTTPServerConfig `mapstructure:"service" json:"service" validate:"required_with=Enabled,dive"`
	// MetricsEndpoint path to host the Prometheus metrics endpoint
	MetricsEndpoint string `mapstructure:"metricsEndpoint" json:"metricsEndpoint" validate:"required"`
}

// ===============================================================================
// Complete Configuration Structures

// RetentionNodeConfig define retention engine node settings and behavior
type RetentionNodeConfig struct {
	// Metrics metrics framework configuration
	Metrics MetricsConfig `mapstructure:"metrics" json:"metrics" validate:"required,dive"`
	// Database catalog connection configuration
	Database DatabaseConfig `mapstructure:"database" json:"database" validate:"required,dive"`
	// Paths filesystem roots
	Paths PathsConfig `mapstructure:"paths" json:"paths" validate:"required,dive"`
	// Record global recording retention settings
	Record RecordEngineConfig `mapstructure:"record" json:"record" validate:"required,dive"`
	// Maintainer recording maintainer settings
	Maintainer MaintainerConfig `mapstructure:"maintainer" json:"maintainer" validate:"required,dive"`
	// Cameras per-camera settings keyed by camera name
	Cameras map[string]CameraConfig `mapstructure:"cameras" json:"cameras" validate:"required,gt=0,dive"`
}

// CameraNames list the configured camera names
func (c RetentionNodeConfig) CameraNames() []string {
	names := make([]string, 0, len(c.Cameras))
	for name := range c.Cameras {
		names = append(names, name)
	}
	return names
}

// ===============================================================================
// Default Configuration Setter

// InstallDefaultRetentionNodeConfigValues installs default config parameters in
// viper for the retention engine node
func InstallDefaultRetentionNodeConfigValues() {
	// Default metrics config
	viper.SetDefault("metrics.enabled", true)
	viper.SetDefault("metrics.metricsEndpoint", "/metrics")
	viper.SetDefault("metrics.service.listenOn", "0.0.0.0")
	viper.SetDefault("metrics.service.appPort", 3001)
	viper.SetDefault("metrics.service.timeoutSecs.read", 60)
	viper.SetDefault("metrics.service.timeoutSecs.write", 60)
	viper.SetDefault("metrics.service.timeoutSecs.idle", 60)

	// Default sqlite config
	viper.SetDefault("database.sqlite.db", "/config/vidvault.db")
	// Default Postgres config
	viper.SetDefault("database.postgres.port", 5432)
	viper.SetDefault("database.postgres.ssl.enabled", false)

	// Default filesystem roots
	viper.SetDefault("paths.cacheDir", "/tmp/cache")
	viper.SetDefault("paths.recordDir", "/media/recordings")
	viper.SetDefault("paths.clipsDir", "/media/clips")

	// Default global record settings
	viper.SetDefault("record.defaultRetain.days", 1)
	viper.SetDefault("record.defaultRetain.mode", "all")
	viper.SetDefault("record.expireIntervalInMin", 60)
	viper.SetDefault("record.syncRecordings", false)

	// Default maintainer settings
	viper.SetDefault("maintainer.scanIntervalInSec", 5)
	viper.SetDefault("maintainer.feedQueueSize", 1024)
	viper.SetDefault("maintainer.maxSegmentDurationInSec", 600)
	viper.SetDefault("maintainer.captureProcessName", "ffmpeg")
}
