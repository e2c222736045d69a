package config

import "time"

// Config holds client configuration values.
type Config struct {
	Server   ServerConfig   `mapstructure:"server" yaml:"server"`
	Room     string         `mapstructure:"room" yaml:"room" validate:"required"`
	Identity IdentityConfig `mapstructure:"identity" yaml:"identity"`
	Stream   StreamConfig   `mapstructure:"stream" yaml:"stream"`
	Capture  CaptureConfig  `mapstructure:"capture" yaml:"capture"`
	History  HistoryConfig  `mapstructure:"history" yaml:"history"`
	Log      LogConfig      `mapstructure:"log" yaml:"log"`
}

// ServerConfig locates the BlackRoom server. The stream URL is derived from URL.
type ServerConfig struct {
	URL     string        `mapstructure:"url" yaml:"url" validate:"required,url,startswith=http"`
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout" validate:"gt=0"`
}

// IdentityConfig points at the local device store.
type IdentityConfig struct {
	DBPath string `mapstructure:"db_path" yaml:"db_path" validate:"required"`
	// Label is applied on first run only; later edits go through the label command.
	Label string `mapstructure:"label" yaml:"label"`
}

// StreamConfig tunes the realtime subscription.
type StreamConfig struct {
	ReconnectDelay   time.Duration `mapstructure:"reconnect_delay" yaml:"reconnect_delay" validate:"gt=0"`
	ReassertInterval time.Duration `mapstructure:"reassert_interval" yaml:"reassert_interval" validate:"gt=0"`
	ReadLimit        int64         `mapstructure:"read_limit" yaml:"read_limit" validate:"gt=0"`
}

// CaptureConfig tunes audio capture.
type CaptureConfig struct {
	Timeslice time.Duration `mapstructure:"timeslice" yaml:"timeslice" validate:"gt=0"`
	Grace     time.Duration `mapstructure:"grace" yaml:"grace" validate:"gte=0"`
	// Encodings is the preference-ordered list of MIME types to try.
	Encodings []string `mapstructure:"encodings" yaml:"encodings" validate:"dive,required"`
	// Commands maps a MIME type to the recorder command that produces it on stdout.
	Commands []CommandSpec `mapstructure:"commands" yaml:"commands" validate:"dive"`
}

// CommandSpec is one recorder command.
type CommandSpec struct {
	MIME string   `mapstructure:"mime" yaml:"mime" validate:"required"`
	Args []string `mapstructure:"args" yaml:"args" validate:"min=1"`
}

// HistoryConfig controls the backlog fetched when joining a room.
type HistoryConfig struct {
	Limit int `mapstructure:"limit" yaml:"limit" validate:"gte=0"`
}

// LogConfig controls logger construction.
type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level" validate:"omitempty,oneof=debug info warn warning error"`
	Format string `mapstructure:"format" yaml:"format" validate:"omitempty,oneof=console json"`
}

// Default returns configuration with reasonable starter defaults.
func Default() Config {
	return Config{
		Server: ServerConfig{
			URL:     "http://localhost:8000",
			Timeout: 30 * time.Second,
		},
		Room: "alpha",
		Identity: IdentityConfig{
			DBPath: "blackroom.db",
		},
		Stream: StreamConfig{
			ReconnectDelay:   1500 * time.Millisecond,
			ReassertInterval: 2 * time.Second,
			ReadLimit:        1 << 20,
		},
		Capture: CaptureConfig{
			Timeslice: 250 * time.Millisecond,
			Grace:     80 * time.Millisecond,
			Encodings: []string{
				"audio/webm;codecs=opus",
				"audio/ogg;codecs=opus",
				"audio/mp4",
				"audio/webm",
			},
			Commands: []CommandSpec{
				{MIME: "audio/webm;codecs=opus", Args: ffmpegArgs("-c:a", "libopus", "-f", "webm")},
				{MIME: "audio/ogg;codecs=opus", Args: ffmpegArgs("-c:a", "libopus", "-f", "ogg")},
				{MIME: "audio/mp4", Args: ffmpegArgs("-c:a", "aac", "-movflags", "frag_keyframe+empty_moov", "-f", "mp4")},
			},
		},
		History: HistoryConfig{
			Limit: 50,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

func ffmpegArgs(codec ...string) []string {
	args := []string{"ffmpeg", "-hide_banner", "-loglevel", "error", "-f", "pulse", "-i", "default"}
	args = append(args, codec...)
	return append(args, "-")
}

// UpdateFrom overwrites non-zero values from other config into receiver.
func (c *Config) UpdateFrom(other Config) {
	if other.Server.URL != "" {
		c.Server.URL = other.Server.URL
	}
	if other.Server.Timeout != 0 {
		c.Server.Timeout = other.Server.Timeout
	}
	if other.Room != "" {
		c.Room = other.Room
	}
	if other.Identity.DBPath != "" {
		c.Identity.DBPath = other.Identity.DBPath
	}
	if other.Identity.Label != "" {
		c.Identity.Label = other.Identity.Label
	}
	if other.Stream.ReconnectDelay != 0 {
		c.Stream.ReconnectDelay = other.Stream.ReconnectDelay
	}
	if other.History.Limit != 0 {
		c.History.Limit = other.History.Limit
	}
	if other.Log.Level != "" {
		c.Log.Level = other.Log.Level
	}
	if other.Log.Format != "" {
		c.Log.Format = other.Log.Format
	}
}
