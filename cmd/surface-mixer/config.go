package main

import (
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
)

const envPrefix = "SURFACE_"

// Config holds the service configuration
type Config struct {
	Addr          string
	ListenHost    string
	MergedWidth   int
	MergedHeight  int
	StatsDir      string
	LogLevel      string
	Console       bool
	MaxClients    int
	PacingBitrate uint64
	EnvFile       string
}

func (c *Config) bind(fs *pflag.FlagSet) {
	fs.StringVar(&c.Addr, "addr", ":5000", "control server listen address")
	fs.StringVar(&c.ListenHost, "listen-host", "0.0.0.0", "local address client streams are received on")
	fs.IntVar(&c.MergedWidth, "width", 640, "merged output width")
	fs.IntVar(&c.MergedHeight, "height", 360, "merged output height")
	fs.StringVar(&c.StatsDir, "stats-dir", "", "directory for per-output throughput logs (disabled when empty)")
	fs.StringVar(&c.LogLevel, "log-level", "info", "log level (debug, info, warn, error)")
	fs.BoolVar(&c.Console, "console", true, "human readable console logs")
	fs.IntVar(&c.MaxClients, "max-clients", 3, "maximum number of registered clients (0 for no limit)")
	fs.Uint64Var(&c.PacingBitrate, "pacing-bitrate", 0, "per-output pacing bitrate in bit/s (0 disables pacing)")
	fs.StringVar(&c.EnvFile, "env-file", ".env", "optional dotenv file with "+envPrefix+"* defaults")
}

// loadEnv applies SURFACE_* variables to every flag not set on the command
// line. A missing env file is not an error.
func loadEnv(fs *pflag.FlagSet, file string) error {
	if file != "" {
		if _, err := os.Stat(file); err == nil {
			if err := godotenv.Load(file); err != nil {
				return err
			}
		}
	}
	var firstErr error
	fs.VisitAll(func(f *pflag.Flag) {
		if f.Changed || firstErr != nil {
			return
		}
		v, ok := os.LookupEnv(envName(f.Name))
		if !ok {
			return
		}
		if err := fs.Set(f.Name, v); err != nil {
			firstErr = err
		}
	})
	return firstErr
}

func envName(flag string) string {
	b := []byte(envPrefix + flag)
	for i := len(envPrefix); i < len(b); i++ {
		switch c := b[i]; {
		case c == '-':
			b[i] = '_'
		case c >= 'a' && c <= 'z':
			b[i] = c - 'a' + 'A'
		}
	}
	return string(b)
}

func (c Config) String() string {
	return "addr=" + c.Addr +
		" listen-host=" + c.ListenHost +
		" size=" + strconv.Itoa(c.MergedWidth) + "x" + strconv.Itoa(c.MergedHeight) +
		" max-clients=" + strconv.Itoa(c.MaxClients)
}
