package config

import (
	"fmt"
	"io"
	"os"
	"os/user"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

const (
	configDir  string = ".symsnap"
	configFile string = "config.yml"
)

const (
	// DefaultMaxFrames bounds a stack walk when the configuration does not.
	DefaultMaxFrames = 4096
	// DefaultMemoryCachePages is the number of 4KiB pages kept by the memory cache.
	DefaultMemoryCachePages = 256
	// DefaultServerTimeout is used for symbol server requests.
	DefaultServerTimeout = 30 * time.Second
)

// Config defines all configuration options available to be set through the config file.
type Config struct {
	// SymbolSearchPaths is the list of local directories searched for
	// symbol files, in order.
	SymbolSearchPaths []string `yaml:"symbol-search-paths"`
	// SymbolServers lists symbol server base URLs. They are queried after
	// the local search paths.
	SymbolServers []string `yaml:"symbol-servers"`
	// SymbolCacheDir is where files downloaded from symbol servers are kept.
	SymbolCacheDir string `yaml:"symbol-cache-dir"`
	// SymbolPath accepts a semicolon separated symbol path, for example
	// "srv*C:\symcache*https://symbols.example.com;D:\build\syms".
	// Its entries are appended to SymbolSearchPaths and SymbolServers.
	SymbolPath string `yaml:"symbol-path"`

	// MaxFrames is the maximum number of frames a single stack walk produces.
	MaxFrames *int `yaml:"max-frames,omitempty"`
	// TolerateReadErrors ends stack walks successfully when target memory
	// can not be read instead of reporting a memory read failure.
	TolerateReadErrors bool `yaml:"tolerate-read-errors"`
	// EagerSymbols loads symbol files when a module is registered instead
	// of on the first address lookup.
	EagerSymbols bool `yaml:"eager-symbols"`
	// MemoryCachePages is the size of the page cache put in front of live
	// process memory. Zero disables the cache.
	MemoryCachePages *int `yaml:"memory-cache-pages,omitempty"`
	// ServerTimeout is the per request timeout for symbol servers, as a
	// duration string ("30s").
	ServerTimeout string `yaml:"server-timeout,omitempty"`
}

// GetMaxFrames returns the configured frame bound or DefaultMaxFrames.
func (c *Config) GetMaxFrames() int {
	if c == nil || c.MaxFrames == nil || *c.MaxFrames <= 0 {
		return DefaultMaxFrames
	}
	return *c.MaxFrames
}

// GetMemoryCachePages returns the configured page cache size.
func (c *Config) GetMemoryCachePages() int {
	if c == nil || c.MemoryCachePages == nil {
		return DefaultMemoryCachePages
	}
	if *c.MemoryCachePages < 0 {
		return 0
	}
	return *c.MemoryCachePages
}

// GetServerTimeout parses ServerTimeout, falling back to DefaultServerTimeout.
func (c *Config) GetServerTimeout() time.Duration {
	if c == nil || c.ServerTimeout == "" {
		return DefaultServerTimeout
	}
	d, err := time.ParseDuration(c.ServerTimeout)
	if err != nil || d <= 0 {
		return DefaultServerTimeout
	}
	return d
}

// SymbolSources merges the explicit search paths and servers with the
// entries of SymbolPath.
func (c *Config) SymbolSources() (dirs []string, servers []SymbolServer) {
	if c == nil {
		return nil, nil
	}
	dirs = append(dirs, c.SymbolSearchPaths...)
	for _, u := range c.SymbolServers {
		servers = append(servers, SymbolServer{URL: u, CacheDir: c.SymbolCacheDir})
	}
	pdirs, pservers := ParseSymbolPath(c.SymbolPath)
	dirs = append(dirs, pdirs...)
	for _, srv := range pservers {
		if srv.CacheDir == "" {
			srv.CacheDir = c.SymbolCacheDir
		}
		servers = append(servers, srv)
	}
	return dirs, servers
}

// SymbolServer is one server entry of a symbol path.
type SymbolServer struct {
	URL      string
	CacheDir string
}

// ParseSymbolPath splits a symbol path of the form
//
//	srv*<cache>*<url>;srv*<url>;cache*<dir>;<dir>
//
// into local directories and symbol servers. A "cache*<dir>" element
// sets the cache used by the servers that follow it.
func ParseSymbolPath(s string) (dirs []string, servers []SymbolServer) {
	cache := ""
	for _, elem := range strings.Split(s, ";") {
		elem = strings.TrimSpace(elem)
		if elem == "" {
			continue
		}
		parts := strings.Split(elem, "*")
		switch strings.ToLower(parts[0]) {
		case "srv", "symsrv":
			if strings.ToLower(parts[0]) == "symsrv" && len(parts) > 1 {
				// symsrv*<dll>*<cache>*<url>
				parts = parts[1:]
			}
			switch len(parts) {
			case 1:
			case 2:
				servers = append(servers, SymbolServer{URL: parts[1], CacheDir: cache})
			default:
				url := parts[len(parts)-1]
				srvCache := parts[1]
				if srvCache == "" {
					srvCache = cache
				}
				servers = append(servers, SymbolServer{URL: url, CacheDir: srvCache})
			}
		case "cache":
			if len(parts) > 1 {
				cache = parts[1]
			}
		default:
			dirs = append(dirs, elem)
		}
	}
	return dirs, servers
}

// LoadConfig attempts to populate a Config object from the config.yml file.
func LoadConfig() *Config {
	err := createConfigPath()
	if err != nil {
		fmt.Printf("Could not create config directory: %v.", err)
		return &Config{}
	}
	fullConfigFile, err := GetConfigFilePath(configFile)
	if err != nil {
		fmt.Printf("Unable to get config file path: %v.", err)
		return &Config{}
	}

	f, err := os.Open(fullConfigFile)
	if err != nil {
		f, err = createDefaultConfig(fullConfigFile)
		if err != nil {
			fmt.Printf("Error creating default config file: %v", err)
			return &Config{}
		}
	}
	defer func() {
		err := f.Close()
		if err != nil {
			fmt.Printf("Closing config file failed: %v.", err)
		}
	}()

	c, err := readConfig(f)
	if err != nil {
		fmt.Printf("Unable to decode config file: %v.", err)
		return &Config{}
	}
	return c
}

// LoadConfigFrom reads the configuration at path. Unlike LoadConfig it
// reports errors instead of falling back to the defaults.
func LoadConfigFrom(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return readConfig(f)
}

func readConfig(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// SaveConfig will marshal and save the config struct
// to disk.
func SaveConfig(conf *Config) error {
	fullConfigFile, err := GetConfigFilePath(configFile)
	if err != nil {
		return err
	}

	out, err := yaml.Marshal(*conf)
	if err != nil {
		return err
	}

	f, err := os.Create(fullConfigFile)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = f.Write(out)
	return err
}

func createDefaultConfig(path string) (*os.File, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("unable to create config file: %w", err)
	}
	err = writeDefaultConfig(f)
	if err != nil {
		return nil, fmt.Errorf("unable to write default configuration: %w", err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	return f, nil
}

func writeDefaultConfig(f io.Writer) error {
	_, err := io.WriteString(f,
		`# Configuration file for symsnap.

# This is the default configuration file. Available options are provided, but disabled.
# Delete the leading hash mark to enable an item.

# Directories searched for symbol files. Files are looked up as
# <dir>/<debug file>/<DEBUG ID>/<name>.sym and then <dir>/<name>.sym.
symbol-search-paths: []

# Symbol servers queried after the search paths.
# symbol-servers: ["https://symbols.example.com"]

# Where files downloaded from symbol servers are cached.
# symbol-cache-dir: ~/.symsnap/cache

# A semicolon separated symbol path, merged with the lists above.
# symbol-path: "srv*C:\\symcache*https://symbols.example.com"

# Maximum number of frames produced by a single stack walk.
# max-frames: 4096

# End stack walks quietly when target memory can not be read.
# tolerate-read-errors: false

# Load symbol files as soon as a module is registered.
# eager-symbols: false

# Number of 4KiB pages cached when reading live process memory.
# memory-cache-pages: 256

# Timeout for a single symbol server request.
# server-timeout: 30s
`)
	return err
}

// createConfigPath creates the directory structure at which all config files are saved.
func createConfigPath() error {
	path, err := GetConfigFilePath("")
	if err != nil {
		return err
	}
	return os.MkdirAll(path, 0700)
}

// GetConfigFilePath gets the full path to the given config file name.
func GetConfigFilePath(file string) (string, error) {
	userHomeDir := "."
	usr, err := user.Current()
	if err == nil {
		userHomeDir = usr.HomeDir
	}
	return filepath.Join(userHomeDir, configDir, file), nil
}
