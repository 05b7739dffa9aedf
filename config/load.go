package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mitchellh/go-homedir"
	yaml "sigs.k8s.io/yaml/goyaml.v3"

	fskit "github.com/italypaleale/tunequeue/fs"
)

// Names of the config file, in the order they are searched for
var configFileNames = []string{"config.yaml", "config.yml"}

// LoadConfigOpts contains options for LoadConfig
type LoadConfigOpts struct {
	// Name of the env var that can contain the path to the config file
	EnvVar string
	// Name of the folder in the home directory ("~/.<name>") and in /etc where the config file is searched
	DirName string
}

// ConfigDest is the object the config file is decoded into
type ConfigDest interface {
	SetLoadedConfigPath(path string)
}

// Defaulter is implemented by config objects that set default values after the file is decoded
type Defaulter interface {
	SetDefaults()
}

// Validator is implemented by config objects that validate their values after defaults are set
type Validator interface {
	Validate() error
}

// LoadConfig finds the config file, decodes it into dst, then applies defaults and validates dst if it implements Defaulter and Validator.
// All errors are returned as *ConfigError.
func LoadConfig(dst ConfigDest, opts LoadConfigOpts) error {
	configFile, err := locateConfigFile(opts)
	if err != nil {
		return err
	}

	err = loadConfigFile(dst, configFile)
	if err != nil {
		return NewConfigError(err, "Error loading config file")
	}
	dst.SetLoadedConfigPath(configFile)

	if d, ok := dst.(Defaulter); ok {
		d.SetDefaults()
	}

	if v, ok := dst.(Validator); ok {
		err = v.Validate()
		if err != nil {
			var cfgErr *ConfigError
			if errors.As(err, &cfgErr) {
				return cfgErr
			}
			return NewConfigError(err, "Invalid configuration")
		}
	}

	return nil
}

// locateConfigFile returns the path set in the env var, or the first config file found in the search paths.
func locateConfigFile(opts LoadConfigOpts) (string, error) {
	if opts.EnvVar != "" {
		configFile := os.Getenv(opts.EnvVar)
		if configFile != "" {
			exists, _ := fskit.FileExists(configFile)
			if !exists {
				return "", NewConfigError("Environmental variable "+opts.EnvVar+" points to a file that does not exist", "Error loading config file")
			}
			return configFile, nil
		}
	}

	searchPaths := []string{".", "~/." + opts.DirName, "/etc/" + opts.DirName}
	for _, name := range configFileNames {
		configFile := findConfigFile(name, searchPaths...)
		if configFile != "" {
			return configFile, nil
		}
	}

	return "", NewConfigError(
		"Could not find a configuration file "+strings.Join(configFileNames, " or ")+" in the current folder, '~/."+opts.DirName+"', or '/etc/"+opts.DirName+"'",
		"Error loading config file",
	)
}

// loadConfigFile decodes the YAML file at filePath into dst, which must be a pointer to a struct.
// Unknown keys are rejected.
func loadConfigFile(dst any, filePath string) error {
	f, err := os.Open(filePath) //nolint:gosec
	if err != nil {
		return fmt.Errorf("failed to open config file '%s': %w", filePath, err)
	}
	defer f.Close() //nolint:errcheck

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	err = dec.Decode(dst)
	if err != nil {
		return fmt.Errorf("failed to decode config file '%s': %w", filePath, err)
	}

	return nil
}

func findConfigFile(fileName string, searchPaths ...string) string {
	for _, path := range searchPaths {
		p, err := homedir.Expand(path)
		if err == nil && p != "" {
			path = p
		}

		candidate := filepath.Join(path, fileName)
		exists, _ := fskit.FileExists(candidate)
		if exists {
			return candidate
		}
	}

	return ""
}
