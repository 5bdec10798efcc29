package main

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/evoagent/evoagent/internal/common/config"
	"github.com/evoagent/evoagent/internal/common/errs"
)

// ConfigCmd groups the configuration subcommands.
type ConfigCmd struct {
	List     ConfigListCmd     `cmd:"" help:"Print the effective configuration."`
	Get      ConfigGetCmd      `cmd:"" help:"Print one configuration value."`
	Set      ConfigSetCmd      `cmd:"" help:"Write a value into the config file."`
	Reset    ConfigResetCmd    `cmd:"" help:"Remove a key from the config file, or restore defaults."`
	Validate ConfigValidateCmd `cmd:"" help:"Check the configuration for problems."`
	Edit     ConfigEditCmd     `cmd:"" help:"Open the config file in your editor."`
}

func readConfigViper(cli *CLI) (*viper.Viper, error) {
	v := config.Viper(cli.configDir())
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, errs.Wrap(errs.KindValidation, "cli.config", err)
		}
	}
	return v, nil
}

type ConfigListCmd struct{}

func (c *ConfigListCmd) Run(cli *CLI) error {
	v, err := readConfigViper(cli)
	if err != nil {
		return err
	}
	out, err := yaml.Marshal(v.AllSettings())
	if err != nil {
		return errs.Wrap(errs.KindInternal, "cli.config", err)
	}
	fmt.Print(string(out))
	return nil
}

type ConfigGetCmd struct {
	Key string `arg:"" help:"Dotted key, for example llm.model."`
}

func (c *ConfigGetCmd) Run(cli *CLI) error {
	v, err := readConfigViper(cli)
	if err != nil {
		return err
	}
	value := v.Get(c.Key)
	if value == nil {
		return errs.E(errs.KindNotFound, "cli.config", "no such key %q", c.Key)
	}
	switch value.(type) {
	case map[string]any, []any:
		out, err := yaml.Marshal(value)
		if err != nil {
			return errs.Wrap(errs.KindInternal, "cli.config", err)
		}
		fmt.Print(string(out))
	default:
		fmt.Println(value)
	}
	return nil
}

type ConfigSetCmd struct {
	Key   string `arg:"" help:"Dotted key, for example llm.model."`
	Value string `arg:"" help:"New value. Parsed as bool or number when possible."`
}

func (c *ConfigSetCmd) Run(cli *CLI) error {
	file, err := cli.configFile()
	if err != nil {
		return errs.Wrap(errs.KindInternal, "cli.config", err)
	}
	settings, err := readConfigFileMap(file)
	if err != nil {
		return err
	}
	setNested(settings, strings.Split(c.Key, "."), parseScalar(c.Value))

	// Merge over defaults and validate before anything reaches disk.
	v := config.Viper(cli.configDir())
	if err := v.MergeConfigMap(settings); err != nil {
		return errs.Wrap(errs.KindValidation, "cli.config", err)
	}
	var cfg config.Config
	if err := v.Unmarshal(&cfg); err != nil {
		return errs.Wrap(errs.KindValidation, "cli.config", err)
	}
	if err := config.Validate(&cfg); err != nil {
		return errs.Wrap(errs.KindValidation, "cli.config", err)
	}

	if err := writeConfigFileMap(file, settings); err != nil {
		return err
	}
	fmt.Printf("%s = %v (%s)\n", c.Key, parseScalar(c.Value), file)
	return nil
}

type ConfigResetCmd struct {
	Key string `arg:"" optional:"" help:"Key to remove. Omit to restore the full default file."`
}

func (c *ConfigResetCmd) Run(cli *CLI) error {
	file, err := cli.configFile()
	if err != nil {
		return errs.Wrap(errs.KindInternal, "cli.config", err)
	}
	if c.Key == "" {
		out, err := yaml.Marshal(config.Viper(cli.configDir()).AllSettings())
		if err != nil {
			return errs.Wrap(errs.KindInternal, "cli.config", err)
		}
		if err := os.MkdirAll(filepath.Dir(file), 0o755); err != nil {
			return errs.Wrap(errs.KindInternal, "cli.config", err)
		}
		if err := os.WriteFile(file, out, 0o644); err != nil {
			return errs.Wrap(errs.KindInternal, "cli.config", err)
		}
		fmt.Printf("defaults written to %s\n", file)
		return nil
	}

	settings, err := readConfigFileMap(file)
	if err != nil {
		return err
	}
	if !deleteNested(settings, strings.Split(c.Key, ".")) {
		return errs.E(errs.KindNotFound, "cli.config", "%q is not set in %s", c.Key, file)
	}
	if err := writeConfigFileMap(file, settings); err != nil {
		return err
	}
	fmt.Printf("%s removed from %s\n", c.Key, file)
	return nil
}

type ConfigValidateCmd struct{}

func (c *ConfigValidateCmd) Run(cli *CLI) error {
	v, err := readConfigViper(cli)
	if err != nil {
		return err
	}
	if _, err := config.LoadWithPath(cli.configDir()); err != nil {
		return errs.Wrap(errs.KindValidation, "cli.config", err)
	}
	if file := v.ConfigFileUsed(); file != "" {
		fmt.Printf("%s is valid\n", file)
	} else {
		fmt.Println("configuration is valid (defaults, no config file)")
	}
	return nil
}

type ConfigEditCmd struct{}

func (c *ConfigEditCmd) Run(cli *CLI) error {
	file, err := cli.configFile()
	if err != nil {
		return errs.Wrap(errs.KindInternal, "cli.config", err)
	}
	if _, err := os.Stat(file); err != nil {
		return errs.E(errs.KindNotFound, "cli.config",
			"no config file at %s (run 'evoagent init' first)", file)
	}

	editor := os.Getenv("EDITOR")
	if editor == "" {
		editor = "vi"
	}
	cmd := exec.Command(editor, file)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return errs.Wrap(errs.KindInternal, "cli.config", err)
	}

	if _, err := config.LoadWithPath(cli.configDir()); err != nil {
		fmt.Fprintf(os.Stderr, "warning: %s no longer validates: %v\n", file, err)
	}
	return nil
}

// readConfigFileMap loads the YAML config file into a plain map, returning
// an empty map when the file does not exist yet.
func readConfigFileMap(file string) (map[string]any, error) {
	raw, err := os.ReadFile(file)
	if os.IsNotExist(err) {
		return map[string]any{}, nil
	}
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, "cli.config", err)
	}
	settings := map[string]any{}
	if err := yaml.Unmarshal(raw, &settings); err != nil {
		return nil, errs.Wrap(errs.KindValidation, "cli.config", err)
	}
	return settings, nil
}

func writeConfigFileMap(file string, settings map[string]any) error {
	out, err := yaml.Marshal(settings)
	if err != nil {
		return errs.Wrap(errs.KindInternal, "cli.config", err)
	}
	if err := os.MkdirAll(filepath.Dir(file), 0o755); err != nil {
		return errs.Wrap(errs.KindInternal, "cli.config", err)
	}
	if err := os.WriteFile(file, out, 0o644); err != nil {
		return errs.Wrap(errs.KindInternal, "cli.config", err)
	}
	return nil
}

func setNested(m map[string]any, path []string, value any) {
	if len(path) == 1 {
		m[path[0]] = value
		return
	}
	child, ok := m[path[0]].(map[string]any)
	if !ok {
		child = map[string]any{}
		m[path[0]] = child
	}
	setNested(child, path[1:], value)
}

func deleteNested(m map[string]any, path []string) bool {
	if len(path) == 1 {
		if _, ok := m[path[0]]; !ok {
			return false
		}
		delete(m, path[0])
		return true
	}
	child, ok := m[path[0]].(map[string]any)
	if !ok {
		return false
	}
	removed := deleteNested(child, path[1:])
	if removed && len(child) == 0 {
		delete(m, path[0])
	}
	return removed
}

// parseScalar interprets a CLI value the way YAML would.
func parseScalar(s string) any {
	if b, err := strconv.ParseBool(s); err == nil {
		return b
	}
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return int(i)
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return s
}
