// Package config loads the CCI device configuration file.
//
// The file is INI-style with one section per device:
//
//	[storage0]
//	transport = sock
//	priority = 60
//	default = true
//	ip = 10.0.0.12
//
// Every key the runtime does not recognize is preserved verbatim in
// DeviceProfile.Args for the transport to interpret.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/mitchellh/mapstructure"
	"gopkg.in/ini.v1"
)

// EnvConfig names the environment variable holding the configuration file
// path.
const EnvConfig = "CCI_CONFIG"

// DefaultPriority is assigned when a section omits the priority key.
const DefaultPriority = 50

// DeviceProfile is one parsed device section.
type DeviceProfile struct {
	// Name is the section name.
	Name string `mapstructure:"-"`

	// Transport names the transport driving this device. Required.
	Transport string `mapstructure:"transport"`

	// Priority orders devices, 0..100, higher first.
	Priority int `mapstructure:"priority"`

	// Default marks the device used when the application does not pick
	// one. At most one section may set it.
	Default bool `mapstructure:"default"`

	// Args holds the remaining, transport-specific keys.
	Args map[string]string `mapstructure:"-"`
}

// reserved are the section keys consumed by the runtime itself.
var reserved = map[string]bool{
	"transport": true,
	"priority":  true,
	"default":   true,
}

// Load parses the configuration file at path and returns the device
// profiles in file order.
func Load(path string) ([]*DeviceProfile, error) {
	f, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config %q: %w", path, err)
	}
	return parse(f)
}

// LoadFromEnv loads the file named by the CCI_CONFIG environment variable.
// It returns (nil, nil) when the variable is unset.
func LoadFromEnv() ([]*DeviceProfile, error) {
	path := os.Getenv(EnvConfig)
	if path == "" {
		return nil, nil
	}
	return Load(path)
}

func parse(f *ini.File) ([]*DeviceProfile, error) {
	var profiles []*DeviceProfile
	defaults := 0

	for _, sec := range f.Sections() {
		if sec.Name() == ini.DefaultSection {
			continue
		}

		raw := map[string]interface{}{}
		for _, key := range sec.Keys() {
			raw[key.Name()] = key.Value()
		}

		profile := &DeviceProfile{
			Name:     sec.Name(),
			Priority: DefaultPriority,
			Args:     map[string]string{},
		}

		dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
			Result:           profile,
			WeaklyTypedInput: true,
		})
		if err != nil {
			return nil, err
		}
		if err := dec.Decode(raw); err != nil {
			return nil, fmt.Errorf("device %q: %w", sec.Name(), err)
		}

		for _, key := range sec.Keys() {
			if !reserved[key.Name()] {
				profile.Args[key.Name()] = key.Value()
			}
		}

		if err := validate(profile); err != nil {
			return nil, err
		}
		if profile.Default {
			defaults++
		}
		profiles = append(profiles, profile)
	}

	if defaults > 1 {
		return nil, fmt.Errorf("config: %d devices marked default, at most one allowed", defaults)
	}
	return profiles, nil
}

func validate(p *DeviceProfile) error {
	if p.Transport == "" {
		return fmt.Errorf("device %q: missing required key %q", p.Name, "transport")
	}
	if p.Priority < 0 || p.Priority > 100 {
		return fmt.Errorf("device %q: priority %d out of range 0..100", p.Name, p.Priority)
	}
	return nil
}

// Arg returns a transport-specific key with a fallback default.
func (p *DeviceProfile) Arg(name, def string) string {
	if v, ok := p.Args[name]; ok {
		return v
	}
	return def
}

// IntArg returns a transport-specific integer key with a fallback default.
func (p *DeviceProfile) IntArg(name string, def int) int {
	v, ok := p.Args[name]
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
