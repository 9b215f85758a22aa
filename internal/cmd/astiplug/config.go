package main

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/asticode/go-astiplug/pkg/astifilter"
	"github.com/asticode/go-astiplug/pkg/astimsg"
	"github.com/asticode/go-astiplug/pkg/astiplayer"
	"github.com/asticode/go-astiplug/pkg/astiplug"
	"github.com/asticode/go-astiplug/pkg/plugins/inputs"
	"github.com/asticode/go-astiplug/pkg/plugins/outputs"
	"gopkg.in/yaml.v3"
)

type Configuration struct {
	Log    LogConfiguration    `yaml:"log"`
	Player PlayerConfiguration `yaml:"player"`
	Remote RemoteConfiguration `yaml:"remote"`
	Tone   ToneConfiguration   `yaml:"tone"`
	Writer WriterConfiguration `yaml:"writer"`
}

type LogConfiguration struct {
	Level string `yaml:"level"`
}

type PlayerConfiguration struct {
	AudioFilters  []PluginConfiguration `yaml:"audio_filters,omitempty"`
	AudioOutput   PluginConfiguration   `yaml:"audio_output"`
	PeakDetection bool                  `yaml:"peak_detection"`
	VideoFilters  []PluginConfiguration `yaml:"video_filters,omitempty"`
	VideoOutput   PluginConfiguration   `yaml:"video_output"`
}

type PluginConfiguration struct {
	Name       string                 `yaml:"name"`
	Parameters map[string]interface{} `yaml:"parameters,omitempty"`
}

type RemoteConfiguration struct {
	MQTT   MQTTConfiguration   `yaml:"mqtt"`
	Replay ReplayConfiguration `yaml:"replay"`
	Server ServerConfiguration `yaml:"server"`
}

type ReplayConfiguration struct {
	DeltaPeriod time.Duration `yaml:"delta_period"`
	Name        string        `yaml:"name"`
	Path        string        `yaml:"path"`
}

type MQTTConfiguration struct {
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"client_id"`
	QoS         byte   `yaml:"qos"`
	TopicPrefix string `yaml:"topic_prefix"`
}

type ServerConfiguration struct {
	Addr        string        `yaml:"addr"`
	APIURL      string        `yaml:"api_url"`
	DeltaPeriod time.Duration `yaml:"delta_period"`
	PushURL     string        `yaml:"push_url"`
}

type ToneConfiguration struct {
	Amplitude       float64 `yaml:"amplitude"`
	Channels        int     `yaml:"channels"`
	Duration        float64 `yaml:"duration"`
	Frequency       float64 `yaml:"frequency"`
	SampleRate      int     `yaml:"sample_rate"`
	SamplesPerFrame int     `yaml:"samples_per_frame"`
}

type WriterConfiguration struct {
	Ack         string        `yaml:"ack"`
	Compression string        `yaml:"compression"`
	Timeout     time.Duration `yaml:"timeout"`
}

func newConfiguration() *Configuration {
	c := &Configuration{}
	c.setDefaults()
	return c
}

func loadConfiguration(path string) (*Configuration, error) {
	// Read
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("main: reading %s failed: %w", path, err)
	}

	// Decode
	var c Configuration
	d := yaml.NewDecoder(bytes.NewReader(b))
	d.KnownFields(true)
	if err = d.Decode(&c); err != nil {
		return nil, fmt.Errorf("main: decoding %s failed: %w", path, err)
	}

	// Apply defaults
	c.setDefaults()
	return &c, nil
}

func (c *Configuration) setDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Player.AudioOutput.Name == "" {
		c.Player.AudioOutput.Name = outputs.NameNull
	}
	if c.Remote.Replay.DeltaPeriod == 0 {
		c.Remote.Replay.DeltaPeriod = time.Second
	}
	if c.Remote.Server.APIURL == "" {
		c.Remote.Server.APIURL = "/api"
	}
	if c.Remote.Server.DeltaPeriod == 0 {
		c.Remote.Server.DeltaPeriod = 2 * time.Second
	}
	if c.Remote.Server.PushURL == "" {
		c.Remote.Server.PushURL = "/push"
	}
	if c.Remote.MQTT.ClientID == "" {
		c.Remote.MQTT.ClientID = "astiplug"
	}
	if c.Remote.MQTT.TopicPrefix == "" {
		c.Remote.MQTT.TopicPrefix = "astiplug"
	}
	if c.Tone.Amplitude == 0 {
		c.Tone.Amplitude = 0.5
	}
	if c.Tone.Channels == 0 {
		c.Tone.Channels = 2
	}
	if c.Tone.Frequency == 0 {
		c.Tone.Frequency = 440
	}
	if c.Tone.SampleRate == 0 {
		c.Tone.SampleRate = 48000
	}
	if c.Tone.SamplesPerFrame == 0 {
		c.Tone.SamplesPerFrame = 1024
	}
	if c.Writer.Ack == "" {
		c.Writer.Ack = "auto"
	}
}

func (c *Configuration) validate() error {
	if _, err := c.ackMode(); err != nil {
		return err
	}
	switch astiplug.Compression(c.Writer.Compression) {
	case astiplug.CompressionNone, astiplug.CompressionSnappy:
	default:
		return fmt.Errorf("main: invalid compression %s", c.Writer.Compression)
	}
	if c.Tone.Duration < 0 {
		return errors.New("main: tone duration must be positive")
	}
	if c.Remote.MQTT.QoS > 2 {
		return fmt.Errorf("main: invalid mqtt qos %d", c.Remote.MQTT.QoS)
	}
	for _, fs := range [][]PluginConfiguration{c.Player.AudioFilters, c.Player.VideoFilters} {
		for idx, f := range fs {
			if f.Name == "" {
				return fmt.Errorf("main: filter %d has no name", idx)
			}
		}
	}
	return nil
}

func (c *Configuration) ackMode() (astiplug.AckMode, error) {
	switch c.Writer.Ack {
	case "auto":
		return astiplug.AckModeAuto, nil
	case "always":
		return astiplug.AckModeAlways, nil
	case "never":
		return astiplug.AckModeNever, nil
	default:
		return 0, fmt.Errorf("main: invalid ack mode %s", c.Writer.Ack)
	}
}

func (c *Configuration) toneParameters() astimsg.Dictionary {
	return astimsg.Dictionary{
		inputs.ParameterAmplitude:       astimsg.FloatValue(c.Tone.Amplitude),
		inputs.ParameterChannels:        astimsg.IntValue(int64(c.Tone.Channels)),
		inputs.ParameterDuration:        astimsg.FloatValue(c.Tone.Duration),
		inputs.ParameterFrequency:       astimsg.FloatValue(c.Tone.Frequency),
		inputs.ParameterSampleRate:      astimsg.IntValue(int64(c.Tone.SampleRate)),
		inputs.ParameterSamplesPerFrame: astimsg.IntValue(int64(c.Tone.SamplesPerFrame)),
	}
}

func (c PluginConfiguration) outputOptions() (astiplayer.OutputOptions, error) {
	d, err := dictionary(c.Parameters)
	if err != nil {
		return astiplayer.OutputOptions{}, fmt.Errorf("main: parsing %s parameters failed: %w", c.Name, err)
	}
	return astiplayer.OutputOptions{
		Name:       c.Name,
		Parameters: d,
	}, nil
}

func filterOptions(cs []PluginConfiguration) (*astifilter.Options, error) {
	o := &astifilter.Options{}
	for _, c := range cs {
		d, err := dictionary(c.Parameters)
		if err != nil {
			return nil, fmt.Errorf("main: parsing %s parameters failed: %w", c.Name, err)
		}
		o.Stages = append(o.Stages, astifilter.Stage{
			Name:       c.Name,
			Parameters: d,
		})
	}
	return o, nil
}

func dictionary(m map[string]interface{}) (astimsg.Dictionary, error) {
	if len(m) == 0 {
		return nil, nil
	}
	d := make(astimsg.Dictionary, len(m))
	for k, i := range m {
		v, err := value(i)
		if err != nil {
			return nil, fmt.Errorf("main: parsing key %s failed: %w", k, err)
		}
		d[k] = v
	}
	return d, nil
}

func value(i interface{}) (astimsg.Value, error) {
	switch v := i.(type) {
	case bool:
		if v {
			return astimsg.IntValue(1), nil
		}
		return astimsg.IntValue(0), nil
	case float64:
		return astimsg.FloatValue(v), nil
	case int:
		return astimsg.IntValue(int64(v)), nil
	case string:
		return astimsg.StringValue(v), nil
	case []interface{}:
		var vs []astimsg.Value
		for _, i := range v {
			sv, err := value(i)
			if err != nil {
				return astimsg.Value{}, err
			}
			vs = append(vs, sv)
		}
		return astimsg.ArrayValue(vs...), nil
	case map[string]interface{}:
		d, err := dictionary(v)
		if err != nil {
			return astimsg.Value{}, err
		}
		if d == nil {
			d = make(astimsg.Dictionary)
		}
		return astimsg.DictionaryValue(d), nil
	default:
		return astimsg.Value{}, fmt.Errorf("main: unsupported type %T", i)
	}
}

// Used in logs
func (c PluginConfiguration) String() string {
	ks := make([]string, 0, len(c.Parameters))
	for k := range c.Parameters {
		ks = append(ks, k)
	}
	sort.Strings(ks)
	s := c.Name
	for _, k := range ks {
		s += fmt.Sprintf(" %s=%v", k, c.Parameters[k])
	}
	return s
}
